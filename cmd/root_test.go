package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		newLogger(false, "json", &buf).Info("hello", "table", "accounts")

		var record map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
			t.Fatalf("output is not JSON: %q", buf.String())
		}
		if record["msg"] != "hello" || record["table"] != "accounts" {
			t.Errorf("unexpected record %v", record)
		}
	})

	t.Run("Logfmt", func(t *testing.T) {
		var buf bytes.Buffer
		newLogger(false, "logfmt", &buf).Info("hello", "table", "accounts")
		if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "table=accounts") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("TextDropsAttributes", func(t *testing.T) {
		var buf bytes.Buffer
		newLogger(false, "text", &buf).Info("hello", "table", "accounts")
		out := strings.TrimSpace(buf.String())
		if !strings.HasSuffix(out, "INFO hello") || strings.Contains(out, "accounts") {
			t.Errorf("unexpected output %q", out)
		}
	})

	t.Run("DebugLevel", func(t *testing.T) {
		var buf bytes.Buffer
		newLogger(false, "text", &buf).Debug("hidden")
		if buf.Len() != 0 {
			t.Errorf("debug should be filtered, got %q", buf.String())
		}
		newLogger(true, "text", &buf).Debug("shown")
		if !strings.Contains(buf.String(), "DEBUG shown") {
			t.Errorf("debug should be written, got %q", buf.String())
		}
	})
}

func TestBindFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addDatabaseFlags(cmd)
	addComparisonFlags(cmd)
	cmd.Flags().Bool("unmapped", false, "")

	if err := cmd.Flags().Parse([]string{"--source-host", "prod.db", "--max-rows", "500", "--parallel"}); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	if err := bindFlags(cmd, v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v.GetString("source.host") != "prod.db" {
		t.Errorf("source.host = %q", v.GetString("source.host"))
	}
	if v.GetInt("sampling.max_rows") != 500 {
		t.Errorf("sampling.max_rows = %d", v.GetInt("sampling.max_rows"))
	}
	if !v.GetBool("batch.parallel") {
		t.Error("batch.parallel should be true")
	}
	// Unset flags still provide their defaults
	if v.GetInt("target.port") != 5432 || v.GetString("target.label") != "DEV" {
		t.Errorf("target defaults = %d / %q", v.GetInt("target.port"), v.GetString("target.label"))
	}
	if v.IsSet("unmapped") {
		t.Error("flags without a key must not be bound")
	}
}
