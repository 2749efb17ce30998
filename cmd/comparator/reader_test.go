package comparator

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockReader(t *testing.T, sampling Sampling) (*Reader, sqlmock.Sqlmock, *QueryLog) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := &QueryLog{}
	env := EnvironmentConfig{Label: "PROD", Host: "prod.example.com", Port: 5432, Database: "warehouse"}
	return NewReader(db, env, log, sampling), mock, log
}

func TestBuildExclusionClause(t *testing.T) {
	tests := []struct {
		name   string
		filter ExclusionFilter
		want   string
	}{
		{"Nil", nil, ""},
		{"Empty", ExclusionFilter{}, ""},
		{"SingleTextValue", ExclusionFilter{"status": {"deleted"}}, `WHERE NOT ("status" IN ('deleted'))`},
		{"NumericUnquoted", ExclusionFilter{"region_id": {"10", " 2.5 "}}, `WHERE NOT ("region_id" IN (10, 2.5))`},
		{"QuotesEscaped", ExclusionFilter{"name": {"O'Brien"}}, `WHERE NOT ("name" IN ('O''Brien'))`},
		{
			"ColumnsJoinedWithAndSorted",
			ExclusionFilter{"status": {"deleted", "archived"}, "region_id": {"7"}},
			`WHERE NOT ("region_id" IN (7) AND "status" IN ('deleted', 'archived'))`,
		},
		{"EmptyValuesSkipped", ExclusionFilter{"status": {" ", ""}, "kind": {"x", ""}}, `WHERE NOT ("kind" IN ('x'))`},
		{"AllColumnsEmpty", ExclusionFilter{"status": {""}}, ""},
		{"NaNIsQuoted", ExclusionFilter{"code": {"NaN"}}, `WHERE NOT ("code" IN ('NaN'))`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildExclusionClause(tt.filter); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildRowQuery(t *testing.T) {
	env := EnvironmentConfig{Label: "DEV"}
	filter := ExclusionFilter{"status": {"deleted"}}

	t.Run("NoLimitReadsEverything", func(t *testing.T) {
		r := NewReader(nil, env, nil, Sampling{Method: SamplingLastN})
		query, desc := r.buildRowQuery("orders", []string{"id"}, 0, nil)
		if query != `SELECT * FROM "public"."orders" ORDER BY "id" ASC` {
			t.Errorf("query = %s", query)
		}
		if desc != "Fetch ALL data from table orders" {
			t.Errorf("description = %s", desc)
		}
	})

	t.Run("TopN", func(t *testing.T) {
		r := NewReader(nil, env, nil, Sampling{Method: SamplingTopN})
		query, desc := r.buildRowQuery("sales.orders", []string{"a", "b"}, 500, filter)
		want := `SELECT * FROM "sales"."orders" WHERE NOT ("status" IN ('deleted')) ORDER BY "a" ASC, "b" ASC LIMIT 500`
		if query != want {
			t.Errorf("query = %s", query)
		}
		if desc != "Fetch TOP_N 500 rows from table sales.orders" {
			t.Errorf("description = %s", desc)
		}
	})

	t.Run("LastNRankedDescendingThenResorted", func(t *testing.T) {
		r := NewReader(nil, env, nil, Sampling{Method: SamplingLastN})
		query, desc := r.buildRowQuery("orders", []string{"id"}, 20000, nil)
		want := `SELECT * FROM (SELECT * FROM "public"."orders" ORDER BY "id" DESC LIMIT 20000) AS tail ORDER BY "id" ASC`
		if query != want {
			t.Errorf("query = %s", query)
		}
		if desc != "Fetch LAST_N 20,000 rows from table orders" {
			t.Errorf("description = %s", desc)
		}
	})

	t.Run("RandomUsesFixedSeed", func(t *testing.T) {
		r := NewReader(nil, env, nil, Sampling{Method: SamplingRandom})
		query, _ := r.buildRowQuery("orders", []string{"id"}, 10, nil)
		if !strings.Contains(query, `md5(concat_ws('|', "id") || ':12345')`) {
			t.Errorf("expected seeded md5 ordering, got %s", query)
		}
		if !strings.HasSuffix(query, `AS sampled ORDER BY "id" ASC`) {
			t.Errorf("expected ascending re-sort, got %s", query)
		}
		again, _ := r.buildRowQuery("orders", []string{"id"}, 10, nil)
		if again != query {
			t.Errorf("random query should be deterministic")
		}
	})

	t.Run("EnvironmentSchemaQualifiesBareNames", func(t *testing.T) {
		r := NewReader(nil, EnvironmentConfig{Label: "DEV", Schema: "staging"}, nil, Sampling{})
		query, _ := r.buildRowQuery("orders", []string{"id"}, 0, nil)
		if !strings.HasPrefix(query, `SELECT * FROM "staging"."orders"`) {
			t.Errorf("query = %s", query)
		}
	})
}

func TestReaderFetchRowCount(t *testing.T) {
	t.Run("ExclusionFilterAppliedToCount", func(t *testing.T) {
		reader, mock, log := newMockReader(t, Sampling{})

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."accounts" WHERE NOT ("status" IN ('deleted'))`)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

		count, err := reader.FetchRowCount(context.Background(), "accounts", ExclusionFilter{"status": {"deleted"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 7 {
			t.Errorf("count = %d, want 7", count)
		}

		entries := log.Entries()
		if len(entries) != 1 || entries[0].Description != "Get row count for table accounts" || entries[0].Environment != "PROD" {
			t.Errorf("unexpected query log: %+v", entries)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("QueryErrorWrapped", func(t *testing.T) {
		reader, mock, _ := newMockReader(t, Sampling{})
		boom := errors.New("relation does not exist")
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."missing"`)).WillReturnError(boom)

		_, err := reader.FetchRowCount(context.Background(), "missing", nil)
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped error, got %v", err)
		}
	})
}

func TestReaderFetchSchema(t *testing.T) {
	t.Run("ColumnsInOrdinalOrder", func(t *testing.T) {
		reader, mock, _ := newMockReader(t, Sampling{})
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE table_schema = 'public' AND table_name = 'accounts'`)).
			WillReturnRows(sqlmock.NewRows([]string{"column_name", "udt_name"}).
				AddRow("id", "int4").
				AddRow("balance", "numeric"))

		columns, err := reader.FetchSchema(context.Background(), "accounts")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(columns) != 2 || columns[0].Name != "id" || columns[1].Type != "numeric" {
			t.Errorf("unexpected columns: %+v", columns)
		}
	})

	t.Run("UnknownTable", func(t *testing.T) {
		reader, mock, _ := newMockReader(t, Sampling{})
		mock.ExpectQuery("information_schema.columns").
			WillReturnRows(sqlmock.NewRows([]string{"column_name", "udt_name"}))

		_, err := reader.FetchSchema(context.Background(), "ghost")
		if !errors.Is(err, ErrTableNotFound) {
			t.Fatalf("expected ErrTableNotFound, got %v", err)
		}
	})
}

func TestReaderFetchRows(t *testing.T) {
	reader, mock, log := newMockReader(t, Sampling{Method: SamplingTopN})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."accounts" ORDER BY "id" ASC LIMIT 2`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "note"}).
			AddRow(int64(1), []byte("10.50"), nil).
			AddRow(int64(2), []byte("3.00"), "vip"))

	set, err := reader.FetchRows(context.Background(), "accounts", []string{"id"}, 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", set.Len())
	}
	if got := set.Rows[0]["balance"]; got != "10.50" {
		t.Errorf("byte values should be converted to strings, got %#v", got)
	}
	if set.Rows[0]["note"] != nil {
		t.Errorf("expected nil note, got %#v", set.Rows[0]["note"])
	}
	if strings.Join(set.Columns, ",") != "id,balance,note" {
		t.Errorf("columns = %v", set.Columns)
	}
	if entries := log.Entries(); len(entries) != 1 || entries[0].Description != "Fetch TOP_N 2 rows from table accounts" {
		t.Errorf("unexpected query log: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReaderFetchRowsNumericColumns(t *testing.T) {
	reader, mock, _ := newMockReader(t, Sampling{})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."accounts" ORDER BY "id" ASC`)).
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("id").OfType("INT8", int64(0)),
			sqlmock.NewColumn("balance").OfType("NUMERIC", ""),
			sqlmock.NewColumn("code").OfType("TEXT", ""),
		).AddRow(int64(1), []byte("10.50"), []byte("007")))

	set, err := reader.FetchRows(context.Background(), "accounts", []string{"id"}, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row := set.Rows[0]
	if got, ok := row["balance"].(json.Number); !ok || got != "10.50" {
		t.Errorf("NUMERIC values should keep their text as json.Number, got %#v", row["balance"])
	}
	if got, ok := row["code"].(string); !ok || got != "007" {
		t.Errorf("TEXT values should stay strings, got %#v", row["code"])
	}
	if !ValuesEqual(row["balance"], json.Number("10.5"), 0) {
		t.Error("NUMERIC values should compare numerically")
	}
	if ValuesEqual(row["code"], "7", 0) {
		t.Error("numeric-looking text must compare as text")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSamplingEffectiveLimit(t *testing.T) {
	tests := []struct {
		name     string
		sampling Sampling
		want     int
	}{
		{"Enabled", Sampling{MaxRows: 20000, Enabled: true}, 20000},
		{"Disabled", Sampling{MaxRows: 20000, Enabled: false}, 0},
		{"ZeroRows", Sampling{MaxRows: 0, Enabled: true}, 0},
		{"NegativeRows", Sampling{MaxRows: -5, Enabled: true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sampling.EffectiveLimit(); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatThousands(t *testing.T) {
	tests := map[int64]string{0: "0", 999: "999", 1000: "1,000", 20000: "20,000", 1234567: "1,234,567", -4500: "-4,500"}
	for in, want := range tests {
		if got := formatThousands(in); got != want {
			t.Errorf("formatThousands(%d) = %q, want %q", in, got, want)
		}
	}
}
