package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/table-comparator/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization so signals are
	// registered before any library can interfere
	signalContext context.Context
	signalStop    context.CancelFunc

	cfgFile   string
	envFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
// stop restores default signal handling, so a second Ctrl+C terminates.
func SetSignalContext(ctx context.Context, stop context.CancelFunc) {
	signalContext = ctx
	signalStop = stop
}

// broadcastLogHandler wraps a slog handler and forwards every record to
// logBroadcast for the TUI and WebSocket log streams
type broadcastLogHandler struct {
	handler slog.Handler
}

func newBroadcastLogHandler(handler slog.Handler) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if logBroadcast != nil {
		logMsg := LogMessage{
			Timestamp: r.Time.Format("2006-01-02 15:04:05"),
			Level:     r.Level.String(),
			Message:   r.Message,
		}
		select {
		case logBroadcast <- logMsg:
		default:
			// Channel full, skip broadcast to avoid blocking
		}
	}

	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name)}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds the slog logger for the given debug flag and log format.
// Output goes to w; pass io.Discard when the TUI owns the terminal.
func newLogger(isDebug bool, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}

	return slog.New(newBroadcastLogHandler(handler))
}

// initLogger installs the package logger and makes it the slog default so the
// comparator and jobs packages log through it too.
func initLogger(isDebug bool, format string, w io.Writer) {
	logger = newLogger(isDebug, format, w)
	slog.SetDefault(logger)
}

var rootCmd = &cobra.Command{
	Use:     "table-comparator",
	Version: Version,
	Short:   "🔍 Compare PROD and DEV PostgreSQL tables",
	Long: titleStyle.Render("Table Comparator") + `

A CLI tool to reconcile a reference database (PROD) with a candidate (DEV).
Compares table pairs for schema and content equality with primary-key-aware
row matching, numeric tolerance, ignored columns and exclusion filters.
Runs batches sequentially or in parallel as cancellable jobs, shows live
progress, and writes JSON/JSONL/CSV reports locally or to S3.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tablesCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.table-comparator.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with COMPARATOR_* credentials to load before reading config")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// flagKeys maps command-line flags onto viper keys. compare and serve share
// most flags, so they are bound when a command runs rather than in init;
// binding in init would let the last registered command win.
var flagKeys = map[string]string{
	"source-label":             "source.label",
	"source-host":              "source.host",
	"source-port":              "source.port",
	"source-user":              "source.user",
	"source-password":          "source.password",
	"source-name":              "source.name",
	"source-sslmode":           "source.sslmode",
	"source-schema":            "source.schema",
	"source-driver":            "source.driver",
	"source-statement-timeout": "source.statement_timeout",
	"target-label":             "target.label",
	"target-host":              "target.host",
	"target-port":              "target.port",
	"target-user":              "target.user",
	"target-password":          "target.password",
	"target-name":              "target.name",
	"target-sslmode":           "target.sslmode",
	"target-schema":            "target.schema",
	"target-driver":            "target.driver",
	"target-statement-timeout": "target.statement_timeout",
	"sampling-method":          "sampling.method",
	"max-rows":                 "sampling.max_rows",
	"sampling":                 "sampling.enabled",
	"seed":                     "sampling.seed",
	"parallel":                 "batch.parallel",
	"max-workers":              "batch.max_workers",
	"stop-on-failure":          "batch.stop_on_failure",
	"report":                   "report.path",
	"report-format":            "report.format",
	"compression":              "report.compression",
	"compression-level":        "report.compression_level",
	"max-missing":              "report.max_missing",
	"max-differing":            "report.max_differing",
	"s3-endpoint":              "report.s3.endpoint",
	"s3-bucket":                "report.s3.bucket",
	"s3-access-key":            "report.s3.access_key",
	"s3-secret-key":            "report.s3.secret_key",
	"s3-region":                "report.s3.region",
	"path-template":            "report.s3.path_template",
	"port":                     "server.port",
	"schedule":                 "server.schedule",
	"jobs-max-age":             "jobs.max_age",
	"jobs-max-count":           "jobs.max_count",
}

// bindFlags binds the command's flags to their viper keys.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

func addDatabaseFlags(cmd *cobra.Command) {
	for _, side := range []struct{ name, label string }{{"source", "PROD"}, {"target", "DEV"}} {
		cmd.Flags().String(side.name+"-label", side.label, fmt.Sprintf("display label for the %s environment", side.name))
		cmd.Flags().String(side.name+"-host", "", fmt.Sprintf("%s PostgreSQL host", side.name))
		cmd.Flags().Int(side.name+"-port", 5432, fmt.Sprintf("%s PostgreSQL port", side.name))
		cmd.Flags().String(side.name+"-user", "", fmt.Sprintf("%s PostgreSQL user", side.name))
		cmd.Flags().String(side.name+"-password", "", fmt.Sprintf("%s PostgreSQL password", side.name))
		cmd.Flags().String(side.name+"-name", "", fmt.Sprintf("%s PostgreSQL database name", side.name))
		cmd.Flags().String(side.name+"-sslmode", "disable", fmt.Sprintf("%s PostgreSQL SSL mode (disable, require, verify-ca, verify-full)", side.name))
		cmd.Flags().String(side.name+"-schema", "public", fmt.Sprintf("%s schema for unqualified table names", side.name))
		cmd.Flags().String(side.name+"-driver", "postgres", fmt.Sprintf("%s database driver (postgres, pgx)", side.name))
		cmd.Flags().Int(side.name+"-statement-timeout", 0, fmt.Sprintf("%s statement timeout in seconds (0 = no timeout)", side.name))
	}
}

func addComparisonFlags(cmd *cobra.Command) {
	cmd.Flags().String("sampling-method", "LAST_N", "row limiting method: TOP_N, LAST_N, RANDOM")
	cmd.Flags().Int("max-rows", 20000, "maximum rows read per side (0 = all rows)")
	cmd.Flags().Bool("sampling", true, "apply row limiting (--sampling=false reads whole tables)")
	cmd.Flags().Int64("seed", 12345, "seed for RANDOM sampling")
	cmd.Flags().Bool("parallel", false, "compare table pairs in parallel")
	cmd.Flags().Int("max-workers", 3, "maximum parallel workers")
	cmd.Flags().Bool("stop-on-failure", false, "stop scheduling pairs after the first failed comparison")
}

func addReportFlags(cmd *cobra.Command) {
	cmd.Flags().String("report", "", "write the report to this local path")
	cmd.Flags().String("report-format", "json", "report format: json, jsonl, csv")
	cmd.Flags().String("compression", "none", "report compression: zstd, lz4, gzip, none")
	cmd.Flags().Int("compression-level", 0, "compression level (zstd: 1-22, lz4: 0-9, gzip: 1-9, 0 = default)")
	cmd.Flags().Int("max-missing", 50, "missing keys kept per list in json reports")
	cmd.Flags().Int("max-differing", 20, "differing rows kept per pair in json reports")
	cmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL")
	cmd.Flags().String("s3-bucket", "", "S3 bucket for reports")
	cmd.Flags().String("s3-access-key", "", "S3 access key")
	cmd.Flags().String("s3-secret-key", "", "S3 secret key")
	cmd.Flags().String("s3-region", "auto", "S3 region")
	cmd.Flags().String("path-template", "", "S3 key template with placeholders: {job}, {YYYY}, {MM}, {DD}, {HH}")
}

func initConfig() {
	if envFile != "" {
		cobra.CheckErr(godotenv.Load(envFile))
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".table-comparator")
	}

	viper.SetEnvPrefix("COMPARATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat, os.Stdout)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// commandContext returns the signal-aware context from main, or a fallback.
func commandContext() (context.Context, context.CancelFunc) {
	if signalContext != nil {
		if signalStop == nil {
			return signalContext, func() {}
		}
		return signalContext, signalStop
	}
	logger.Warn("Signal context not set, creating fallback...")
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
