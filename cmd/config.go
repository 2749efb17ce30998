package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/airframesio/table-comparator/cmd/comparator"
	"github.com/airframesio/table-comparator/cmd/compressors"
	"github.com/airframesio/table-comparator/cmd/formatters"
	"github.com/airframesio/table-comparator/cmd/jobs"
)

// Static errors for configuration validation
var (
	ErrHostRequired            = errors.New("database host is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrLabelsNotDistinct       = errors.New("source and target labels must differ")
	ErrSamplingMethodInvalid   = errors.New("sampling method must be one of: TOP_N, LAST_N, RANDOM")
	ErrMaxRowsInvalid          = errors.New("sampling max rows must be >= 0")
	ErrMaxWorkersInvalid       = errors.New("batch max workers must be between 1 and 64")
	ErrJobsMaxCountInvalid     = errors.New("jobs max count must be at least 1")
	ErrJobsMaxAgeInvalid       = errors.New("jobs max age must be positive")
	ErrNoValidPairs            = errors.New("no valid table pairs configured")
	ErrTableNameInvalid        = errors.New("table name is invalid: must be [schema.]name where each part starts with a letter or underscore and contains only letters, numbers, and underscores")
	ErrPairDecode              = errors.New("invalid table pair")
	ErrFloatToleranceInvalid   = errors.New("float tolerance must be >= 0")
	ErrReportFormatInvalid     = errors.New("report format must be one of: json, jsonl, csv")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 0-9 (lz4), 1-9 (gzip)")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateRequired    = errors.New("path template is required when uploading reports to S3")
	ErrPathTemplateInvalid     = errors.New("path template must contain {job} placeholder")
	ErrServerPortInvalid       = errors.New("server port must be between 1 and 65535")
	ErrScheduleInvalid         = errors.New("schedule is not a valid cron expression")
)

const (
	regionAuto   = "auto"
	reportJSON   = "json"
	defaultLabel = "PROD"
)

type Config struct {
	Debug     bool
	LogFormat string
	Source    DatabaseConfig
	Target    DatabaseConfig
	Sampling  SamplingConfig
	Batch     BatchConfig
	Jobs      JobsConfig
	Pairs     []comparator.TablePairConfig
	Report    ReportConfig
	Server    ServerConfig
}

type DatabaseConfig struct {
	Label            string
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	Schema           string
	Driver           string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout)
}

// Environment converts the settings into the comparator's connection config.
func (d DatabaseConfig) Environment() comparator.EnvironmentConfig {
	return comparator.EnvironmentConfig{
		Label:            d.Label,
		Host:             d.Host,
		Port:             d.Port,
		Database:         d.Name,
		User:             d.User,
		Password:         d.Password,
		SSLMode:          d.SSLMode,
		Schema:           d.Schema,
		Driver:           d.Driver,
		StatementTimeout: d.StatementTimeout,
	}
}

type SamplingConfig struct {
	Method  string
	MaxRows int
	Enabled bool
	Seed    int64
}

// Sampling converts the settings into the reader's sampling policy.
func (s SamplingConfig) Sampling() (comparator.Sampling, error) {
	method, err := comparator.ParseSamplingMethod(s.Method)
	if err != nil {
		return comparator.Sampling{}, fmt.Errorf("%w: %w", ErrSamplingMethodInvalid, err)
	}
	return comparator.Sampling{
		Method:  method,
		MaxRows: s.MaxRows,
		Enabled: s.Enabled,
		Seed:    s.Seed,
	}, nil
}

type BatchConfig struct {
	Parallel      bool
	MaxWorkers    int
	StopOnFailure bool
}

// Options converts the settings into batch options.
func (b BatchConfig) Options() comparator.BatchOptions {
	return comparator.BatchOptions{
		Parallel:      b.Parallel,
		MaxWorkers:    b.MaxWorkers,
		StopOnFailure: b.StopOnFailure,
	}
}

type JobsConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

type ReportConfig struct {
	Path             string
	Format           string
	Compression      string
	CompressionLevel int
	MaxMissing       int
	MaxDiffering     int
	S3               S3Config
}

// Enabled reports whether a report destination is configured.
func (r ReportConfig) Enabled() bool {
	return r.Path != "" || r.S3.Bucket != ""
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

type ServerConfig struct {
	Port     int
	Schedule string
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidTableName accepts "table" or "schema.table"
func isValidTableName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return false
	}
	for _, part := range parts {
		if part == "" || len(part) > 63 || !validPostgreSQLIdentifier.MatchString(part) {
			return false
		}
	}
	return true
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidPathTemplate requires the {job} placeholder so reports never overwrite each other
func isValidPathTemplate(template string) bool {
	return strings.Contains(template, "{job}")
}

func isValidReportFormat(format string) bool {
	switch format {
	case reportJSON, formatters.FormatJSONL, formatters.FormatCSV:
		return true
	default:
		return false
	}
}

func (d DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("%s: %w", d.Label, ErrHostRequired)
	}
	if d.Name == "" {
		return fmt.Errorf("%s: %w", d.Label, ErrDatabaseNameRequired)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%s: %w, got %d", d.Label, ErrDatabasePortInvalid, d.Port)
	}
	if d.StatementTimeout < 0 {
		return fmt.Errorf("%s: %w, got %d", d.Label, ErrStatementTimeoutInvalid, d.StatementTimeout)
	}
	if _, err := d.Environment().DriverName(); err != nil {
		return fmt.Errorf("%s: %w", d.Label, err)
	}
	return nil
}

// Validate checks everything a comparison run needs.
func (c *Config) Validate() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	return validatePairs(c.Pairs)
}

// validateCommon checks the settings shared by compare and serve.
func (c *Config) validateCommon() error {
	if err := c.Source.validate(); err != nil {
		return err
	}
	if err := c.Target.validate(); err != nil {
		return err
	}
	if strings.EqualFold(c.Source.Label, c.Target.Label) {
		return fmt.Errorf("%w: %s", ErrLabelsNotDistinct, c.Source.Label)
	}

	if _, err := c.Sampling.Sampling(); err != nil {
		return err
	}
	if c.Sampling.MaxRows < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRowsInvalid, c.Sampling.MaxRows)
	}

	if c.Batch.MaxWorkers < 1 || c.Batch.MaxWorkers > 64 {
		return fmt.Errorf("%w, got %d", ErrMaxWorkersInvalid, c.Batch.MaxWorkers)
	}

	if c.Jobs.MaxCount < 1 {
		return fmt.Errorf("%w, got %d", ErrJobsMaxCountInvalid, c.Jobs.MaxCount)
	}
	if c.Jobs.MaxAge <= 0 {
		return fmt.Errorf("%w, got %s", ErrJobsMaxAgeInvalid, c.Jobs.MaxAge)
	}

	return c.Report.validate()
}

// validatePairs requires at least one usable pair and rejects unsafe names.
// Pairs with a missing side are tolerated here; the job skips them.
func validatePairs(pairs []comparator.TablePairConfig) error {
	valid := 0
	for _, pair := range pairs {
		if !pair.Valid() {
			continue
		}
		for _, name := range []string{pair.SourceTable, pair.TargetTable} {
			if !isValidTableName(strings.TrimSpace(name)) {
				return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, name)
			}
		}
		valid++
	}
	if valid == 0 {
		return ErrNoValidPairs
	}
	return nil
}

func (r ReportConfig) validate() error {
	if !r.Enabled() {
		return nil
	}
	if !isValidReportFormat(r.Format) {
		return fmt.Errorf("%w: '%s'", ErrReportFormatInvalid, r.Format)
	}

	compressor, err := compressors.GetCompressor(r.Compression)
	if err != nil {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, r.Compression)
	}
	if !compressor.ValidLevel(r.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, r.Compression, r.CompressionLevel)
	}

	if r.S3.Bucket != "" {
		if r.S3.Region != "" && r.S3.Region != regionAuto && !isValidRegion(r.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, r.S3.Region)
		}
		if r.S3.PathTemplate == "" {
			return ErrPathTemplateRequired
		}
		if !isValidPathTemplate(r.S3.PathTemplate) {
			return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, r.S3.PathTemplate)
		}
	}
	return nil
}

// ValidateServer checks the settings the serve command uses. Pairs are only
// required when a schedule submits them.
func (c *Config) ValidateServer() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrServerPortInvalid, c.Server.Port)
	}
	if c.Server.Schedule != "" {
		if _, err := cron.ParseStandard(c.Server.Schedule); err != nil {
			return fmt.Errorf("%w: %w", ErrScheduleInvalid, err)
		}
		return validatePairs(c.Pairs)
	}
	return nil
}

func loadDatabaseConfig(v *viper.Viper, prefix, label string) DatabaseConfig {
	cfg := DatabaseConfig{
		Label:            v.GetString(prefix + ".label"),
		Host:             v.GetString(prefix + ".host"),
		Port:             v.GetInt(prefix + ".port"),
		User:             v.GetString(prefix + ".user"),
		Password:         v.GetString(prefix + ".password"),
		Name:             v.GetString(prefix + ".name"),
		SSLMode:          v.GetString(prefix + ".sslmode"),
		Schema:           v.GetString(prefix + ".schema"),
		Driver:           v.GetString(prefix + ".driver"),
		StatementTimeout: v.GetInt(prefix + ".statement_timeout"),
	}
	if cfg.Label == "" {
		cfg.Label = label
	}
	return cfg
}

// loadConfig assembles a Config from every source viper knows about.
func loadConfig(v *viper.Viper) (*Config, error) {
	pairs, err := decodePairs(v.Get("pairs"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Debug:     v.GetBool("debug"),
		LogFormat: v.GetString("log_format"),
		Source:    loadDatabaseConfig(v, "source", defaultLabel),
		Target:    loadDatabaseConfig(v, "target", "DEV"),
		Sampling: SamplingConfig{
			Method:  v.GetString("sampling.method"),
			MaxRows: v.GetInt("sampling.max_rows"),
			Enabled: v.GetBool("sampling.enabled"),
			Seed:    v.GetInt64("sampling.seed"),
		},
		Batch: BatchConfig{
			Parallel:      v.GetBool("batch.parallel"),
			MaxWorkers:    v.GetInt("batch.max_workers"),
			StopOnFailure: v.GetBool("batch.stop_on_failure"),
		},
		Jobs: JobsConfig{
			MaxAge:   v.GetDuration("jobs.max_age"),
			MaxCount: v.GetInt("jobs.max_count"),
		},
		Pairs: pairs,
		Report: ReportConfig{
			Path:             v.GetString("report.path"),
			Format:           v.GetString("report.format"),
			Compression:      v.GetString("report.compression"),
			CompressionLevel: v.GetInt("report.compression_level"),
			MaxMissing:       v.GetInt("report.max_missing"),
			MaxDiffering:     v.GetInt("report.max_differing"),
			S3: S3Config{
				Endpoint:     v.GetString("report.s3.endpoint"),
				Bucket:       v.GetString("report.s3.bucket"),
				AccessKey:    v.GetString("report.s3.access_key"),
				SecretKey:    v.GetString("report.s3.secret_key"),
				Region:       v.GetString("report.s3.region"),
				PathTemplate: v.GetString("report.s3.path_template"),
			},
		},
		Server: ServerConfig{
			Port:     v.GetInt("server.port"),
			Schedule: v.GetString("server.schedule"),
		},
	}, nil
}

// setDefaults registers the defaults shared by every command.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.port", 5432)
	v.SetDefault("source.sslmode", "disable")
	v.SetDefault("target.port", 5432)
	v.SetDefault("target.sslmode", "disable")
	v.SetDefault("sampling.method", string(comparator.SamplingLastN))
	v.SetDefault("sampling.max_rows", 20000)
	v.SetDefault("sampling.enabled", true)
	v.SetDefault("sampling.seed", comparator.DefaultRandomSeed)
	v.SetDefault("batch.max_workers", comparator.DefaultMaxWorkers)
	v.SetDefault("jobs.max_age", jobs.DefaultMaxAge)
	v.SetDefault("jobs.max_count", jobs.DefaultMaxCount)
	v.SetDefault("report.format", reportJSON)
	v.SetDefault("report.compression", compressors.None)
	v.SetDefault("report.max_missing", comparator.DefaultMaxMissing)
	v.SetDefault("report.max_differing", comparator.DefaultMaxDiffering)
	v.SetDefault("report.s3.region", regionAuto)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log_format", "text")
}

// decodePairs reads the "pairs" list. List-valued fields accept either a YAML
// list or the delimited text form used by the web form.
func decodePairs(raw interface{}) ([]comparator.TablePairConfig, error) {
	if raw == nil {
		return nil, nil
	}
	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: pairs must be a list: %w", ErrPairDecode, err)
	}

	pairs := make([]comparator.TablePairConfig, 0, len(items))
	for i, item := range items {
		pair, err := decodePair(item)
		if err != nil {
			return nil, fmt.Errorf("%w #%d: %w", ErrPairDecode, i+1, err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func decodePair(item interface{}) (comparator.TablePairConfig, error) {
	m, err := cast.ToStringMapE(item)
	if err != nil {
		return comparator.TablePairConfig{}, err
	}

	pair := comparator.TablePairConfig{
		SourceTable:    cast.ToString(m["source_table"]),
		TargetTable:    cast.ToString(m["target_table"]),
		DisplayName:    cast.ToString(m["display_name"]),
		SourcePK:       stringList(m["source_pk"], comparator.ParsePrimaryKeys),
		TargetPK:       stringList(m["target_pk"], comparator.ParsePrimaryKeys),
		IgnoredColumns: stringList(m["ignored_columns"], comparator.ParseIgnoredColumns),
		IgnoreSourcePK: cast.ToBool(m["ignore_source_pk"]),
		IgnoreTargetPK: cast.ToBool(m["ignore_target_pk"]),
	}
	if table := cast.ToString(m["table"]); table != "" {
		if pair.SourceTable == "" {
			pair.SourceTable = table
		}
		if pair.TargetTable == "" {
			pair.TargetTable = table
		}
	}

	if v, ok := m["float_tolerance"]; ok && v != nil {
		tolerance, err := cast.ToFloat64E(v)
		if err != nil {
			return pair, fmt.Errorf("float_tolerance: %w", err)
		}
		if tolerance < 0 {
			return pair, fmt.Errorf("%w, got %v", ErrFloatToleranceInvalid, tolerance)
		}
		pair.FloatTolerance = &tolerance
	}
	if pair.SourceKeyKind, err = comparator.ParseKeyKind(cast.ToString(m["source_key_kind"])); err != nil {
		return pair, err
	}
	if pair.TargetKeyKind, err = comparator.ParseKeyKind(cast.ToString(m["target_key_kind"])); err != nil {
		return pair, err
	}
	if pair.SourceFilters, err = decodeFilter(m["source_filters"]); err != nil {
		return pair, fmt.Errorf("source_filters: %w", err)
	}
	if pair.TargetFilters, err = decodeFilter(m["target_filters"]); err != nil {
		return pair, fmt.Errorf("target_filters: %w", err)
	}

	return pair, nil
}

// stringList accepts a list or a delimited string parsed by split.
func stringList(raw interface{}, split func(string) []string) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return split(v)
	default:
		return cast.ToStringSlice(v)
	}
}

// decodeFilter reads a column -> excluded values map.
func decodeFilter(raw interface{}) (map[string][]string, error) {
	if raw == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, err
	}
	filter := make(map[string][]string, len(m))
	for col, values := range m {
		list, err := cast.ToStringSliceE(values)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		filter[col] = list
	}
	return filter, nil
}

// parsePairFlag turns "source[:target]" into a pair.
func parsePairFlag(s string) comparator.TablePairConfig {
	source, target, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found || target == "" {
		target = source
	}
	return comparator.TablePairConfig{SourceTable: source, TargetTable: target}
}
