package comparator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Static errors for comparison failures
var (
	ErrConnection           = errors.New("connection failed")
	ErrPrimaryKeyValidation = errors.New("primary key validation failed")
	ErrUnsupportedDriver    = errors.New("unsupported database driver")
)

const (
	// DefaultPrimaryKey is used when a table pair declares no key columns
	DefaultPrimaryKey = "id"
	// DefaultFloatTolerance is the absolute tolerance for numeric comparison
	DefaultFloatTolerance = 1e-9
	// SurrogateKeyPrefix marks generated row-number keys when no KeyKind is configured
	SurrogateKeyPrefix = "PK_"

	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

// EnvironmentConfig describes one side of a comparison. Immutable per job.
type EnvironmentConfig struct {
	Label            string `json:"label"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Database         string `json:"database"`
	User             string `json:"user"`
	Password         string `json:"-"`
	SSLMode          string `json:"sslmode"`
	Schema           string `json:"schema"`
	Driver           string `json:"driver"`
	StatementTimeout int    `json:"statement_timeout"` // seconds, 0 disables
}

// DSN builds a key/value connection string understood by both lib/pq and pgx.
// Values are quoted when they are empty or contain whitespace, quotes,
// backslashes or '='.
func (e EnvironmentConfig) DSN() string {
	sslMode := e.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(e.Host), e.Port, quoteDSNValue(e.User), quoteDSNValue(e.Password),
		quoteDSNValue(e.Database), quoteDSNValue(sslMode))
	if e.StatementTimeout > 0 {
		dsn += fmt.Sprintf(" statement_timeout=%d", e.StatementTimeout*1000)
	}
	return dsn
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r\v\f'\\=") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// DriverName returns the database/sql driver registered for this environment.
func (e EnvironmentConfig) DriverName() (string, error) {
	switch e.Driver {
	case "", DriverPostgres:
		return DriverPostgres, nil
	case DriverPGX:
		return DriverPGX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, e.Driver)
	}
}

// DefaultSchema is the schema used to qualify bare table names.
func (e EnvironmentConfig) DefaultSchema() string {
	if e.Schema == "" {
		return "public"
	}
	return e.Schema
}

// KeyKind tells the matcher how a side's primary key relates to the other side.
type KeyKind int

const (
	// KeyKindAuto defers the decision to the PK_ prefix heuristic in Normalize.
	KeyKindAuto KeyKind = iota
	KeyKindNatural
	KeyKindSurrogate
)

func (k KeyKind) String() string {
	switch k {
	case KeyKindNatural:
		return "natural"
	case KeyKindSurrogate:
		return "surrogate"
	default:
		return "auto"
	}
}

// ParseKeyKind accepts "natural", "surrogate" or "auto" (and empty).
func ParseKeyKind(s string) (KeyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KeyKindAuto, nil
	case "natural":
		return KeyKindNatural, nil
	case "surrogate":
		return KeyKindSurrogate, nil
	default:
		return KeyKindAuto, fmt.Errorf("unknown key kind %q", s)
	}
}

// MarshalText encodes the kind by name.
func (k KeyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *KeyKind) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DetectKeyKind is the compatibility shim for configurations that do not say
// which kind of key they use: a single column named PK_* is treated as a
// generated row number. Column names that merely start with PK_ by accident
// will be matched positionally, so explicit kinds should be preferred.
func DetectKeyKind(pk []string) KeyKind {
	if len(pk) == 1 && strings.HasPrefix(pk[0], SurrogateKeyPrefix) {
		return KeyKindSurrogate
	}
	return KeyKindNatural
}

// TablePairConfig is one source/target table comparison unit.
type TablePairConfig struct {
	SourceTable    string              `json:"source_table"`
	TargetTable    string              `json:"target_table"`
	DisplayName    string              `json:"display_name"`
	SourcePK       []string            `json:"source_pk"`
	TargetPK       []string            `json:"target_pk"`
	SourceKeyKind  KeyKind             `json:"source_key_kind"`
	TargetKeyKind  KeyKind             `json:"target_key_kind"`
	IgnoredColumns []string            `json:"ignored_columns"`
	SourceFilters  map[string][]string `json:"source_filters,omitempty"`
	TargetFilters  map[string][]string `json:"target_filters,omitempty"`
	IgnoreSourcePK bool                `json:"ignore_source_pk"`
	IgnoreTargetPK bool                `json:"ignore_target_pk"`
	FloatTolerance *float64            `json:"float_tolerance,omitempty"`
}

// Normalize applies defaults and resolves key kinds. The returned config is
// treated as immutable for the rest of the job.
func (p TablePairConfig) Normalize() TablePairConfig {
	p.SourceTable = strings.TrimSpace(p.SourceTable)
	p.TargetTable = strings.TrimSpace(p.TargetTable)
	p.SourcePK = cleanList(p.SourcePK)
	p.TargetPK = cleanList(p.TargetPK)
	if len(p.SourcePK) == 0 {
		p.SourcePK = []string{DefaultPrimaryKey}
	}
	if len(p.TargetPK) == 0 {
		p.TargetPK = []string{DefaultPrimaryKey}
	}
	if p.SourceKeyKind == KeyKindAuto {
		p.SourceKeyKind = DetectKeyKind(p.SourcePK)
	}
	if p.TargetKeyKind == KeyKindAuto {
		p.TargetKeyKind = DetectKeyKind(p.TargetPK)
	}
	p.IgnoredColumns = cleanList(p.IgnoredColumns)
	if p.DisplayName == "" {
		p.DisplayName = fmt.Sprintf("%s x %s", p.SourceTable, p.TargetTable)
	}
	// nil means unset; zero is an exact comparison
	tolerance := DefaultFloatTolerance
	if p.FloatTolerance != nil && *p.FloatTolerance >= 0 {
		tolerance = *p.FloatTolerance
	}
	p.FloatTolerance = &tolerance
	return p
}

// Tolerance returns the absolute numeric tolerance, DefaultFloatTolerance
// when unset.
func (p TablePairConfig) Tolerance() float64 {
	if p.FloatTolerance == nil || *p.FloatTolerance < 0 {
		return DefaultFloatTolerance
	}
	return *p.FloatTolerance
}

// Valid reports whether both table names are present.
func (p TablePairConfig) Valid() bool {
	return strings.TrimSpace(p.SourceTable) != "" && strings.TrimSpace(p.TargetTable) != ""
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ColumnMetadata is a column name with its declared type.
type ColumnMetadata struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row maps column names to scanned values.
type Row map[string]any

// RowSet is the ordered result of one table read.
type RowSet struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows, tolerating a nil set.
func (rs *RowSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// CellDifference is one differing column of a matched row pair.
type CellDifference struct {
	Column      string `json:"column"`
	SourceValue string `json:"prod_value"`
	TargetValue string `json:"dev_value"`
}

// RowDifference is a matched key with its differing cells.
type RowDifference struct {
	Key         string           `json:"key"`
	Differences []CellDifference `json:"differences"`
}

// MatchMode records how rows were paired.
type MatchMode string

const (
	MatchKeyed     MatchMode = "keyed"
	MatchPosition  MatchMode = "position"
	MatchSurrogate MatchMode = "surrogate"
)

// SamplingInfo describes the row limit applied to a pair.
type SamplingInfo struct {
	Method     SamplingMethod `json:"method"`
	Limit      int            `json:"limit"`
	WasLimited bool           `json:"was_limited"`
}

// ComparisonResult is the outcome of comparing one table pair.
type ComparisonResult struct {
	DisplayName       string          `json:"display_name"`
	SourceTable       string          `json:"prod_table"`
	TargetTable       string          `json:"dev_table"`
	SourceRowCount    int64           `json:"prod_row_count"`
	TargetRowCount    int64           `json:"dev_row_count"`
	SourceCompared    int             `json:"prod_compared_rows"`
	TargetCompared    int             `json:"dev_compared_rows"`
	MissingFromTarget []string        `json:"missing_from_dev"`
	MissingFromSource []string        `json:"missing_from_prod"`
	DifferingRows     []RowDifference `json:"differing_rows"`
	SchemaDifferences []string        `json:"schema_differences"`
	ComparedColumns   []string        `json:"compared_columns"`
	IgnoredColumns    []string        `json:"ignored_columns_found"`
	SourcePK          []string        `json:"prod_primary_keys"`
	TargetPK          []string        `json:"dev_primary_keys"`
	MatchMode         MatchMode       `json:"match_mode,omitempty"`
	Sampling          SamplingInfo    `json:"sampling"`
	SkippedCells      int             `json:"skipped_cells"`
	Queries           []QueryLogEntry `json:"queries"`
	Duration          time.Duration   `json:"duration"`
	TablesIdentical   bool            `json:"tables_identical"`
	Error             string          `json:"error,omitempty"`
}

// Failed reports whether the pair ended in an error.
func (r *ComparisonResult) Failed() bool {
	return r.Error != ""
}

// PairOutcome is either a successful result or an error. Result is always set
// so callers can surface the query log of a failed pair.
type PairOutcome struct {
	Result *ComparisonResult
	Err    error
}

// OK reports whether the comparison succeeded.
func (o PairOutcome) OK() bool {
	return o.Err == nil
}
