package comparator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// ErrTableNotFound is returned when information_schema has no columns for a table
var ErrTableNotFound = errors.New("table not found")

// SamplingMethod selects which bounded subset of an ordered table is read.
type SamplingMethod string

const (
	SamplingTopN   SamplingMethod = "TOP_N"
	SamplingLastN  SamplingMethod = "LAST_N"
	SamplingRandom SamplingMethod = "RANDOM"
)

// DefaultRandomSeed keeps RANDOM sampling stable across runs.
const DefaultRandomSeed = 12345

// ParseSamplingMethod accepts the method names case-insensitively.
func ParseSamplingMethod(s string) (SamplingMethod, error) {
	switch m := SamplingMethod(strings.ToUpper(strings.TrimSpace(s))); m {
	case SamplingTopN, SamplingLastN, SamplingRandom:
		return m, nil
	case "":
		return SamplingLastN, nil
	default:
		return "", fmt.Errorf("unknown sampling method %q (expected TOP_N, LAST_N or RANDOM)", s)
	}
}

// Sampling is the row-limiting policy shared by every pair of a batch.
type Sampling struct {
	Method  SamplingMethod
	MaxRows int
	Enabled bool
	Seed    int64
}

// EffectiveLimit returns the row cap, or 0 when every row should be read.
func (s Sampling) EffectiveLimit() int {
	if !s.Enabled || s.MaxRows <= 0 {
		return 0
	}
	return s.MaxRows
}

// QueryLogEntry records one statement issued against an environment.
type QueryLogEntry struct {
	Environment string `json:"environment"`
	Query       string `json:"query"`
	Description string `json:"description"`
}

// QueryLog collects the statements of a single pair comparison.
type QueryLog struct {
	mu      sync.Mutex
	entries []QueryLogEntry
}

func (l *QueryLog) add(env, query, description string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, QueryLogEntry{Environment: env, Query: query, Description: description})
}

// Entries returns a copy of the log.
func (l *QueryLog) Entries() []QueryLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]QueryLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset empties the log.
func (l *QueryLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// ExclusionFilter maps a column to the values that mark a row for exclusion.
type ExclusionFilter map[string][]string

// Reader issues schema, count and row queries for one environment.
type Reader struct {
	conn     Conn
	env      EnvironmentConfig
	log      *QueryLog
	sampling Sampling
}

// NewReader binds a connection to an environment and a query log.
func NewReader(conn Conn, env EnvironmentConfig, log *QueryLog, sampling Sampling) *Reader {
	if log == nil {
		log = &QueryLog{}
	}
	return &Reader{conn: conn, env: env, log: log, sampling: sampling}
}

// FetchSchema returns the table's columns in ordinal order.
func (r *Reader) FetchSchema(ctx context.Context, table string) ([]ColumnMetadata, error) {
	schema, name := r.splitTable(table)
	query := fmt.Sprintf(`SELECT column_name, udt_name
FROM information_schema.columns
WHERE table_schema = %s AND table_name = %s
ORDER BY ordinal_position`, pq.QuoteLiteral(schema), pq.QuoteLiteral(name))
	r.log.add(r.env.Label, query, fmt.Sprintf("Get schema for table %s", table))

	rows, err := r.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema for %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []ColumnMetadata
	for rows.Next() {
		var col ColumnMetadata
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("failed to scan schema row for %s: %w", table, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read schema for %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrTableNotFound, table, r.env.Label)
	}

	return columns, nil
}

// FetchRowCount counts the rows left after applying the exclusion filter.
func (r *Reader) FetchRowCount(ctx context.Context, table string, filter ExclusionFilter) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.qualify(table))
	if where := BuildExclusionClause(filter); where != "" {
		query += " " + where
	}
	r.log.add(r.env.Label, query, fmt.Sprintf("Get row count for table %s", table))

	var count int64
	if err := r.conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// FetchRows reads the table ordered ascending by orderColumns, bounded by
// limit according to the sampling method. A limit <= 0 reads every row.
func (r *Reader) FetchRows(ctx context.Context, table string, orderColumns []string, limit int, filter ExclusionFilter) (*RowSet, error) {
	query, description := r.buildRowQuery(table, orderColumns, limit, filter)
	r.log.add(r.env.Label, query, description)

	rows, err := r.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows from %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	numeric := numericColumns(rows, len(columns))

	set := &RowSet{Columns: columns}
	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeScanned(values[i], numeric[i])
		}
		set.Rows = append(set.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows from %s: %w", table, err)
	}

	return set, nil
}

// numericColumns marks NUMERIC/DECIMAL result columns. Drivers hand those
// over as text, and only they may be compared as numbers.
func numericColumns(rows *sql.Rows, n int) []bool {
	numeric := make([]bool, n)
	types, err := rows.ColumnTypes()
	if err != nil || len(types) != n {
		return numeric
	}
	for i, ct := range types {
		switch strings.ToUpper(ct.DatabaseTypeName()) {
		case "NUMERIC", "DECIMAL":
			numeric[i] = true
		}
	}
	return numeric
}

func normalizeScanned(v any, numeric bool) any {
	var text string
	switch x := v.(type) {
	case []byte:
		text = string(x)
	case string:
		text = x
	default:
		return v
	}
	if numeric {
		return json.Number(text)
	}
	return text
}

func (r *Reader) buildRowQuery(table string, orderColumns []string, limit int, filter ExclusionFilter) (string, string) {
	base := fmt.Sprintf("SELECT * FROM %s", r.qualify(table))
	if where := BuildExclusionClause(filter); where != "" {
		base += " " + where
	}
	asc := orderBy(orderColumns, "ASC")

	if limit <= 0 {
		return fmt.Sprintf("%s ORDER BY %s", base, asc),
			fmt.Sprintf("Fetch ALL data from table %s", table)
	}

	method := r.sampling.Method
	if method == "" {
		method = SamplingLastN
	}
	description := fmt.Sprintf("Fetch %s %s rows from table %s", method, formatThousands(int64(limit)), table)

	switch method {
	case SamplingTopN:
		return fmt.Sprintf("%s ORDER BY %s LIMIT %d", base, asc, limit), description
	case SamplingRandom:
		seed := r.sampling.Seed
		if seed == 0 {
			seed = DefaultRandomSeed
		}
		quoted := make([]string, len(orderColumns))
		for i, col := range orderColumns {
			quoted[i] = pq.QuoteIdentifier(col)
		}
		rank := fmt.Sprintf("md5(concat_ws('|', %s) || ':%d')", strings.Join(quoted, ", "), seed)
		return fmt.Sprintf("SELECT * FROM (%s ORDER BY %s LIMIT %d) AS sampled ORDER BY %s", base, rank, limit, asc), description
	default:
		desc := orderBy(orderColumns, "DESC")
		return fmt.Sprintf("SELECT * FROM (%s ORDER BY %s LIMIT %d) AS tail ORDER BY %s", base, desc, limit, asc), description
	}
}

// splitTable returns schema and bare table name.
func (r *Reader) splitTable(table string) (string, string) {
	parts := strings.Split(table, ".")
	if len(parts) == 1 {
		return r.env.DefaultSchema(), parts[0]
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

func (r *Reader) qualify(table string) string {
	schema, name := r.splitTable(table)
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

func orderBy(columns []string, direction string) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = pq.QuoteIdentifier(col) + " " + direction
	}
	return strings.Join(parts, ", ")
}

// BuildExclusionClause renders WHERE NOT (a IN (...) AND b IN (...)). Columns
// are emitted in sorted order and columns without usable values are dropped.
func BuildExclusionClause(filter ExclusionFilter) string {
	if len(filter) == 0 {
		return ""
	}

	columns := make([]string, 0, len(filter))
	for col := range filter {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var conditions []string
	for _, col := range columns {
		name := strings.TrimSpace(col)
		if name == "" {
			continue
		}
		var literals []string
		for _, v := range filter[col] {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			literals = append(literals, sqlLiteral(v))
		}
		if len(literals) == 0 {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", pq.QuoteIdentifier(name), strings.Join(literals, ", ")))
	}

	if len(conditions) == 0 {
		return ""
	}
	return fmt.Sprintf("WHERE NOT (%s)", strings.Join(conditions, " AND "))
}

// sqlLiteral leaves numeric-looking values bare and quotes everything else.
func sqlLiteral(v string) string {
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return v
	}
	return pq.QuoteLiteral(v)
}

func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
