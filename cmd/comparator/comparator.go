package comparator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Comparator compares table pairs between a source (PROD) and a target (DEV)
// environment.
type Comparator struct {
	source   EnvironmentConfig
	target   EnvironmentConfig
	pool     *Pool
	sampling Sampling
	logger   *slog.Logger
}

// New creates a comparator that draws connections from pool.
func New(source, target EnvironmentConfig, pool *Pool, sampling Sampling, logger *slog.Logger) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{
		source:   source,
		target:   target,
		pool:     pool,
		sampling: sampling,
		logger:   logger,
	}
}

// Labels returns the environment labels used in messages and keys.
func (c *Comparator) Labels() Labels {
	return Labels{Source: c.source.Label, Target: c.target.Label}
}

// ComparePair runs one full comparison on the given worker's connections.
// Failures never panic or abort the caller; they come back as an outcome
// whose Result carries the error message and the queries issued so far.
func (c *Comparator) ComparePair(ctx context.Context, worker int, pair TablePairConfig) PairOutcome {
	start := time.Now()
	pair = pair.Normalize()
	queries := &QueryLog{}
	limit := c.sampling.EffectiveLimit()

	fail := func(err error) PairOutcome {
		c.logger.Error(fmt.Sprintf("❌ %s: %v", pair.DisplayName, err))
		return PairOutcome{
			Result: &ComparisonResult{
				DisplayName:       pair.DisplayName,
				SourceTable:       pair.SourceTable,
				TargetTable:       pair.TargetTable,
				MissingFromTarget: []string{},
				MissingFromSource: []string{},
				DifferingRows:     []RowDifference{},
				SchemaDifferences: []string{},
				Sampling:          SamplingInfo{Method: c.sampling.Method, Limit: limit},
				Queries:           queries.Entries(),
				Duration:          time.Since(start),
				Error:             err.Error(),
			},
			Err: err,
		}
	}

	srcConn, err := c.pool.Acquire(ctx, c.source, worker)
	if err != nil {
		return fail(err)
	}
	tgtConn, err := c.pool.Acquire(ctx, c.target, worker)
	if err != nil {
		return fail(err)
	}
	src := NewReader(srcConn, c.source, queries, c.sampling)
	tgt := NewReader(tgtConn, c.target, queries, c.sampling)

	c.logger.Debug(fmt.Sprintf("🔍 Comparing %s (%s.%s vs %s.%s)", pair.DisplayName,
		c.source.Label, pair.SourceTable, c.target.Label, pair.TargetTable))

	srcCount, err := src.FetchRowCount(ctx, pair.SourceTable, pair.SourceFilters)
	if err != nil {
		return fail(err)
	}
	tgtCount, err := tgt.FetchRowCount(ctx, pair.TargetTable, pair.TargetFilters)
	if err != nil {
		return fail(err)
	}

	srcSchema, err := src.FetchSchema(ctx, pair.SourceTable)
	if err != nil {
		return fail(err)
	}
	tgtSchema, err := tgt.FetchSchema(ctx, pair.TargetTable)
	if err != nil {
		return fail(err)
	}

	schemaDiffs := DiffSchemas(
		Schema{Label: c.source.Label, Columns: srcSchema},
		Schema{Label: c.target.Label, Columns: tgtSchema},
		ExcludedColumns(pair),
	)

	pair.SourcePK = resolveNames(pair.SourcePK, srcSchema)
	pair.TargetPK = resolveNames(pair.TargetPK, tgtSchema)
	if err := c.validateKeys(pair, srcSchema, tgtSchema); err != nil {
		return fail(err)
	}

	srcRows, err := src.FetchRows(ctx, pair.SourceTable, pair.SourcePK, limit, pair.SourceFilters)
	if err != nil {
		return fail(err)
	}
	tgtRows, err := tgt.FetchRows(ctx, pair.TargetTable, pair.TargetPK, limit, pair.TargetFilters)
	if err != nil {
		return fail(err)
	}

	columns, ignoredFound := ResolveColumns(pair, srcRows.Columns, tgtRows.Columns)
	match := MatchRows(srcRows, tgtRows, pair, columns, c.Labels())
	if match.SkippedCells > 0 {
		c.logger.Warn(fmt.Sprintf("⚠️  %s: %d cells could not be read on one side and were skipped", pair.DisplayName, match.SkippedCells))
	}

	compared := make([]string, len(columns))
	for i, col := range columns {
		compared[i] = col.Name
	}

	result := &ComparisonResult{
		DisplayName:       pair.DisplayName,
		SourceTable:       pair.SourceTable,
		TargetTable:       pair.TargetTable,
		SourceRowCount:    srcCount,
		TargetRowCount:    tgtCount,
		SourceCompared:    srcRows.Len(),
		TargetCompared:    tgtRows.Len(),
		MissingFromTarget: orEmpty(match.MissingFromTarget),
		MissingFromSource: orEmpty(match.MissingFromSource),
		DifferingRows:     match.Differing,
		SchemaDifferences: orEmpty(schemaDiffs),
		ComparedColumns:   compared,
		IgnoredColumns:    orEmpty(ignoredFound),
		SourcePK:          pair.SourcePK,
		TargetPK:          pair.TargetPK,
		MatchMode:         match.Mode,
		Sampling: SamplingInfo{
			Method:     c.sampling.Method,
			Limit:      limit,
			WasLimited: limit > 0 && (srcCount > int64(limit) || tgtCount > int64(limit)),
		},
		SkippedCells: match.SkippedCells,
		Queries:      queries.Entries(),
		Duration:     time.Since(start),
	}
	if result.DifferingRows == nil {
		result.DifferingRows = []RowDifference{}
	}
	result.TablesIdentical = len(result.MissingFromTarget) == 0 &&
		len(result.MissingFromSource) == 0 &&
		len(result.DifferingRows) == 0 &&
		len(result.SchemaDifferences) == 0 &&
		srcCount == tgtCount

	return PairOutcome{Result: result}
}

// validateKeys checks that every primary key column of a side that takes part
// in matching exists in that side's schema.
func (c *Comparator) validateKeys(pair TablePairConfig, srcSchema, tgtSchema []ColumnMetadata) error {
	if pair.IgnoreSourcePK && pair.IgnoreTargetPK {
		return nil
	}
	var problems []string
	if !pair.IgnoreSourcePK {
		if missing := absentColumns(pair.SourcePK, srcSchema); len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("%s table missing primary key columns: %s", c.source.Label, strings.Join(missing, ", ")))
		}
	}
	if !pair.IgnoreTargetPK {
		if missing := absentColumns(pair.TargetPK, tgtSchema); len(missing) > 0 {
			problems = append(problems, fmt.Sprintf("%s table missing primary key columns: %s", c.target.Label, strings.Join(missing, ", ")))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrPrimaryKeyValidation, strings.Join(problems, "; "))
	}
	return nil
}

func absentColumns(names []string, schema []ColumnMetadata) []string {
	present := make(map[string]struct{}, len(schema))
	for _, col := range schema {
		present[col.Name] = struct{}{}
	}
	var missing []string
	for _, name := range names {
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// resolveNames maps configured column names onto the schema's spelling when
// they differ only by case. Unknown names are kept as given.
func resolveNames(names []string, schema []ColumnMetadata) []string {
	byLower := make(map[string]string, len(schema))
	for _, col := range schema {
		byLower[strings.ToLower(col.Name)] = col.Name
	}
	out := make([]string, len(names))
	for i, name := range names {
		if actual, ok := byLower[strings.ToLower(name)]; ok {
			out[i] = actual
		} else {
			out[i] = name
		}
	}
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
