package comparator

import (
	"fmt"
	"strconv"
	"strings"
)

// ColumnPair names one compared column on each side. Name uses the source
// spelling.
type ColumnPair struct {
	Name   string
	Source string
	Target string
}

// Labels are the environment names used in synthesized keys.
type Labels struct {
	Source string
	Target string
}

// MatchOutcome is what the row matcher found.
type MatchOutcome struct {
	Mode              MatchMode
	MissingFromTarget []string
	MissingFromSource []string
	Differing         []RowDifference
	SkippedCells      int
}

// ResolveColumns returns the columns present on both sides (case-insensitive)
// minus ignored columns and flagged primary keys, in source order, plus the
// common columns that were ignored.
func ResolveColumns(pair TablePairConfig, sourceCols, targetCols []string) ([]ColumnPair, []string) {
	ignore := lowerSet(ExcludedColumns(pair))

	targetByLower := make(map[string]string, len(targetCols))
	for _, col := range targetCols {
		key := strings.ToLower(col)
		if _, ok := targetByLower[key]; !ok {
			targetByLower[key] = col
		}
	}

	seen := make(map[string]struct{}, len(sourceCols))
	var compared []ColumnPair
	var ignored []string
	for _, col := range sourceCols {
		key := strings.ToLower(col)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		targetCol, common := targetByLower[key]
		if !common {
			continue
		}
		if _, skip := ignore[key]; skip {
			ignored = append(ignored, col)
			continue
		}
		compared = append(compared, ColumnPair{Name: col, Source: col, Target: targetCol})
	}

	return compared, ignored
}

// ExcludedColumns is the ignore list extended with primary keys whose side is
// flagged for exclusion.
func ExcludedColumns(pair TablePairConfig) []string {
	out := append([]string(nil), pair.IgnoredColumns...)
	if pair.IgnoreSourcePK {
		out = append(out, pair.SourcePK...)
	}
	if pair.IgnoreTargetPK {
		out = append(out, pair.TargetPK...)
	}
	return out
}

// SelectMatchMode decides how rows of a pair are aligned.
func SelectMatchMode(pair TablePairConfig) MatchMode {
	if pair.IgnoreSourcePK && pair.IgnoreTargetPK {
		return MatchPosition
	}
	if pair.SourceKeyKind == KeyKindSurrogate && pair.TargetKeyKind != KeyKindSurrogate && !pair.IgnoreSourcePK {
		return MatchSurrogate
	}
	if pair.TargetKeyKind == KeyKindSurrogate && pair.SourceKeyKind != KeyKindSurrogate && !pair.IgnoreTargetPK {
		return MatchSurrogate
	}
	return MatchKeyed
}

// MatchRows pairs source and target rows and reports missing keys and
// differing cells over the given columns.
func MatchRows(source, target *RowSet, pair TablePairConfig, columns []ColumnPair, labels Labels) MatchOutcome {
	var srcRows, tgtRows []Row
	if source != nil {
		srcRows = source.Rows
	}
	if target != nil {
		tgtRows = target.Rows
	}

	switch mode := SelectMatchMode(pair); mode {
	case MatchPosition:
		return matchByPosition(srcRows, tgtRows, pair, columns, labels)
	case MatchSurrogate:
		return matchByOrdinal(srcRows, tgtRows, pair, columns)
	default:
		return matchByKey(srcRows, tgtRows, pair, columns)
	}
}

func matchByPosition(src, tgt []Row, pair TablePairConfig, columns []ColumnPair, labels Labels) MatchOutcome {
	out := MatchOutcome{Mode: MatchPosition}
	common := min(len(src), len(tgt))

	for i := 0; i < common; i++ {
		diffs, skipped := diffRow(src[i], tgt[i], columns, pair.Tolerance())
		out.SkippedCells += skipped
		if len(diffs) == 0 {
			continue
		}
		label := fmt.Sprintf("Position %d [%s: %s, %s: %s]", i+1,
			labels.Target, compositeKey(tgt[i], pair.TargetPK),
			labels.Source, compositeKey(src[i], pair.SourcePK))
		out.Differing = append(out.Differing, RowDifference{Key: label, Differences: diffs})
	}

	for i := common; i < len(src); i++ {
		out.MissingFromTarget = append(out.MissingFromTarget, fmt.Sprintf("row_%d", i+1))
	}
	for i := common; i < len(tgt); i++ {
		out.MissingFromSource = append(out.MissingFromSource, fmt.Sprintf("row_%d", i+1))
	}

	return out
}

// matchByOrdinal keys both sides by their 1-based position. Both sides are
// sorted by their own keys, so the n-th rows correspond.
func matchByOrdinal(src, tgt []Row, pair TablePairConfig, columns []ColumnPair) MatchOutcome {
	out := MatchOutcome{Mode: MatchSurrogate}
	common := min(len(src), len(tgt))

	for i := 0; i < common; i++ {
		diffs, skipped := diffRow(src[i], tgt[i], columns, pair.Tolerance())
		out.SkippedCells += skipped
		if len(diffs) > 0 {
			out.Differing = append(out.Differing, RowDifference{Key: strconv.Itoa(i + 1), Differences: diffs})
		}
	}
	for i := common; i < len(src); i++ {
		out.MissingFromTarget = append(out.MissingFromTarget, strconv.Itoa(i+1))
	}
	for i := common; i < len(tgt); i++ {
		out.MissingFromSource = append(out.MissingFromSource, strconv.Itoa(i+1))
	}

	return out
}

func matchByKey(src, tgt []Row, pair TablePairConfig, columns []ColumnPair) MatchOutcome {
	out := MatchOutcome{Mode: MatchKeyed}
	srcKeys, srcIndex := indexRows(src, pair.SourcePK)
	tgtKeys, tgtIndex := indexRows(tgt, pair.TargetPK)

	for _, key := range srcKeys {
		ti, ok := tgtIndex[key]
		if !ok {
			out.MissingFromTarget = append(out.MissingFromTarget, key)
			continue
		}
		diffs, skipped := diffRow(src[srcIndex[key]], tgt[ti], columns, pair.Tolerance())
		out.SkippedCells += skipped
		if len(diffs) > 0 {
			out.Differing = append(out.Differing, RowDifference{Key: key, Differences: diffs})
		}
	}
	for _, key := range tgtKeys {
		if _, ok := srcIndex[key]; !ok {
			out.MissingFromSource = append(out.MissingFromSource, key)
		}
	}

	return out
}

// indexRows returns keys in first-seen order and the index of the last row
// carrying each key.
func indexRows(rows []Row, pk []string) ([]string, map[string]int) {
	keys := make([]string, 0, len(rows))
	index := make(map[string]int, len(rows))
	for i, row := range rows {
		key := compositeKey(row, pk)
		if _, seen := index[key]; !seen {
			keys = append(keys, key)
		}
		index[key] = i
	}
	return keys, index
}

func compositeKey(row Row, pk []string) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = Stringify(row[col])
	}
	return strings.Join(parts, "|")
}

// diffRow compares one row pair. Columns missing from either row map are
// skipped and counted rather than reported.
func diffRow(src, tgt Row, columns []ColumnPair, tolerance float64) ([]CellDifference, int) {
	var diffs []CellDifference
	skipped := 0
	for _, col := range columns {
		sv, okSrc := src[col.Source]
		tv, okTgt := tgt[col.Target]
		if !okSrc || !okTgt {
			skipped++
			continue
		}
		if !ValuesEqual(sv, tv, tolerance) {
			diffs = append(diffs, CellDifference{
				Column:      col.Name,
				SourceValue: Stringify(sv),
				TargetValue: Stringify(tv),
			})
		}
	}
	return diffs, skipped
}
