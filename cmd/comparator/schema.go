package comparator

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is one side's column list with the label used in messages.
type Schema struct {
	Label   string
	Columns []ColumnMetadata
}

// DiffSchemas compares two column sets case-insensitively after removing the
// ignored columns from both. Types are compared textually. Output is sorted
// so repeated runs produce the same messages.
func DiffSchemas(source, target Schema, ignored []string) []string {
	skip := lowerSet(ignored)
	src := indexColumns(source.Columns, skip)
	tgt := indexColumns(target.Columns, skip)

	var differences []string

	if missing := missingNames(src, tgt); len(missing) > 0 {
		differences = append(differences, fmt.Sprintf("Columns missing in %s: %s", target.Label, strings.Join(missing, ", ")))
	}
	if missing := missingNames(tgt, src); len(missing) > 0 {
		differences = append(differences, fmt.Sprintf("Columns missing in %s: %s", source.Label, strings.Join(missing, ", ")))
	}

	common := make([]string, 0, len(src))
	for key := range src {
		if _, ok := tgt[key]; ok {
			common = append(common, key)
		}
	}
	sort.Strings(common)
	for _, key := range common {
		s, t := src[key], tgt[key]
		if s.Type != t.Type {
			differences = append(differences, fmt.Sprintf("Column '%s' type mismatch: %s(%s) vs %s(%s)",
				s.Name, target.Label, t.Type, source.Label, s.Type))
		}
	}

	return differences
}

func indexColumns(columns []ColumnMetadata, skip map[string]struct{}) map[string]ColumnMetadata {
	out := make(map[string]ColumnMetadata, len(columns))
	for _, col := range columns {
		key := strings.ToLower(col.Name)
		if _, ignored := skip[key]; ignored {
			continue
		}
		out[key] = col
	}
	return out
}

// missingNames lists columns of a absent from b, by a's spelling.
func missingNames(a, b map[string]ColumnMetadata) []string {
	var names []string
	for key, col := range a {
		if _, ok := b[key]; !ok {
			names = append(names, col.Name)
		}
	}
	sort.Strings(names)
	return names
}

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out[strings.ToLower(v)] = struct{}{}
		}
	}
	return out
}
