package comparator

import "strings"

// ParseIgnoredColumns splits a pipe- or newline-separated column list.
func ParseIgnoredColumns(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == '\n' || r == '\r' })
	return cleanList(fields)
}

// ParsePrimaryKeys splits a comma-separated key list.
func ParsePrimaryKeys(s string) []string {
	return cleanList(strings.Split(s, ","))
}

// ParseExclusionFilter pairs a comma-separated column list with one line of
// comma-separated values per column. Columns without values are dropped.
func ParseExclusionFilter(columnsCSV, valueLines string) ExclusionFilter {
	columns := cleanList(strings.Split(columnsCSV, ","))
	lines := cleanList(strings.Split(strings.ReplaceAll(valueLines, "\r\n", "\n"), "\n"))

	filter := ExclusionFilter{}
	for i, col := range columns {
		if i >= len(lines) {
			break
		}
		if values := cleanList(strings.Split(lines[i], ",")); len(values) > 0 {
			filter[col] = values
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}
