package formatters

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
)

// CSVFormatter writes rows as CSV with a header line
type CSVFormatter struct {
	columns []string
}

// NewCSVFormatter creates a CSV formatter. Without columns the header is the
// sorted union of every row's keys.
func NewCSVFormatter(columns ...string) *CSVFormatter {
	return &CSVFormatter{columns: columns}
}

// Format converts rows to CSV. Missing and nil values become empty cells.
func (f *CSVFormatter) Format(rows []map[string]interface{}) ([]byte, error) {
	columns := f.columns
	if len(columns) == 0 {
		if len(rows) == 0 {
			return []byte{}, nil
		}
		columns = unionColumns(rows)
	}

	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)

	if err := writer.Write(columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			if val := row[col]; val == nil {
				record[i] = ""
			} else {
				record[i] = fmt.Sprintf("%v", val)
			}
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buffer.Bytes(), nil
}

func unionColumns(rows []map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for col := range seen {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func (f *CSVFormatter) Extension() string {
	return ".csv"
}

func (f *CSVFormatter) MIMEType() string {
	return "text/csv"
}
