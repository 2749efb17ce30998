package formatters

import (
	"errors"
	"fmt"
)

// Format names accepted for row-oriented reports
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// ErrUnsupportedFormat is returned for unknown format names
var ErrUnsupportedFormat = errors.New("unsupported report format")

// Formatter renders flat report rows
type Formatter interface {
	// Format converts rows to the target format
	Format(rows []map[string]interface{}) ([]byte, error)

	// Extension returns the file extension for this format (e.g., ".jsonl", ".csv")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// GetFormatter returns the formatter for format. columns fixes the CSV column
// order; JSONL ignores it.
func GetFormatter(format string, columns []string) (Formatter, error) {
	switch format {
	case FormatJSONL:
		return NewJSONLFormatter(), nil
	case FormatCSV:
		return NewCSVFormatter(columns...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
