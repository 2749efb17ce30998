package formatters

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONLFormatter writes one JSON object per line
type JSONLFormatter struct{}

// NewJSONLFormatter creates a new JSONL formatter
func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

// Format encodes each row on its own line. Keys are emitted in sorted order.
func (f *JSONLFormatter) Format(rows []map[string]interface{}) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)

	for i, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return nil, fmt.Errorf("failed to encode row %d: %w", i, err)
		}
	}

	return buffer.Bytes(), nil
}

func (f *JSONLFormatter) Extension() string {
	return ".jsonl"
}

func (f *JSONLFormatter) MIMEType() string {
	return "application/x-ndjson"
}
