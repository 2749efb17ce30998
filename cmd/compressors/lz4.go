package compressors

import (
	"bytes"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Levels maps the configured 0-9 scale onto the library's level constants.
var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// LZ4Compressor handles LZ4 frame compression
type LZ4Compressor struct{}

// NewLZ4Compressor creates a new LZ4 compressor
func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

// Compress writes data as a single LZ4 frame
func (c *LZ4Compressor) Compress(data []byte, level int) ([]byte, error) {
	if !c.ValidLevel(level) {
		level = c.DefaultLevel()
	}

	var buffer bytes.Buffer
	writer := lz4.NewWriter(&buffer)
	if err := writer.Apply(lz4.CompressionLevelOption(lz4Levels[level])); err != nil {
		return nil, fmt.Errorf("failed to apply lz4 level %d: %w", level, err)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress report: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close lz4 writer: %w", err)
	}

	return buffer.Bytes(), nil
}

func (c *LZ4Compressor) Extension() string {
	return ".lz4"
}

func (c *LZ4Compressor) ContentType() string {
	return "application/x-lz4"
}

// DefaultLevel returns 0, the library's fast mode
func (c *LZ4Compressor) DefaultLevel() int {
	return 0
}

func (c *LZ4Compressor) ValidLevel(level int) bool {
	return level >= 0 && level < len(lz4Levels)
}
