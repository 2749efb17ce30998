package compressors

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// GzipCompressor handles gzip compression
type GzipCompressor struct{}

// NewGzipCompressor creates a new gzip compressor
func NewGzipCompressor() *GzipCompressor {
	return &GzipCompressor{}
}

// Compress compresses data using gzip
func (c *GzipCompressor) Compress(data []byte, level int) ([]byte, error) {
	if !c.ValidLevel(level) {
		level = c.DefaultLevel()
	}

	var buffer bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buffer, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to compress report: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buffer.Bytes(), nil
}

func (c *GzipCompressor) Extension() string {
	return ".gz"
}

func (c *GzipCompressor) ContentType() string {
	return "application/gzip"
}

// DefaultLevel mirrors gzip.DefaultCompression's effective level
func (c *GzipCompressor) DefaultLevel() int {
	return 6
}

func (c *GzipCompressor) ValidLevel(level int) bool {
	return level >= gzip.BestSpeed && level <= gzip.BestCompression
}
