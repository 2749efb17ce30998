package compressors

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor handles Zstandard compression
type ZstdCompressor struct {
	workers int
}

// NewZstdCompressor creates a new Zstandard compressor
func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{workers: 2}
}

// WithWorkers sets the encoder concurrency
func (c *ZstdCompressor) WithWorkers(workers int) *ZstdCompressor {
	if workers > 0 {
		c.workers = workers
	}
	return c
}

// Compress encodes data in one shot. The zstd 1-22 scale is mapped onto the
// four encoder speeds klauspost implements.
func (c *ZstdCompressor) Compress(data []byte, level int) ([]byte, error) {
	if !c.ValidLevel(level) {
		level = c.DefaultLevel()
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(c.workers))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer func() { _ = encoder.Close() }()

	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *ZstdCompressor) Extension() string {
	return ".zst"
}

func (c *ZstdCompressor) ContentType() string {
	return "application/zstd"
}

// DefaultLevel returns the zstd default level
func (c *ZstdCompressor) DefaultLevel() int {
	return 3
}

func (c *ZstdCompressor) ValidLevel(level int) bool {
	return level >= 1 && level <= 22
}
