package compressors

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compression names accepted in configuration
const (
	Zstd = "zstd"
	LZ4  = "lz4"
	Gzip = "gzip"
	None = "none"
)

// Compressor compresses a finished report before it is written or uploaded.
type Compressor interface {
	// Compress compresses the input data. Out-of-range levels fall back to DefaultLevel.
	Compress(data []byte, level int) ([]byte, error)

	// Extension returns the file suffix appended to the report name (".zst", ".lz4", ".gz" or "")
	Extension() string

	// ContentType returns the MIME type used for object storage uploads
	ContentType() string

	// DefaultLevel returns the level used when none is configured
	DefaultLevel() int

	// ValidLevel reports whether level is accepted for this algorithm
	ValidLevel(level int) bool
}

var registry = map[string]func() Compressor{
	Zstd: func() Compressor { return NewZstdCompressor() },
	LZ4:  func() Compressor { return NewLZ4Compressor() },
	Gzip: func() Compressor { return NewGzipCompressor() },
	None: func() Compressor { return NewNoneCompressor() },
}

// GetCompressor returns the compressor registered under name.
func GetCompressor(name string) (Compressor, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, name)
	}
	return factory(), nil
}

// Names lists the supported compression names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
