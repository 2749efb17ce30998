package compressors

// NoneCompressor leaves reports uncompressed
type NoneCompressor struct{}

func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

func (c *NoneCompressor) Compress(data []byte, _ int) ([]byte, error) {
	return data, nil
}

func (c *NoneCompressor) Extension() string {
	return ""
}

func (c *NoneCompressor) ContentType() string {
	return ""
}

func (c *NoneCompressor) DefaultLevel() int {
	return 0
}

func (c *NoneCompressor) ValidLevel(level int) bool {
	return level == 0
}
