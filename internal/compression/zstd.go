package compression

import (
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor creates a new Zstd compressor. The encoder and decoder
// are reused across calls; EncodeAll and DecodeAll are safe for concurrent
// use, which matters on the journal append path.
func NewZstdCompressor(level Level) (*ZstdCompressor, error) {
	var zstdLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		zstdLevel = zstd.SpeedFastest
	case LevelDefault:
		zstdLevel = zstd.SpeedDefault
	case LevelBest:
		zstdLevel = zstd.SpeedBestCompression
	default:
		zstdLevel = zstd.SpeedDefault
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}

	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

// Algorithm returns the algorithm name
func (c *ZstdCompressor) Algorithm() Algorithm {
	return AlgorithmZstd
}

// Compress compresses data using Zstandard
func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

// Decompress decompresses Zstandard data
func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

// Ensure ZstdCompressor implements Compressor
var _ Compressor = (*ZstdCompressor)(nil)
