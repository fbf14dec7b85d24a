// Package compression provides payload compression for the message journal.
//
// Supported algorithms:
//
//   - Zstandard (zstd): Best compression ratio with fast decompression (recommended)
//   - LZ4: Fastest compression/decompression, moderate ratio
//   - Gzip: Wide compatibility, moderate performance
//
// Journal records store the algorithm that produced them, so a journal
// written under one configuration stays readable after the algorithm
// changes. The Codec type applies a size floor and falls back to raw
// storage when compression would not shrink the payload.
//
// Example usage:
//
//	codec, err := compression.NewCodec(compression.Config{
//	    Algorithm: compression.AlgorithmZstd,
//	    Level:     compression.LevelDefault,
//	})
package compression

import (
	"fmt"
	"sync"
)

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// AlgorithmNone disables compression
	AlgorithmNone Algorithm = "none"
	// AlgorithmZstd uses Zstandard compression (recommended)
	AlgorithmZstd Algorithm = "zstd"
	// AlgorithmLZ4 uses LZ4 compression (faster, less compression)
	AlgorithmLZ4 Algorithm = "lz4"
	// AlgorithmGzip uses Gzip compression (widely compatible)
	AlgorithmGzip Algorithm = "gzip"
)

// ParseAlgorithm converts a configuration string into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgorithmNone, AlgorithmZstd, AlgorithmLZ4, AlgorithmGzip:
		return Algorithm(s), nil
	default:
		return "", fmt.Errorf("unknown compression algorithm: %q", s)
	}
}

// Level represents compression level
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

// Config holds compression configuration
type Config struct {
	// Algorithm to use for compression
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	// Level controls compression ratio vs speed trade-off
	Level Level `json:"level" yaml:"level"`
	// MinSize is the minimum payload size to compress (bytes)
	MinSize int `json:"min_size" yaml:"min_size"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmZstd,
		Level:     LevelDefault,
		MinSize:   64,
	}
}

// Compressor handles compression/decompression
type Compressor interface {
	// Compress compresses data and returns compressed bytes
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses data and returns original bytes
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the algorithm name
	Algorithm() Algorithm
}

// New creates a compressor for the given algorithm
func New(algorithm Algorithm, level Level) (Compressor, error) {
	switch algorithm {
	case AlgorithmNone:
		return noopCompressor{}, nil
	case AlgorithmZstd:
		return NewZstdCompressor(level)
	case AlgorithmLZ4:
		return NewLZ4Compressor(level)
	case AlgorithmGzip:
		return NewGzipCompressor(level)
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

// noopCompressor passes data through unchanged
type noopCompressor struct{}

func (noopCompressor) Algorithm() Algorithm { return AlgorithmNone }

func (noopCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (noopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// Codec applies the configured algorithm to discrete payloads. Encode
// skips payloads below the size floor and payloads the algorithm cannot
// shrink; Decode accepts any supported algorithm regardless of the
// configured one, so records written under old configurations decode.
type Codec struct {
	config     Config
	compressor Compressor

	mu       sync.Mutex
	decoders map[Algorithm]Compressor
}

// NewCodec creates a codec for the given configuration
func NewCodec(cfg Config) (*Codec, error) {
	comp, err := New(cfg.Algorithm, cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &Codec{
		config:     cfg,
		compressor: comp,
		decoders:   make(map[Algorithm]Compressor),
	}, nil
}

// Algorithm returns the configured encode algorithm
func (c *Codec) Algorithm() Algorithm {
	return c.config.Algorithm
}

// Encode compresses a payload and reports the algorithm that produced the
// result. Payloads below MinSize, and payloads that do not shrink, are
// returned unchanged with AlgorithmNone.
func (c *Codec) Encode(data []byte) ([]byte, Algorithm, error) {
	if c.config.Algorithm == AlgorithmNone || len(data) < c.config.MinSize {
		return data, AlgorithmNone, nil
	}

	compressed, err := c.compressor.Compress(data)
	if err != nil {
		return nil, "", fmt.Errorf("compression failed: %w", err)
	}

	// Only use compression if it actually reduces size
	if len(compressed) >= len(data) {
		return data, AlgorithmNone, nil
	}

	return compressed, c.config.Algorithm, nil
}

// Decode reverses Encode given the algorithm recorded with the payload.
func (c *Codec) Decode(data []byte, algorithm Algorithm) ([]byte, error) {
	if algorithm == AlgorithmNone {
		return data, nil
	}

	dec, err := c.decoder(algorithm)
	if err != nil {
		return nil, err
	}

	decompressed, err := dec.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	return decompressed, nil
}

// decoder returns a cached compressor for the given algorithm, creating
// one on first use. Level only affects encoding, so LevelDefault is fine.
func (c *Codec) decoder(algorithm Algorithm) (Compressor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dec, ok := c.decoders[algorithm]; ok {
		return dec, nil
	}

	dec, err := New(algorithm, LevelDefault)
	if err != nil {
		return nil, err
	}

	c.decoders[algorithm] = dec

	return dec, nil
}

// Ratio reports compressed size relative to original size. A journal
// running at 0.25 stores a quarter of the bytes it receives.
func Ratio(originalSize, compressedSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}

	return float64(compressedSize) / float64(originalSize)
}
