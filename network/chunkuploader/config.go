package chunkuploader

import (
	"runtime"
	"time"

	"github.com/bitrise-io/go-ingest/metrics"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize int64 = 5 * 1024 * 1024

	minOptimalChunkSize int64 = 8 * 1024 * 1024
	maxOptimalChunkSize int64 = 100 * 1024 * 1024
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// ChunkSize is the size of every chunk except the last one.
	// Zero selects a size with OptimalChunkSizeBytes. A resumed upload must
	// use the same chunk size as the upload it continues.
	// Default: 5 MiB
	ChunkSize int64

	// Concurrency is the number of workers transferring chunks in parallel.
	// Zero or less selects DefaultConcurrency().
	// Default: 3
	Concurrency int

	// MaxRetryPerChunk is the total number of attempts per chunk.
	// Default: 3
	MaxRetryPerChunk int

	// RetryDelay is the wait before a failed chunk is attempted again. It is
	// also the delay between init and complete retries.
	// Default: 1 second
	RetryDelay time.Duration

	// ChunkTimeout bounds a single chunk attempt.
	// Default: 60 seconds
	ChunkTimeout time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables it.
	// Default: 30 seconds
	HungThreshold time.Duration

	// ControlRetries is the number of attempts for the init and complete calls.
	// Default: 3
	ControlRetries int

	// OnProgress is called after every completed chunk.
	OnProgress func(Progress)

	// OnChunkComplete is called with a snapshot of every completed chunk.
	OnChunkComplete func(uploadID string, chunk Chunk)

	// OnError is called once with the error that terminated a session.
	OnError func(uploadID string, err error)

	// Metrics is optional.
	Metrics *metrics.Uploader
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		Concurrency:      3,
		MaxRetryPerChunk: 3,
		RetryDelay:       time.Second,
		ChunkTimeout:     60 * time.Second,
		HungThreshold:    30 * time.Second,
		ControlRetries:   3,
	}
}

// DefaultConcurrency calculates a concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// OptimalChunkSizeBytes calculates a chunk size based on total size and concurrency.
func OptimalChunkSizeBytes(totalSize int64, concurrency int) int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	return int64(optimalChunkSizeBytes(uint64(totalSize), uint64(minOptimalChunkSize), uint64(maxOptimalChunkSize), uint64(concurrency)))
}

func optimalChunkSizeBytes(totalSize, min, max, concurrency uint64) uint64 {
	cs := totalSize / concurrency

	// Split very large chunks further so every worker stays busy
	if cs >= max {
		cs = cs / 2
	}

	if cs < min {
		cs = min
	}

	if max > 0 && cs > max {
		cs = max
	}

	return cs
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency()
	}
	if c.MaxRetryPerChunk <= 0 {
		c.MaxRetryPerChunk = 1
	}
	if c.ControlRetries <= 0 {
		c.ControlRetries = 1
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 60 * time.Second
	}
	return c
}

func (c Config) chunkSizeFor(fileSize int64) int64 {
	if c.ChunkSize == 0 {
		return OptimalChunkSizeBytes(fileSize, c.Concurrency)
	}
	return c.ChunkSize
}
