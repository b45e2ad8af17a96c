package compressioncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bitrise-io/go-ingest/compression"
)

// ErrNotFound is returned by a Store when a key is absent.
var ErrNotFound = errors.New("cache entry not found")

// ErrEntryTooLarge is returned when a single entry exceeds the byte budget.
var ErrEntryTooLarge = errors.New("cache entry exceeds the size limit")

// Params identifies one compression of a source: output dimensions and ratio.
type Params struct {
	Width  int
	Height int
	Ratio  float64
}

// ParamsOf returns the Params a result is stored under.
func ParamsOf(result compression.Result) Params {
	return Params{Width: result.Width, Height: result.Height, Ratio: result.CompressionRatio}
}

// Key builds the compound cache key of a fingerprint and its parameters.
// The ratio is rounded to a whole percent.
func Key(fingerprint string, params Params) string {
	return fmt.Sprintf("%s_%d_%d_%d", fingerprint, params.Width, params.Height, int(math.Round(params.Ratio)))
}

// ProfileKey is Key for a result produced under a compressor profile. An
// empty profile gives the plain Key.
func ProfileKey(fingerprint, profile string, params Params) string {
	key := Key(fingerprint, params)
	if profile == "" {
		return key
	}
	sum := sha256.Sum256([]byte(profile))
	return key + "_" + hex.EncodeToString(sum[:6])
}

// Meta is everything about an entry except its payload.
type Meta struct {
	Key              string    `msgpack:"key"`
	Fingerprint      string    `msgpack:"fingerprint"`
	Profile          string    `msgpack:"profile"`
	SourceName       string    `msgpack:"source_name"`
	FileName         string    `msgpack:"file_name"`
	OriginalSize     int64     `msgpack:"original_size"`
	CompressedSize   int64     `msgpack:"compressed_size"`
	Width            int       `msgpack:"width"`
	Height           int       `msgpack:"height"`
	CompressionRatio float64   `msgpack:"compression_ratio"`
	CreatedAt        time.Time `msgpack:"created_at"`
	ExpiresAt        time.Time `msgpack:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now. Lookups use it.
func (m Meta) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// Due reports whether a sweep at now removes the entry, which includes the
// expiry instant itself.
func (m Meta) Due(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Entry is a cached compression result.
type Entry struct {
	Meta
	Data []byte
}

// Result converts the entry back into a compression result.
func (e *Entry) Result() compression.Result {
	return compression.Result{
		Data:             e.Data,
		FileName:         e.FileName,
		OriginalSize:     e.OriginalSize,
		CompressedSize:   e.CompressedSize,
		CompressionRatio: e.CompressionRatio,
		Width:            e.Width,
		Height:           e.Height,
	}
}

// Batch is a set of deletions plus an optional insertion applied atomically.
type Batch struct {
	Deletes []string
	Put     *Entry
}

// Store is the backing storage of a Cache.
type Store interface {
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) (*Entry, error)
	// List returns the metadata of every stored entry, expired ones included.
	List(ctx context.Context) ([]Meta, error)
	Write(ctx context.Context, batch Batch) error
	Clear(ctx context.Context) error
	Close() error
}
