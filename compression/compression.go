// Package compression shrinks blobs before upload. Images are resized and
// re-encoded, everything else is zstd compressed.
package compression

import (
	"context"
	"math"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Stage is a step of a compression run, reported through progress callbacks.
type Stage string

const (
	StageReading     Stage = "reading"
	StageCompressing Stage = "compressing"
	StageGenerating  Stage = "generating"
	StageCompleted   Stage = "completed"
	StageError       Stage = "error"
)

// Progress is a single progress event.
type Progress struct {
	Stage   Stage
	Percent int
	Message string
}

// ProgressFunc receives progress events. It may be nil.
type ProgressFunc func(Progress)

// Options controls a compression run. Zero fields fall back to DefaultOptions.
type Options struct {
	MaxWidth      int
	MaxHeight     int
	Quality       float64
	MaxSize       int64
	PreserveRatio bool
	// Level is the zstd level used for non-image data.
	Level int
}

// DefaultOptions ...
func DefaultOptions() Options {
	return Options{
		MaxWidth:      2048,
		MaxHeight:     2048,
		Quality:       0.8,
		MaxSize:       5 * 1024 * 1024,
		PreserveRatio: true,
		Level:         3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxWidth <= 0 {
		o.MaxWidth = d.MaxWidth
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = d.MaxHeight
	}
	if o.Quality <= 0 || o.Quality > 1 {
		o.Quality = d.Quality
	}
	if o.MaxSize <= 0 {
		o.MaxSize = d.MaxSize
	}
	if o.Level <= 0 {
		o.Level = d.Level
	}
	return o
}

// Result is the output of a compression run.
type Result struct {
	Data           []byte
	FileName       string
	OriginalSize   int64
	CompressedSize int64
	// CompressionRatio is the share of bytes saved in percent, rounded to two decimals.
	CompressionRatio float64
	Width            int
	Height           int
}

// Compressor compresses a named blob.
type Compressor interface {
	Compress(ctx context.Context, name string, data []byte, opts Options, progress ProgressFunc) (Result, error)
	// Profile identifies the compressor and the options that affect its
	// output. Equal profiles on equal input produce equivalent results.
	Profile(opts Options) string
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImage reports whether name has an image extension.
func IsImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ForName picks the image compressor for image file names and zstd otherwise.
func ForName(name string, logger log.Logger) Compressor {
	if IsImage(name) {
		return NewImageCompressor(logger)
	}
	return NewZstdCompressor(logger)
}

// Ratio returns the percentage of bytes saved, rounded to two decimals.
func Ratio(originalSize, compressedSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	r := float64(originalSize-compressedSize) / float64(originalSize) * 100
	return math.Round(r*100) / 100
}

func unchanged(name string, data []byte) Result {
	return Result{
		Data:           data,
		FileName:       name,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(data)),
	}
}

func report(progress ProgressFunc, stage Stage, percent int, message string) {
	if progress != nil {
		progress(Progress{Stage: stage, Percent: percent, Message: message})
	}
}
