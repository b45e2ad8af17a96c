package compression

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor compresses arbitrary blobs with zstd.
type ZstdCompressor struct {
	logger log.Logger
}

// NewZstdCompressor ...
func NewZstdCompressor(logger log.Logger) *ZstdCompressor {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &ZstdCompressor{logger: logger}
}

// Profile ...
func (c *ZstdCompressor) Profile(opts Options) string {
	return fmt.Sprintf("zstd:level%d", opts.withDefaults().Level)
}

// Compress returns data unchanged when zstd does not make it smaller.
func (c *ZstdCompressor) Compress(ctx context.Context, name string, data []byte, opts Options, progress ProgressFunc) (Result, error) {
	opts = opts.withDefaults()

	report(progress, StageReading, 10, "reading data")
	if err := ctx.Err(); err != nil {
		report(progress, StageError, 0, err.Error())
		return Result{}, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)))
	if err != nil {
		report(progress, StageError, 0, err.Error())
		return Result{}, fmt.Errorf("create zstd writer: %w", err)
	}

	report(progress, StageCompressing, 50, "compressing data")
	out := enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	if err := enc.Close(); err != nil {
		return Result{}, fmt.Errorf("close zstd writer: %w", err)
	}

	if len(out) >= len(data) {
		c.logger.Debugf("zstd did not shrink %s (%d -> %d bytes), keeping original", name, len(data), len(out))
		report(progress, StageCompleted, 100, "data is not compressible")
		return unchanged(name, data), nil
	}

	report(progress, StageGenerating, 90, "generating output")
	result := Result{
		Data:             out,
		FileName:         name + ".zst",
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(out)),
		CompressionRatio: Ratio(int64(len(data)), int64(len(out))),
	}
	report(progress, StageCompleted, 100, "compression completed")

	return result, nil
}

// Decompress reverses ZstdCompressor.Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd: %w", err)
	}
	return out, nil
}
