package compression

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"math"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	_ "golang.org/x/image/bmp" // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

const (
	minQuality        = 0.3
	qualityStep       = 0.15
	maxEncodeAttempts = 5
)

// ImageCompressor scales images down to the configured bounds and re-encodes
// them, lowering the JPEG quality until the output fits MaxSize.
type ImageCompressor struct {
	logger log.Logger
}

// NewImageCompressor ...
func NewImageCompressor(logger log.Logger) *ImageCompressor {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &ImageCompressor{logger: logger}
}

// Compress returns data unchanged when it already fits MaxSize.
func (c *ImageCompressor) Compress(ctx context.Context, name string, data []byte, opts Options, progress ProgressFunc) (Result, error) {
	opts = opts.withDefaults()

	if int64(len(data)) <= opts.MaxSize {
		report(progress, StageCompleted, 100, "image already within size limit")
		return unchanged(name, data), nil
	}

	result, err := c.compress(ctx, name, data, opts, progress)
	if err != nil {
		report(progress, StageError, 0, err.Error())
		return Result{}, err
	}
	return result, nil
}

// Profile ...
func (c *ImageCompressor) Profile(opts Options) string {
	opts = opts.withDefaults()
	return fmt.Sprintf("image:%dx%d:q%.2f:max%d:ratio=%t", opts.MaxWidth, opts.MaxHeight, opts.Quality, opts.MaxSize, opts.PreserveRatio)
}

func (c *ImageCompressor) compress(ctx context.Context, name string, data []byte, opts Options, progress ProgressFunc) (Result, error) {
	report(progress, StageReading, 10, "reading image")

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decode image %s: %w", name, err)
	}

	report(progress, StageCompressing, 30, "processing image")

	bounds := src.Bounds()
	width, height := TargetDimensions(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight, opts.PreserveRatio)
	c.logger.Debugf("Scaling %s (%s) from %dx%d to %dx%d", name, format, bounds.Dx(), bounds.Dy(), width, height)

	scaled := scale(src, width, height)

	report(progress, StageCompressing, 50, "compressing image")

	outFormat := "jpeg"
	if format == "png" {
		outFormat = "png"
	}

	encoded, quality, err := progressiveEncode(ctx, scaled, outFormat, opts.Quality, opts.MaxSize, progress)
	if err != nil {
		return Result{}, err
	}
	if int64(len(encoded)) > opts.MaxSize {
		c.logger.Warnf("%s is still %d bytes after %d attempts (limit %d)", name, len(encoded), maxEncodeAttempts, opts.MaxSize)
	}

	report(progress, StageGenerating, 90, "generating compressed image")

	result := Result{
		Data:             encoded,
		FileName:         outputName(name, outFormat),
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(encoded)),
		CompressionRatio: Ratio(int64(len(data)), int64(len(encoded))),
		Width:            width,
		Height:           height,
	}

	c.logger.Debugf("Compressed %s at quality %.2f: %d -> %d bytes", name, quality, result.OriginalSize, result.CompressedSize)
	report(progress, StageCompleted, 100, "compression completed")

	return result, nil
}

// TargetDimensions fits width x height into maxWidth x maxHeight. With
// preserveRatio the aspect ratio is kept, otherwise each side is clamped.
func TargetDimensions(width, height, maxWidth, maxHeight int, preserveRatio bool) (int, int) {
	if width <= maxWidth && height <= maxHeight {
		return width, height
	}

	if !preserveRatio {
		return min(width, maxWidth), min(height, maxHeight)
	}

	ratio := math.Min(float64(maxWidth)/float64(width), float64(maxHeight)/float64(height))
	w := int(math.Floor(float64(width) * ratio))
	h := int(math.Floor(float64(height) * ratio))
	return max(w, 1), max(h, 1)
}

func scale(src image.Image, width, height int) image.Image {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	// JPEG has no alpha channel
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func progressiveEncode(ctx context.Context, img image.Image, format string, quality float64, maxSize int64, progress ProgressFunc) ([]byte, float64, error) {
	var out []byte

	for attempt := 1; quality >= minQuality && attempt <= maxEncodeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, quality, err
		}

		report(progress, StageCompressing, 50+attempt*40/maxEncodeAttempts,
			fmt.Sprintf("compressing (attempt %d/%d, quality %d%%)", attempt, maxEncodeAttempts, int(math.Round(quality*100))))

		var err error
		out, err = encode(img, format, quality)
		if err != nil {
			return nil, quality, err
		}
		if int64(len(out)) <= maxSize || format == "png" {
			// PNG is lossless, another attempt would produce the same bytes
			return out, quality, nil
		}

		quality = math.Max(minQuality, quality-qualityStep)
	}

	return out, quality, nil
}

func encode(img image.Image, format string, quality float64) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		q := int(math.Round(quality * 100))
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}

	return buf.Bytes(), nil
}

func outputName(name, format string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch format {
	case "png":
		if ext == ".png" {
			return name
		}
		return strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
	default:
		if ext == ".jpg" || ext == ".jpeg" {
			return name
		}
		return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
	}
}
