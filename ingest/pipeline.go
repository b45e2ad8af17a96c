// Package ingest ties compression, caching and chunked upload together.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-ingest/compression"
	"github.com/bitrise-io/go-ingest/compressioncache"
	"github.com/bitrise-io/go-ingest/network"
	"github.com/bitrise-io/go-ingest/network/chunkuploader"
	"github.com/bitrise-io/go-ingest/source"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

const (
	// DefaultChunkThreshold is the largest file sent in a single request.
	DefaultChunkThreshold = 10 * units.MiB
	// MinCompressSize is the smallest input worth compressing.
	MinCompressSize = 1 * units.MiB
)

// Params configures a Pipeline.
type Params struct {
	Uploader *chunkuploader.Uploader
	// Cache may be nil to compress without caching.
	Cache              *compressioncache.Cache
	Source             source.Provider
	Compress           bool
	Compression        compression.Options
	ChunkThreshold     int64
	DirectEndpointPath string
}

// Result describes one uploaded input.
type Result struct {
	URL         string
	FileName    string
	Size        int64
	Chunked     bool
	Resumed     bool
	Compression *compression.Result
}

// Pipeline uploads files, compressing images first when enabled.
type Pipeline struct {
	uploader       *chunkuploader.Uploader
	cache          *compressioncache.Cache
	source         source.Provider
	compress       bool
	compressOpts   compression.Options
	chunkThreshold int64
	directPath     string
	logger         log.Logger
	pathModifier   pathutil.PathModifier
	pathChecker    pathutil.PathChecker
	closers        []io.Closer
}

// New creates a pipeline.
func New(params Params, logger log.Logger) *Pipeline {
	if logger == nil {
		logger = log.NewLogger()
	}
	if params.Source == nil {
		params.Source = source.NewDefaultProvider(logger)
	}
	if params.ChunkThreshold <= 0 {
		params.ChunkThreshold = DefaultChunkThreshold
	}

	return &Pipeline{
		uploader:       params.Uploader,
		cache:          params.Cache,
		source:         params.Source,
		compress:       params.Compress,
		compressOpts:   params.Compression,
		chunkThreshold: params.ChunkThreshold,
		directPath:     params.DirectEndpointPath,
		logger:         logger,
		pathModifier:   pathutil.NewPathModifier(),
		pathChecker:    pathutil.NewPathChecker(),
	}
}

// Uploader returns the underlying chunk uploader.
func (p *Pipeline) Uploader() *chunkuploader.Uploader {
	return p.uploader
}

// Upload sends file in a single request when it is at most ChunkThreshold
// bytes, and as a chunked upload otherwise. A chunked upload continues a
// matching unfinished upload when the endpoint knows one.
func (p *Pipeline) Upload(ctx context.Context, file chunkuploader.File) (Result, error) {
	result := Result{FileName: file.Name(), Size: file.Size()}

	if file.Size() <= p.chunkThreshold {
		p.logger.Debugf("Uploading %s (%s) in a single request", file.Name(), units.BytesSize(float64(file.Size())))
		url, err := p.uploader.DirectUpload(ctx, file, p.directPath)
		if err != nil {
			return Result{}, err
		}
		result.URL = url
		return result, nil
	}

	result.Chunked = true

	if uploadID, ok := p.uploader.CheckResumable(ctx, file); ok {
		p.logger.Infof("Resuming upload %s of %s", uploadID, file.Name())
		url, err := p.uploader.Resume(ctx, uploadID, file)
		switch {
		case err == nil:
			result.URL = url
			result.Resumed = true
			return result, nil
		case errors.Is(err, network.ErrNotFound):
			p.logger.Warnf("Upload %s is gone on the server, starting over", uploadID)
		default:
			return Result{}, err
		}
	}

	url, err := p.uploader.Upload(ctx, file)
	if err != nil {
		return Result{}, err
	}
	result.URL = url
	return result, nil
}

// SmartCompress compresses data unless compression is disabled or data is
// smaller than MinCompressSize. Results are cached when a cache is set.
func (p *Pipeline) SmartCompress(ctx context.Context, name string, data []byte, progress compression.ProgressFunc) (compression.Result, error) {
	if !p.compress || len(data) < MinCompressSize {
		return compression.Result{
			Data:           data,
			FileName:       name,
			OriginalSize:   int64(len(data)),
			CompressedSize: int64(len(data)),
		}, nil
	}

	compressor := compression.ForName(name, p.logger)
	return compressioncache.CompressWithCache(ctx, p.cache, compressor, name, data, p.compressOpts, progress)
}

// CompressAndUpload compresses data when worthwhile and uploads the result.
func (p *Pipeline) CompressAndUpload(ctx context.Context, name string, data []byte, progress compression.ProgressFunc) (Result, error) {
	compressed, err := p.SmartCompress(ctx, name, data, progress)
	if err != nil {
		return Result{}, fmt.Errorf("compress %s: %w", name, err)
	}

	if compressed.CompressedSize < compressed.OriginalSize {
		p.logger.Infof("Compressed %s: %s -> %s (%.2f%% saved)", name,
			units.BytesSize(float64(compressed.OriginalSize)),
			units.BytesSize(float64(compressed.CompressedSize)),
			compressed.CompressionRatio)
	}

	result, err := p.Upload(ctx, chunkuploader.NewBytesFile(compressed.FileName, compressed.Data))
	if err != nil {
		return Result{}, err
	}
	result.Compression = &compressed
	return result, nil
}

// UploadPath resolves path (local or remote) and uploads it. Images are
// compressed first when compression is enabled.
func (p *Pipeline) UploadPath(ctx context.Context, path string) (Result, error) {
	localPath, err := p.source.LocalPath(ctx, path)
	if err != nil {
		return Result{}, err
	}

	if p.compress && compression.IsImage(localPath) {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", localPath, err)
		}
		return p.CompressAndUpload(ctx, fileName(localPath), data, nil)
	}

	file, err := chunkuploader.OpenFile(localPath)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			p.logger.Warnf("Failed to close %s: %s", localPath, err)
		}
	}()

	return p.Upload(ctx, file)
}

// BatchResult is the outcome of one file in a batch.
type BatchResult struct {
	Path   string
	Result Result
	Err    error
}

// UploadBatch uploads paths one after the other. onFile, when set, is called
// after each file. A failed file does not stop the batch; cancellation does.
func (p *Pipeline) UploadBatch(ctx context.Context, paths []string, onFile func(index int, r BatchResult)) []BatchResult {
	results := make([]BatchResult, 0, len(paths))

	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			results = append(results, BatchResult{Path: path, Err: err})
			continue
		}

		result, err := p.UploadPath(ctx, path)
		r := BatchResult{Path: path, Result: result, Err: err}
		if err != nil {
			p.logger.Errorf("Failed to upload %s: %s", path, err)
		}
		results = append(results, r)

		if onFile != nil {
			onFile(i, r)
		}
	}

	return results
}

// CacheStats returns the compression cache statistics.
func (p *Pipeline) CacheStats(ctx context.Context) (compressioncache.Stats, error) {
	if p.cache == nil {
		return compressioncache.Stats{}, nil
	}
	return p.cache.Stats(ctx)
}

// ClearCache removes every cached compression result.
func (p *Pipeline) ClearCache(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Clear(ctx)
}

// EvictExpired removes expired cache entries.
func (p *Pipeline) EvictExpired(ctx context.Context) (int, error) {
	if p.cache == nil {
		return 0, nil
	}
	return p.cache.EvictExpired(ctx)
}

// Close releases the resources the pipeline was built with.
func (p *Pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
