package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-ingest/compression"
	"github.com/bitrise-io/go-ingest/compressioncache"
	"github.com/bitrise-io/go-ingest/config"
	"github.com/bitrise-io/go-ingest/metrics"
	"github.com/bitrise-io/go-ingest/network"
	"github.com/bitrise-io/go-ingest/network/chunkuploader"
	"github.com/bitrise-io/go-ingest/source"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/prometheus/client_golang/prometheus"
)

// Build wires a pipeline from cfg. reg may be nil to skip metric registration.
// Close the pipeline to release the cache store.
func Build(ctx context.Context, cfg config.Config, logger log.Logger, reg prometheus.Registerer) (*Pipeline, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	endpoint, err := NewEndpoint(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	uploaderConfig := chunkuploader.DefaultConfig()
	uploaderConfig.ChunkSize = int64(cfg.Upload.ChunkSize)
	uploaderConfig.Concurrency = cfg.Upload.Concurrency
	uploaderConfig.MaxRetryPerChunk = cfg.Upload.MaxRetries
	uploaderConfig.RetryDelay = cfg.Upload.RetryDelay
	uploaderConfig.ChunkTimeout = cfg.Upload.ChunkTimeout
	uploaderConfig.Metrics = metrics.NewUploader(reg)
	uploaderConfig.OnProgress = func(p chunkuploader.Progress) {
		logger.Printf("%s", p)
	}

	var cache *compressioncache.Cache
	if cfg.Compression.Enabled {
		cache, err = OpenCache(ctx, cfg.Cache, logger, reg)
		if err != nil {
			return nil, err
		}
	}

	opts := compression.DefaultOptions()
	opts.MaxWidth = cfg.Compression.MaxWidth
	opts.MaxHeight = cfg.Compression.MaxHeight
	opts.Quality = cfg.Compression.Quality

	p := New(Params{
		Uploader:           chunkuploader.New(endpoint, uploaderConfig, logger),
		Cache:              cache,
		Source:             source.NewDefaultProvider(logger),
		Compress:           cfg.Compression.Enabled,
		Compression:        opts,
		ChunkThreshold:     int64(cfg.Upload.ChunkThreshold),
		DirectEndpointPath: cfg.API.DirectEndpoint,
	}, logger)
	if cache != nil {
		p.closers = append(p.closers, cache)
	}

	return p, nil
}

// NewEndpoint creates the upload endpoint selected by cfg.Backend.
func NewEndpoint(ctx context.Context, cfg config.Config, logger log.Logger) (chunkuploader.Endpoint, error) {
	switch cfg.Backend {
	case config.BackendAPI:
		client, err := network.NewAPIClient(retryhttp.NewClient(logger), nil, network.APIParams{
			BaseURL:          cfg.API.URL,
			AccessToken:      string(cfg.API.Token),
			DirectUploadPath: cfg.API.DirectEndpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.BackendS3:
		endpoint, err := network.NewS3Endpoint(ctx, network.S3Params{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: string(cfg.S3.SecretAccessKey),
			Endpoint:        cfg.S3.Endpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		return endpoint, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// OpenCache opens the configured store and wraps it in a cache.
func OpenCache(ctx context.Context, cfg config.Cache, logger log.Logger, reg prometheus.Registerer) (*compressioncache.Cache, error) {
	store, err := OpenCacheStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return compressioncache.New(store, compressioncache.Config{
		MaxEntries:     cfg.MaxEntries,
		MaxAge:         cfg.MaxAge,
		MaxTotalBytes:  int64(cfg.MaxSize),
		EvictionMargin: compressioncache.DefaultConfig().EvictionMargin,
	}, logger, metrics.NewCache(reg)), nil
}

// OpenCacheStore opens the compression cache store selected by cfg.Backend.
func OpenCacheStore(ctx context.Context, cfg config.Cache, logger log.Logger) (compressioncache.Store, error) {
	switch cfg.Backend {
	case config.CacheMemory:
		return compressioncache.NewMemoryStore(), nil
	case config.CacheRedis:
		store, err := compressioncache.OpenRedisStore(ctx, cfg.RedisAddr, "ingest:cache:")
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CacheBadger, "":
		dir := cfg.Dir
		if dir == "" {
			userCache, err := os.UserCacheDir()
			if err != nil {
				return nil, fmt.Errorf("locate cache directory: %w", err)
			}
			dir = filepath.Join(userCache, "ingest", "compression")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		store, err := compressioncache.OpenBadgerStore(dir, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}
