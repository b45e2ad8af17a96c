package compressioncache

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-ingest/compression"
	"github.com/bitrise-io/go-ingest/fingerprint"
)

// CompressWithCache returns the latest cached result for data produced under
// the same compressor profile, and compresses and caches data otherwise. A nil
// cache only compresses. Cache write failures are logged, never returned.
func CompressWithCache(
	ctx context.Context,
	cache *Cache,
	compressor compression.Compressor,
	name string,
	data []byte,
	opts compression.Options,
	progress compression.ProgressFunc,
) (compression.Result, error) {
	if cache == nil {
		return compressor.Compress(ctx, name, data, opts, progress)
	}

	fp, err := fingerprint.Full(bytes.NewReader(data))
	if err != nil {
		return compression.Result{}, err
	}
	profile := compressor.Profile(opts)

	if entry, ok := cache.GetLatestFor(ctx, fp, profile); ok {
		cache.logger.Debugf("Using cached compression of %s (%s)", name, entry.Key)
		if progress != nil {
			progress(compression.Progress{Stage: compression.StageCompleted, Percent: 100, Message: "loaded from cache"})
		}
		result := entry.Result()
		result.FileName = renamed(entry.SourceName, result.FileName, name)
		return result, nil
	}

	result, err := compressor.Compress(ctx, name, data, opts, progress)
	if err != nil {
		return compression.Result{}, err
	}

	if _, err := cache.PutFor(ctx, fp, profile, name, result); err != nil {
		cache.logger.Warnf("Failed to cache compression of %s: %s", name, err)
	}

	return result, nil
}

// renamed maps the output name of a cached compression of sourceName onto
// name, e.g. a.log.zst becomes b.txt.zst and a.webp -> a.jpg becomes b.jpg.
func renamed(sourceName, outputName, name string) string {
	if sourceName == "" || sourceName == name {
		return outputName
	}
	if rest, ok := strings.CutPrefix(outputName, sourceName); ok {
		return name + rest
	}
	stem := strings.TrimSuffix(sourceName, filepath.Ext(sourceName))
	if rest, ok := strings.CutPrefix(outputName, stem); ok {
		return strings.TrimSuffix(name, filepath.Ext(name)) + rest
	}
	return outputName
}
