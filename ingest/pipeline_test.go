package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-ingest/compression"
	"github.com/bitrise-io/go-ingest/compressioncache"
	"github.com/bitrise-io/go-ingest/network"
	"github.com/bitrise-io/go-ingest/network/chunkuploader"
	"github.com/bitrise-io/go-ingest/network/mockserver"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "token"

type testEnv struct {
	mock     *mockserver.Server
	server   *httptest.Server
	pipeline *Pipeline
	cache    *compressioncache.Cache
}

func newTestEnv(t *testing.T, compress bool) *testEnv {
	t.Helper()
	logger := log.NewLogger()

	mock := mockserver.New(testToken, logger)
	server := httptest.NewServer(mock.Handler())
	mock.SetPublicURL(server.URL)
	t.Cleanup(server.Close)

	retryClient := retryhttp.NewClient(logger)
	retryClient.RetryMax = 0
	client, err := network.NewAPIClient(retryClient, nil, network.APIParams{BaseURL: server.URL + "/api", AccessToken: testToken}, logger)
	require.NoError(t, err)

	config := chunkuploader.DefaultConfig()
	config.ChunkSize = 40
	config.Concurrency = 1
	config.MaxRetryPerChunk = 1
	config.RetryDelay = time.Millisecond
	config.HungThreshold = 0

	cache := compressioncache.New(compressioncache.NewMemoryStore(), compressioncache.DefaultConfig(), logger, nil)

	pipeline := New(Params{
		Uploader:       chunkuploader.New(client, config, logger),
		Cache:          cache,
		Compress:       compress,
		Compression:    compression.DefaultOptions(),
		ChunkThreshold: 100,
	}, logger)

	return &testEnv{mock: mock, server: server, pipeline: pipeline, cache: cache}
}

func download(t *testing.T, url string) []byte {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestPipeline_Upload_Direct(t *testing.T) {
	env := newTestEnv(t, false)
	data := payload(100)

	result, err := env.pipeline.Upload(context.Background(), chunkuploader.NewBytesFile("small.bin", data))
	require.NoError(t, err)

	assert.False(t, result.Chunked)
	assert.Equal(t, int64(100), result.Size)
	assert.Equal(t, data, download(t, result.URL))
}

func TestPipeline_Upload_Empty(t *testing.T) {
	env := newTestEnv(t, false)

	result, err := env.pipeline.Upload(context.Background(), chunkuploader.NewBytesFile("empty.txt", nil))
	require.NoError(t, err)
	assert.False(t, result.Chunked)
}

func TestPipeline_Upload_Chunked(t *testing.T) {
	env := newTestEnv(t, false)
	data := payload(150)

	result, err := env.pipeline.Upload(context.Background(), chunkuploader.NewBytesFile("big.bin", data))
	require.NoError(t, err)

	assert.True(t, result.Chunked)
	assert.False(t, result.Resumed)
	assert.Equal(t, data, download(t, result.URL))
}

func TestPipeline_Upload_Resumes(t *testing.T) {
	env := newTestEnv(t, false)
	data := payload(160)
	file := chunkuploader.NewBytesFile("big.bin", data)

	env.mock.SetChunkHook(func(uploadID string, chunkIndex int) error {
		if chunkIndex == 2 {
			return errors.New("disk full")
		}
		return nil
	})
	_, err := env.pipeline.Uploader().Upload(context.Background(), file)
	require.Error(t, err)
	env.mock.SetChunkHook(nil)

	result, err := env.pipeline.Upload(context.Background(), file)
	require.NoError(t, err)

	assert.True(t, result.Resumed)
	assert.Equal(t, data, download(t, result.URL))
}

func TestPipeline_SmartCompress(t *testing.T) {
	ctx := context.Background()
	compressible := bytes.Repeat([]byte("log line\n"), 2*1024*1024/9)

	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, false)
		result, err := env.pipeline.SmartCompress(ctx, "app.log", compressible, nil)
		require.NoError(t, err)
		assert.Equal(t, compressible, result.Data)
	})

	t.Run("below minimum size", func(t *testing.T) {
		env := newTestEnv(t, true)
		small := []byte("tiny")
		result, err := env.pipeline.SmartCompress(ctx, "app.log", small, nil)
		require.NoError(t, err)
		assert.Equal(t, small, result.Data)
		assert.Equal(t, 0.0, result.CompressionRatio)
	})

	t.Run("compressed and cached", func(t *testing.T) {
		env := newTestEnv(t, true)

		first, err := env.pipeline.SmartCompress(ctx, "app.log", compressible, nil)
		require.NoError(t, err)
		assert.Equal(t, "app.log.zst", first.FileName)
		assert.Less(t, first.CompressedSize, first.OriginalSize)

		second, err := env.pipeline.SmartCompress(ctx, "app.log", compressible, nil)
		require.NoError(t, err)
		assert.Equal(t, first.Data, second.Data)

		stats, err := env.pipeline.CacheStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Count)
	})
}

func TestPipeline_CompressAndUpload(t *testing.T) {
	env := newTestEnv(t, true)
	data := bytes.Repeat([]byte("0123456789"), 200*1024)

	result, err := env.pipeline.CompressAndUpload(context.Background(), "numbers.txt", data, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Compression)
	assert.Equal(t, "numbers.txt.zst", result.FileName)

	restored, err := compression.Decompress(download(t, result.URL))
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestPipeline_UploadBatch(t *testing.T) {
	env := newTestEnv(t, false)
	dir := t.TempDir()

	first := filepath.Join(dir, "a.bin")
	second := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(first, payload(50), 0600))
	require.NoError(t, os.WriteFile(second, payload(130), 0600))

	var seen []int
	results := env.pipeline.UploadBatch(context.Background(), []string{first, second, filepath.Join(dir, "missing.bin")}, func(index int, r BatchResult) {
		seen = append(seen, index)
	})

	require.Len(t, results, 3)
	assert.Equal(t, []int{0, 1, 2}, seen)

	require.NoError(t, results[0].Err)
	assert.False(t, results[0].Result.Chunked)
	assert.Equal(t, payload(50), download(t, results[0].Result.URL))

	require.NoError(t, results[1].Err)
	assert.True(t, results[1].Result.Chunked)
	assert.Equal(t, payload(130), download(t, results[1].Result.URL))

	assert.Error(t, results[2].Err)
}

func TestPipeline_UploadBatch_Cancelled(t *testing.T) {
	env := newTestEnv(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := env.pipeline.UploadBatch(ctx, []string{"a", "b"}, nil)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestPipeline_CacheMaintenance(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	_, err := env.cache.Put(ctx, "fp", compression.Result{Data: []byte("x"), Width: 1, Height: 1})
	require.NoError(t, err)

	n, err := env.pipeline.EvictExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, env.pipeline.ClearCache(ctx))
	stats, err := env.pipeline.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
}
