package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv(EnvAPIURL, "https://example.com/api")
	t.Setenv(EnvAPIToken, "token")
	t.Setenv(EnvChunkSize, "8MB")
	t.Setenv(EnvConcurrency, "6")
	t.Setenv(EnvRetryDelay, "250ms")
	t.Setenv(EnvCompress, "no")
	t.Setenv(EnvQuality, "0.6")

	cfg, err := Load(env.NewRepository(), "")
	require.NoError(t, err)

	assert.Equal(t, BackendAPI, cfg.Backend)
	assert.Equal(t, "https://example.com/api", cfg.API.URL)
	assert.Equal(t, Secret("token"), cfg.API.Token)
	assert.Equal(t, Size(8*1024*1024), cfg.Upload.ChunkSize)
	assert.Equal(t, 6, cfg.Upload.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Upload.RetryDelay)
	assert.False(t, cfg.Compression.Enabled)
	assert.Equal(t, 0.6, cfg.Compression.Quality)

	// untouched defaults
	assert.Equal(t, Size(10*1024*1024), cfg.Upload.ChunkThreshold)
	assert.Equal(t, 3, cfg.Upload.MaxRetries)
	assert.Equal(t, CacheBadger, cfg.Cache.Backend)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
backend: s3
s3:
  bucket: media
  region: eu-west-1
  prefix: uploads
upload:
  chunk_size: 16MB
  chunk_timeout: 2m
cache:
  backend: redis
  redis_addr: localhost:6379
  max_size: 1GB
  max_age: 24h
`)
	t.Setenv(EnvS3Bucket, "override")

	cfg, err := Load(env.NewRepository(), path)
	require.NoError(t, err)

	assert.Equal(t, BackendS3, cfg.Backend)
	assert.Equal(t, "override", cfg.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.Equal(t, "uploads", cfg.S3.Prefix)
	assert.Equal(t, Size(16*1024*1024), cfg.Upload.ChunkSize)
	assert.Equal(t, 2*time.Minute, cfg.Upload.ChunkTimeout)
	assert.Equal(t, CacheRedis, cfg.Cache.Backend)
	assert.Equal(t, Size(1024*1024*1024), cfg.Cache.MaxSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.MaxAge)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		wantErr string
	}{
		{
			name:    "missing api url",
			wantErr: "INGEST_API_URL is required",
		},
		{
			name:    "invalid integer",
			env:     map[string]string{EnvAPIURL: "https://x", EnvConcurrency: "many"},
			wantErr: `INGEST_CONCURRENCY: invalid integer "many"`,
		},
		{
			name:    "invalid size",
			env:     map[string]string{EnvAPIURL: "https://x", EnvChunkSize: "big"},
			wantErr: `INGEST_CHUNK_SIZE: invalid size "big"`,
		},
		{
			name:    "unknown backend",
			env:     map[string]string{EnvBackend: "ftp"},
			wantErr: `unknown backend "ftp"`,
		},
		{
			name:    "s3 without region",
			env:     map[string]string{EnvBackend: "s3", EnvS3Bucket: "b"},
			wantErr: "INGEST_S3_REGION is required",
		},
		{
			name:    "redis without address",
			env:     map[string]string{EnvAPIURL: "https://x", EnvCacheBackend: "redis"},
			wantErr: "INGEST_CACHE_REDIS_ADDR is required",
		},
		{
			name:    "quality out of range",
			env:     map[string]string{EnvAPIURL: "https://x", EnvQuality: "1.5"},
			wantErr: "quality must be in (0, 1]",
		},
		{
			name:    "invalid size in file",
			file:    "upload:\n  chunk_size: lots\n",
			env:     map[string]string{EnvAPIURL: "https://x"},
			wantErr: `invalid size "lots"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}

			_, err := Load(env.NewRepository(), path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(env.NewRepository(), filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestRead_SkipsValidation(t *testing.T) {
	t.Setenv(EnvCacheBackend, CacheMemory)

	_, err := Load(env.NewRepository(), "")
	require.Error(t, err)

	cfg, err := Read(env.NewRepository(), "")
	require.NoError(t, err)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, BackendAPI, cfg.Backend)
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "*****", Secret("token").String())
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.API.URL = "https://example.com"
	cfg.API.Token = "very-secret"

	out := cfg.String()
	assert.Contains(t, out, "https://example.com")
	assert.Contains(t, out, "*****")
	assert.NotContains(t, out, "very-secret")
}

func TestParseSize(t *testing.T) {
	s, err := ParseSize("5MB")
	require.NoError(t, err)
	assert.Equal(t, Size(5*1024*1024), s)
	assert.Equal(t, "5MiB", s.String())

	s, err = ParseSize("1024")
	require.NoError(t, err)
	assert.Equal(t, Size(1024), s)
}
