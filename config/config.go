// Package config loads the ingest configuration from an optional YAML file
// and INGEST_* environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Backends
const (
	BackendAPI = "api"
	BackendS3  = "s3"

	CacheBadger = "badger"
	CacheRedis  = "redis"
	CacheMemory = "memory"
)

// Environment keys
const (
	EnvAPIURL            = "INGEST_API_URL"
	EnvAPIToken          = "INGEST_API_TOKEN"
	EnvBackend           = "INGEST_BACKEND"
	EnvChunkSize         = "INGEST_CHUNK_SIZE"
	EnvChunkThreshold    = "INGEST_CHUNK_THRESHOLD"
	EnvConcurrency       = "INGEST_CONCURRENCY"
	EnvMaxRetries        = "INGEST_MAX_RETRIES"
	EnvRetryDelay        = "INGEST_RETRY_DELAY"
	EnvChunkTimeout      = "INGEST_CHUNK_TIMEOUT"
	EnvDirectEndpoint    = "INGEST_DIRECT_ENDPOINT"
	EnvS3Bucket          = "INGEST_S3_BUCKET"
	EnvS3Region          = "INGEST_S3_REGION"
	EnvS3Prefix          = "INGEST_S3_PREFIX"
	EnvS3Endpoint        = "INGEST_S3_ENDPOINT"
	EnvS3AccessKeyID     = "INGEST_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "INGEST_S3_SECRET_ACCESS_KEY"
	EnvCacheBackend      = "INGEST_CACHE_BACKEND"
	EnvCacheDir          = "INGEST_CACHE_DIR"
	EnvCacheRedisAddr    = "INGEST_CACHE_REDIS_ADDR"
	EnvCacheMaxEntries   = "INGEST_CACHE_MAX_ENTRIES"
	EnvCacheMaxAge       = "INGEST_CACHE_MAX_AGE"
	EnvCacheMaxSize      = "INGEST_CACHE_MAX_SIZE"
	EnvCompress          = "INGEST_COMPRESS"
	EnvMaxWidth          = "INGEST_MAX_WIDTH"
	EnvMaxHeight         = "INGEST_MAX_HEIGHT"
	EnvQuality           = "INGEST_QUALITY"
)

// Secret is a string that is masked when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Size is a byte count. In YAML and the environment it may be written in
// binary units, e.g. "5MB" is 5 MiB.
type Size int64

// ParseSize parses a human readable size.
func ParseSize(s string) (Size, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return Size(n), nil
}

// UnmarshalYAML ...
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	size, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*s = size
	return nil
}

// String ...
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// API configures the REST backend.
type API struct {
	URL            string `yaml:"url"`
	Token          Secret `yaml:"token"`
	DirectEndpoint string `yaml:"direct_endpoint"`
}

// S3 configures the S3 backend.
type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey Secret `yaml:"secret_access_key"`
}

// Upload configures chunking and retries.
type Upload struct {
	// ChunkSize 0 picks a size from the file size.
	ChunkSize Size `yaml:"chunk_size"`
	// Files up to ChunkThreshold are sent in a single request.
	ChunkThreshold Size          `yaml:"chunk_threshold"`
	Concurrency    int           `yaml:"concurrency"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`
}

// Cache configures the compression cache.
type Cache struct {
	Backend    string        `yaml:"backend"`
	Dir        string        `yaml:"dir"`
	RedisAddr  string        `yaml:"redis_addr"`
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
	MaxSize    Size          `yaml:"max_size"`
}

// Compression configures image compression before upload.
type Compression struct {
	Enabled   bool    `yaml:"enabled"`
	MaxWidth  int     `yaml:"max_width"`
	MaxHeight int     `yaml:"max_height"`
	Quality   float64 `yaml:"quality"`
}

// Config is the complete ingest configuration.
type Config struct {
	Backend     string      `yaml:"backend"`
	API         API         `yaml:"api"`
	S3          S3          `yaml:"s3"`
	Upload      Upload      `yaml:"upload"`
	Cache       Cache       `yaml:"cache"`
	Compression Compression `yaml:"compression"`
}

// Default returns the configuration used for unset values.
func Default() Config {
	return Config{
		Backend: BackendAPI,
		Upload: Upload{
			ChunkSize:      5 * units.MiB,
			ChunkThreshold: 10 * units.MiB,
			Concurrency:    3,
			MaxRetries:     3,
			RetryDelay:     time.Second,
			ChunkTimeout:   60 * time.Second,
		},
		Cache: Cache{
			Backend:    CacheBadger,
			MaxEntries: 100,
			MaxAge:     7 * 24 * time.Hour,
			MaxSize:    100 * units.MiB,
		},
		Compression: Compression{
			Enabled:   true,
			MaxWidth:  2048,
			MaxHeight: 2048,
			Quality:   0.8,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides from envRepo and validates the result.
func Load(envRepo env.Repository, path string) (Config, error) {
	cfg, err := Read(envRepo, path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Read is Load without validation, for commands that only need part of the
// configuration.
func Read(envRepo env.Repository, path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, envRepo); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config, envRepo env.Repository) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := envRepo.Get(key); v != "" {
			*dst = v
		}
	}
	secret := func(key string, dst *Secret) {
		if v := envRepo.Get(key); v != "" {
			*dst = Secret(v)
		}
	}
	integer := func(key string, dst *int) {
		if v := envRepo.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := envRepo.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := envRepo.Get(key); v != "" {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := envRepo.Get(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
				return
			}
			*dst = d
		}
	}
	size := func(key string, dst *Size) {
		if v := envRepo.Get(key); v != "" {
			s, err := ParseSize(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid size %q", key, v))
				return
			}
			*dst = s
		}
	}

	str(EnvBackend, &cfg.Backend)

	str(EnvAPIURL, &cfg.API.URL)
	secret(EnvAPIToken, &cfg.API.Token)
	str(EnvDirectEndpoint, &cfg.API.DirectEndpoint)

	str(EnvS3Bucket, &cfg.S3.Bucket)
	str(EnvS3Region, &cfg.S3.Region)
	str(EnvS3Prefix, &cfg.S3.Prefix)
	str(EnvS3Endpoint, &cfg.S3.Endpoint)
	str(EnvS3AccessKeyID, &cfg.S3.AccessKeyID)
	secret(EnvS3SecretAccessKey, &cfg.S3.SecretAccessKey)

	size(EnvChunkSize, &cfg.Upload.ChunkSize)
	size(EnvChunkThreshold, &cfg.Upload.ChunkThreshold)
	integer(EnvConcurrency, &cfg.Upload.Concurrency)
	integer(EnvMaxRetries, &cfg.Upload.MaxRetries)
	duration(EnvRetryDelay, &cfg.Upload.RetryDelay)
	duration(EnvChunkTimeout, &cfg.Upload.ChunkTimeout)

	str(EnvCacheBackend, &cfg.Cache.Backend)
	str(EnvCacheDir, &cfg.Cache.Dir)
	str(EnvCacheRedisAddr, &cfg.Cache.RedisAddr)
	integer(EnvCacheMaxEntries, &cfg.Cache.MaxEntries)
	duration(EnvCacheMaxAge, &cfg.Cache.MaxAge)
	size(EnvCacheMaxSize, &cfg.Cache.MaxSize)

	boolean(EnvCompress, &cfg.Compression.Enabled)
	integer(EnvMaxWidth, &cfg.Compression.MaxWidth)
	integer(EnvMaxHeight, &cfg.Compression.MaxHeight)
	float(EnvQuality, &cfg.Compression.Quality)

	return errors.Join(errs...)
}

// parseBool accepts the spellings used in step inputs as well.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1", "on":
		return true, nil
	case "no", "n", "false", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

// Validate checks that the selected backends are fully configured.
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendAPI:
		if c.API.URL == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s backend", EnvAPIURL, BackendAPI))
		} else if _, err := url.ParseRequestURI(c.API.URL); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid URL: %w", EnvAPIURL, err))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s backend", EnvS3Bucket, BackendS3))
		}
		if c.S3.Region == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s backend", EnvS3Region, BackendS3))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q, expected %s or %s", c.Backend, BackendAPI, BackendS3))
	}

	if c.Upload.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunk size must not be negative"))
	}
	if c.Upload.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must not be negative"))
	}
	if c.Upload.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max retries must be at least 1"))
	}

	switch c.Cache.Backend {
	case CacheBadger, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%s is required for the %s cache", EnvCacheRedisAddr, CacheRedis))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if c.Compression.Quality <= 0 || c.Compression.Quality > 1 {
		errs = append(errs, fmt.Errorf("quality must be in (0, 1], got %v", c.Compression.Quality))
	}

	return errors.Join(errs...)
}

// String renders the configuration with secrets masked.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Configuration:\n")
	fmt.Fprintf(&b, "- backend: %s\n", c.Backend)
	switch c.Backend {
	case BackendAPI:
		fmt.Fprintf(&b, "- api url: %s\n", c.API.URL)
		fmt.Fprintf(&b, "- api token: %s\n", c.API.Token)
	case BackendS3:
		fmt.Fprintf(&b, "- s3 bucket: %s (%s)\n", c.S3.Bucket, c.S3.Region)
		fmt.Fprintf(&b, "- s3 secret access key: %s\n", c.S3.SecretAccessKey)
	}
	fmt.Fprintf(&b, "- chunk size: %s\n", c.Upload.ChunkSize)
	fmt.Fprintf(&b, "- chunk threshold: %s\n", c.Upload.ChunkThreshold)
	fmt.Fprintf(&b, "- concurrency: %d\n", c.Upload.Concurrency)
	fmt.Fprintf(&b, "- max retries: %d\n", c.Upload.MaxRetries)
	fmt.Fprintf(&b, "- cache: %s (max %d entries, %s)\n", c.Cache.Backend, c.Cache.MaxEntries, c.Cache.MaxSize)
	fmt.Fprintf(&b, "- compression: %t\n", c.Compression.Enabled)
	return b.String()
}
