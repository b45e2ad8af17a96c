//go:build integration
// +build integration

// Package integration runs the upload pipeline against real backends
// configured through INGEST_* environment variables.
package integration

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-ingest/config"
	"github.com/bitrise-io/go-ingest/fingerprint"
	"github.com/bitrise-io/go-ingest/ingest"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

var logger = log.NewLogger()

func checksumOf(data []byte) string {
	sum, err := fingerprint.Full(bytes.NewReader(data))
	if err != nil {
		panic(err)
	}
	return sum
}

func randomData(size int) []byte {
	data := make([]byte, size)
	_, _ = rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

// newPipeline builds a pipeline from the environment, skipping the test when
// no backend is configured.
func newPipeline(t *testing.T) *ingest.Pipeline {
	t.Helper()

	cfg, err := config.Load(env.NewRepository(), "")
	if err != nil {
		t.Skipf("Backend not configured: %s", err)
	}
	cfg.Cache.Backend = config.CacheMemory

	p, err := ingest.Build(context.Background(), cfg, logger, nil)
	if err != nil {
		t.Fatalf("build pipeline: %s", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("close pipeline: %s", err)
		}
	})
	return p
}

// downloadChecksum fetches url and returns the checksum of its content.
func downloadChecksum(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return checksumOf(data), nil
}
