// Package source resolves upload inputs to local files. Inputs are local
// paths, file:// URLs or http(s) URLs that are downloaded first.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

const fileScheme = "file://"

// Provider returns the local path of an upload input.
type Provider interface {
	// LocalPath returns an absolute path for local inputs and downloads
	// remote inputs to a temporary directory.
	LocalPath(ctx context.Context, path string) (string, error)
}

type provider struct {
	client       *http.Client
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewProvider ...
func NewProvider(client *http.Client, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier, logger log.Logger) Provider {
	return &provider{
		client:       client,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		logger:       logger,
	}
}

// NewDefaultProvider downloads through a retrying HTTP client.
func NewDefaultProvider(logger log.Logger) Provider {
	return NewProvider(
		retryhttp.NewClient(logger).StandardClient(),
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		logger,
	)
}

// IsRemote reports whether path is an http(s) URL.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func (p *provider) LocalPath(ctx context.Context, path string) (string, error) {
	if IsRemote(path) {
		return p.download(ctx, path)
	}
	return p.pathModifier.AbsPath(strings.TrimPrefix(path, fileScheme))
}

func (p *provider) download(ctx context.Context, rawURL string) (string, error) {
	fileName, err := fileNameFromURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", rawURL, err)
	}

	tmpDir, err := p.pathProvider.CreateTempDir("ingest-source")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, fileName)
	p.logger.Debugf("Downloading %s to %s", rawURL, localPath)

	downloader := got.New()
	downloader.Client = p.client
	if err := downloader.Do(got.NewDownload(ctx, rawURL, localPath)); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", rawURL, err)
	}

	return localPath, nil
}

func fileNameFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return "download", nil
	}
	return name, nil
}
