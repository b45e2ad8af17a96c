package source

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPath_Local(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(file, []byte("jpeg"), 0600))

	provider := NewDefaultProvider(log.NewLogger())

	for _, input := range []string{file, "file://" + file} {
		got, err := provider.LocalPath(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, file, got)
	}
}

func TestLocalPath_RemoteURL(t *testing.T) {
	content := bytes.Repeat([]byte("remote image "), 1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "photo.jpg", time.Time{}, bytes.NewReader(content))
	}))
	defer server.Close()

	provider := NewDefaultProvider(log.NewLogger())

	localPath, err := provider.LocalPath(context.Background(), server.URL+"/images/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", filepath.Base(localPath))

	data, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestLocalPath_RemoteNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	provider := NewDefaultProvider(log.NewLogger())

	_, err := provider.LocalPath(context.Background(), server.URL+"/missing.jpg")
	require.Error(t, err)
}

func TestFileNameFromURL(t *testing.T) {
	name, err := fileNameFromURL("https://cdn.example.com/a/b/cover.png?x=1")
	require.NoError(t, err)
	assert.Equal(t, "cover.png", name)

	name, err = fileNameFromURL("https://cdn.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "download", name)
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://x/y"))
	assert.True(t, IsRemote("http://x/y"))
	assert.False(t, IsRemote("file:///tmp/a"))
	assert.False(t, IsRemote("/tmp/a"))
}
