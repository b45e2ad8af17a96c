package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluatePaths(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"photos/a.jpg", "photos/2024/b.jpg", "photos/notes.txt", "c.jpg"} {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0700))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0600))
	}

	p := New(Params{}, log.NewLogger())

	paths, err := p.EvaluatePaths([]string{
		filepath.Join(dir, "photos", "**", "*.jpg"),
		filepath.Join(dir, "c.jpg"),
		filepath.Join(dir, "missing.jpg"),
		filepath.Join(dir, "photos"),
		filepath.Join(dir, "videos", "*.mp4"),
	})
	require.NoError(t, err)

	sort.Strings(paths)
	want := []string{
		filepath.Join(dir, "c.jpg"),
		filepath.Join(dir, "photos", "2024", "b.jpg"),
		filepath.Join(dir, "photos", "a.jpg"),
	}
	sort.Strings(want)
	assert.Equal(t, want, paths)
}
