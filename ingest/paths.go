package ingest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// EvaluatePaths expands glob patterns (doublestar syntax, e.g. photos/**/*.jpg)
// and returns the absolute paths of the existing files. Missing paths and
// directories are skipped with a warning.
func (p *Pipeline) EvaluatePaths(patterns []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range patterns {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := p.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			p.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			p.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := p.pathModifier.AbsPath(path)
		if err != nil {
			p.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := p.pathChecker.IsPathExists(absPath)
		if err != nil {
			p.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			p.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		isDir, err := p.pathChecker.IsDirExists(absPath)
		if err == nil && isDir {
			p.logger.Warnf("Skipping directory: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

func fileName(path string) string {
	return filepath.Base(path)
}
