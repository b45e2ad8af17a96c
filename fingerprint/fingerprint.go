// Package fingerprint computes content fingerprints used to recognise the same
// blob across runs: a full-content hash for the compression cache and a cheap
// prefix hash for matching resumable uploads.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// PrefixLimit is the number of leading bytes hashed by Prefix.
const PrefixLimit int64 = 2 * 1024 * 1024

// Full returns the hex-encoded SHA-256 of everything read from r.
func Full(r io.Reader) (string, error) {
	hash := sha256.New()

	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Prefix returns the hex-encoded SHA-256 of the first PrefixLimit bytes
// followed by "_" and the decimal size.
//
// Two files sharing the same prefix and size collide. This is good enough to
// find an unfinished upload of the same file; it is not an integrity check.
func Prefix(r io.ReaderAt, size int64) (string, error) {
	return PrefixN(r, size, PrefixLimit)
}

// PrefixN is Prefix with a custom limit.
func PrefixN(r io.ReaderAt, size, limit int64) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("invalid size: %d", size)
	}

	n := size
	if limit > 0 && n > limit {
		n = limit
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, io.NewSectionReader(r, 0, n)); err != nil {
		return "", fmt.Errorf("hash prefix: %w", err)
	}

	return fmt.Sprintf("%s_%d", hex.EncodeToString(hash.Sum(nil)), size), nil
}

// File returns the full fingerprint of the file at path.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	return Full(file)
}
