package chunkuploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFile is a File backed by a file on disk.
type LocalFile struct {
	file *os.File
	name string
	size int64
}

// OpenFile opens the file at path for chunked reading.
func OpenFile(path string) (*LocalFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &LocalFile{
		file: file,
		name: filepath.Base(path),
		size: info.Size(),
	}, nil
}

// ReadAt reads from the underlying file. Safe for parallel chunk reads.
func (f *LocalFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

// Name returns the base name of the file.
func (f *LocalFile) Name() string {
	return f.name
}

// Size returns the size of the file when it was opened.
func (f *LocalFile) Size() int64 {
	return f.size
}

// Close closes the underlying file.
func (f *LocalFile) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// BytesFile is a File backed by an in-memory buffer, e.g. a compression result.
type BytesFile struct {
	*bytes.Reader
	name string
}

// NewBytesFile wraps data as a File.
func NewBytesFile(name string, data []byte) *BytesFile {
	return &BytesFile{
		Reader: bytes.NewReader(data),
		name:   name,
	}
}

// Name returns the file name given at construction.
func (f *BytesFile) Name() string {
	return f.name
}

// ReadChunk reads the byte range of chunk from file.
func ReadChunk(file File, chunk Chunk) ([]byte, error) {
	data := make([]byte, chunk.Size)

	n, err := io.ReadFull(io.NewSectionReader(file, chunk.Start, chunk.Size), data)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d (%d/%d bytes): %w", chunk.Index, n, chunk.Size, err)
	}

	return data, nil
}
