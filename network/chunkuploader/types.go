// Package chunkuploader splits a file into fixed-size chunks and uploads them
// to a remote Endpoint with bounded concurrency, per-chunk retries and hung
// request detection. Interrupted uploads can be resumed by fingerprint.
package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ChunkState is the lifecycle state of a single chunk.
type ChunkState string

// Chunk states. A chunk moves pending -> uploading -> completed, or back to
// pending after a failed attempt, or to failed once attempts are exhausted.
const (
	ChunkPending   ChunkState = "pending"
	ChunkUploading ChunkState = "uploading"
	ChunkCompleted ChunkState = "completed"
	ChunkFailed    ChunkState = "failed"
)

// Chunk is a contiguous byte range of the file being uploaded.
type Chunk struct {
	Index int
	// Start is inclusive, End is exclusive.
	Start      int64
	End        int64
	Size       int64
	RetryCount int
	State      ChunkState
}

// File is the content being uploaded. ReadAt must be safe for concurrent use,
// as *os.File and *bytes.Reader are.
type File interface {
	io.ReaderAt
	Name() string
	Size() int64
}

// InitRequest announces a new chunked upload to the endpoint.
type InitRequest struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	FileHash    string `json:"fileHash"`
}

// ChunkRequest carries the payload of one chunk.
type ChunkRequest struct {
	UploadID    string
	FileName    string
	FileSize    int64
	ChunkIndex  int
	TotalChunks int
	Data        []byte
}

// DirectRequest uploads a whole file in a single request.
type DirectRequest struct {
	FileName string
	Data     []byte
	// EndpointPath overrides the endpoint's default direct upload target.
	EndpointPath string
}

// Endpoint is the remote side of a chunked upload.
type Endpoint interface {
	InitUpload(ctx context.Context, req InitRequest) error
	UploadChunk(ctx context.Context, req ChunkRequest) error
	// CompleteUpload assembles the chunks and returns the final resource URL.
	CompleteUpload(ctx context.Context, uploadID, fileName string, totalChunks int) (string, error)
	CancelUpload(ctx context.Context, uploadID string) error
	// CheckResumable returns the upload ID of an unfinished upload with the
	// given fingerprint, or an empty string if there is none.
	CheckResumable(ctx context.Context, fileHash string) (string, error)
	// GetUploadStatus returns the indices of the chunks the endpoint holds.
	GetUploadStatus(ctx context.Context, uploadID string) ([]int, error)
	DirectUpload(ctx context.Context, req DirectRequest) (string, error)
}

var (
	// ErrInvalidChunkSize is returned when planning with a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	// ErrEmptyFile is returned when planning a chunked upload of an empty file.
	ErrEmptyFile = errors.New("file is empty")
	// ErrUploadCancelled is returned by Upload and Resume when the session was cancelled.
	ErrUploadCancelled = errors.New("upload cancelled")
)

// SessionError is the terminal error of an upload session whose chunk
// exhausted its attempts.
type SessionError struct {
	UploadID   string
	ChunkIndex int
	Err        error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("upload %s: chunk %d failed: %s", e.UploadID, e.ChunkIndex, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
