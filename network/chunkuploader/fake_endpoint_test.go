package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// fakeEndpoint records every call and stores chunk payloads in memory.
type fakeEndpoint struct {
	mu sync.Mutex

	inits     []InitRequest
	chunks    map[int][]byte
	attempts  map[int]int
	completed []int
	cancelled []string

	// failChunk returns an error for the given index and attempt (1-based).
	failChunk func(index, attempt int) error
	// blockChunk makes UploadChunk wait for ctx cancellation.
	blockChunk func(index int) bool

	resumable    map[string]string
	status       map[string][]int
	cancelErr    error
	initErr      error
	completeURL  string
	completeErrs int
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		chunks:      map[int][]byte{},
		attempts:    map[int]int{},
		resumable:   map[string]string{},
		status:      map[string][]int{},
		completeURL: "https://files.example.com/blob",
	}
}

func (f *fakeEndpoint) InitUpload(_ context.Context, req InitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inits = append(f.inits, req)
	return f.initErr
}

func (f *fakeEndpoint) UploadChunk(ctx context.Context, req ChunkRequest) error {
	f.mu.Lock()
	f.attempts[req.ChunkIndex]++
	attempt := f.attempts[req.ChunkIndex]
	failChunk := f.failChunk
	blockChunk := f.blockChunk
	f.mu.Unlock()

	if blockChunk != nil && blockChunk(req.ChunkIndex) {
		<-ctx.Done()
		return ctx.Err()
	}

	if failChunk != nil {
		if err := failChunk(req.ChunkIndex, attempt); err != nil {
			return err
		}
	}

	data := make([]byte, len(req.Data))
	copy(data, req.Data)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[req.ChunkIndex] = data
	return nil
}

func (f *fakeEndpoint) CompleteUpload(_ context.Context, uploadID, fileName string, totalChunks int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.completeErrs > 0 {
		f.completeErrs--
		return "", errors.New("assembly failed")
	}
	if len(f.chunks)+len(f.status[uploadID]) < totalChunks {
		return "", fmt.Errorf("missing chunks: have %d, want %d", len(f.chunks)+len(f.status[uploadID]), totalChunks)
	}

	f.completed = append(f.completed, totalChunks)
	return f.completeURL, nil
}

func (f *fakeEndpoint) CancelUpload(_ context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, uploadID)
	return f.cancelErr
}

func (f *fakeEndpoint) CheckResumable(_ context.Context, fileHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.resumable[fileHash]; ok {
		return id, nil
	}
	return "", nil
}

func (f *fakeEndpoint) GetUploadStatus(_ context.Context, uploadID string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	indices, ok := f.status[uploadID]
	if !ok {
		return nil, fmt.Errorf("unknown upload %s", uploadID)
	}
	return indices, nil
}

func (f *fakeEndpoint) DirectUpload(_ context.Context, req DirectRequest) (string, error) {
	return "https://files.example.com/" + req.FileName, nil
}

func (f *fakeEndpoint) uploadedIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	indices := make([]int, 0, len(f.chunks))
	for index := range f.chunks {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

func (f *fakeEndpoint) attemptsFor(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[index]
}
