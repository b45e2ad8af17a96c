package chunkuploader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Session is the state of one chunked upload. All mutation goes through its
// mutex; workers only ever hold copies of chunks.
type Session struct {
	ID          string
	FileName    string
	FileSize    int64
	Fingerprint string
	StartTime   time.Time

	file   File
	cancel context.CancelFunc
	now    func() time.Time

	mu               sync.Mutex
	chunks           []Chunk
	completed        map[int]struct{}
	bytesTransferred int64
	lastUpdate       time.Time
	failure          *SessionError
	cancelled        bool
}

func newSession(id string, file File, fingerprint string, chunks []Chunk, now func() time.Time) *Session {
	start := now()
	return &Session{
		ID:          id,
		FileName:    file.Name(),
		FileSize:    file.Size(),
		Fingerprint: fingerprint,
		StartTime:   start,
		file:        file,
		now:         now,
		chunks:      chunks,
		completed:   map[int]struct{}{},
		lastUpdate:  start,
	}
}

// claimNext moves the first pending chunk to uploading and returns a copy of it.
// Nothing is claimed once the session failed or was cancelled.
func (s *Session) claimNext() (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil || s.cancelled {
		return Chunk{}, false
	}

	for i := range s.chunks {
		if s.chunks[i].State == ChunkPending {
			s.chunks[i].State = ChunkUploading
			return s.chunks[i], true
		}
	}

	return Chunk{}, false
}

func (s *Session) markCompleted(index int) (Chunk, Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := &s.chunks[index]
	chunk.State = ChunkCompleted
	if _, ok := s.completed[index]; !ok {
		s.completed[index] = struct{}{}
		s.bytesTransferred += chunk.Size
	}
	s.lastUpdate = s.now()

	return *chunk, s.progressLocked()
}

// markAttemptFailed records a failed attempt. It returns true if the chunk has
// attempts left; otherwise the chunk and the session are marked failed.
func (s *Session) markAttemptFailed(index int, err error, maxAttempts int) (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk := &s.chunks[index]
	chunk.RetryCount++
	s.lastUpdate = s.now()

	if chunk.RetryCount < maxAttempts {
		return *chunk, true
	}

	chunk.State = ChunkFailed
	if s.failure == nil {
		s.failure = &SessionError{UploadID: s.ID, ChunkIndex: index, Err: err}
	}
	return *chunk, false
}

// requeue puts an uploading chunk back to pending.
func (s *Session) requeue(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunks[index].State == ChunkUploading {
		s.chunks[index].State = ChunkPending
	}
}

// markResumed marks the given indices completed without transferring them and
// returns the indices that are outside of the plan.
func (s *Session) markResumed(indices []int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ignored []int
	for _, index := range indices {
		if index < 0 || index >= len(s.chunks) {
			ignored = append(ignored, index)
			continue
		}
		if _, ok := s.completed[index]; ok {
			continue
		}
		s.chunks[index].State = ChunkCompleted
		s.completed[index] = struct{}{}
		s.bytesTransferred += s.chunks[index].Size
	}

	return ignored
}

func (s *Session) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancelled reports whether the session was cancelled.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Err returns the terminal error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// Chunks returns a copy of the chunk list.
func (s *Session) Chunks() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := make([]Chunk, len(s.chunks))
	copy(chunks, s.chunks)
	return chunks
}

// CompletedIndices returns the sorted indices of completed chunks.
func (s *Session) CompletedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]int, 0, len(s.completed))
	for index := range s.completed {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// Done reports whether every chunk is completed.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed) == len(s.chunks)
}

// Progress returns the current progress of the session.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Session) progressLocked() Progress {
	p := ComputeProgress(len(s.chunks), len(s.completed), s.FileSize, s.bytesTransferred, s.now().Sub(s.StartTime))
	p.UploadID = s.ID
	return p
}

// Registry holds the active sessions by upload ID.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Add registers a session. Upload IDs must be unique.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("upload %s is already in progress", s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters and returns the session with the given ID.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// RemoveSession unregisters s only if it is still the session registered
// under its ID.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ID] != s {
		return false
	}
	delete(r.sessions, s.ID)
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the sorted IDs of the registered sessions.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
