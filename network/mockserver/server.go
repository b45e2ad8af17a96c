// Package mockserver is an in-memory implementation of the upload REST API.
// It assembles chunked uploads, serves the results and can inject chunk
// failures. It backs the end-to-end tests and the mock-server command.
package mockserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxChunkMemory = 32 << 20

type upload struct {
	id          string
	fileName    string
	fileSize    int64
	totalChunks int
	fileHash    string
	chunks      map[int][]byte
	completed   bool
}

func (u *upload) uploadedBytes() int64 {
	var n int64
	for _, c := range u.chunks {
		n += int64(len(c))
	}
	return n
}

func (u *upload) indices() []int {
	indices := make([]int, 0, len(u.chunks))
	for index := range u.chunks {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// ChunkHook is consulted before a chunk is stored; a non-nil error fails the request.
type ChunkHook func(uploadID string, chunkIndex int) error

// Server holds upload sessions and assembled files in memory.
type Server struct {
	token     string
	publicURL string
	logger    log.Logger

	mu       sync.Mutex
	uploads  map[string]*upload
	byHash   map[string]string
	files    map[string][]byte
	attempts map[string]int
	hook     ChunkHook
	cancels  []string
}

// New creates a server. An empty token disables authentication.
func New(token string, logger log.Logger) *Server {
	return &Server{
		token:    token,
		logger:   logger,
		uploads:  map[string]*upload{},
		byHash:   map[string]string{},
		files:    map[string][]byte{},
		attempts: map[string]int{},
	}
}

// SetPublicURL sets the origin used in returned file URLs.
func (s *Server) SetPublicURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicURL = strings.TrimSuffix(u, "/")
}

// SetChunkHook installs a fault injection hook.
func (s *Server) SetChunkHook(hook ChunkHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ChunkAttempts returns how many times the chunk was sent.
func (s *Server) ChunkAttempts(uploadID string, chunkIndex int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[attemptKey(uploadID, chunkIndex)]
}

// File returns an assembled file by upload ID.
func (s *Server) File(uploadID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[uploadID]
	return data, ok
}

// Cancelled returns the IDs of cancelled uploads.
func (s *Server) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancels...)
}

// Handler returns the HTTP routes. The API is mounted under /api and files
// are served under /files.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/article", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/init-upload", s.handleInit)
		r.Post("/upload-chunk", s.handleChunk)
		r.Post("/complete-upload", s.handleComplete)
		r.Post("/cancel-upload", s.handleCancel)
		r.Get("/check-upload/{fileHash}", s.handleCheck)
		r.Get("/upload-status/{uploadID}", s.handleStatus)
		r.Post("/upload-cover", s.handleDirect)
	})
	r.Get("/files/{uploadID}/{fileName}", s.handleFile)

	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID    string `json:"uploadId"`
		FileName    string `json:"fileName"`
		FileSize    int64  `json:"fileSize"`
		TotalChunks int    `json:"totalChunks"`
		FileHash    string `json:"fileHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %s", err))
		return
	}
	if req.UploadID == "" || req.TotalChunks <= 0 {
		writeError(w, http.StatusBadRequest, "uploadId and totalChunks are required")
		return
	}

	s.mu.Lock()
	s.uploads[req.UploadID] = &upload{
		id:          req.UploadID,
		fileName:    req.FileName,
		fileSize:    req.FileSize,
		totalChunks: req.TotalChunks,
		fileHash:    req.FileHash,
		chunks:      map[int][]byte{},
	}
	if req.FileHash != "" {
		s.byHash[req.FileHash] = req.UploadID
	}
	s.mu.Unlock()

	s.logger.Debugf("Init upload %s (%s, %d chunks)", req.UploadID, req.FileName, req.TotalChunks)
	writeData(w, map[string]string{"uploadId": req.UploadID})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid form: %s", err))
		return
	}

	uploadID := r.FormValue("uploadId")
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunkIndex")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file")
		return
	}

	s.mu.Lock()
	s.attempts[attemptKey(uploadID, index)]++
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(uploadID, index); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok {
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	}
	if index < 0 || index >= u.totalChunks {
		writeError(w, http.StatusBadRequest, "chunkIndex out of range")
		return
	}
	u.chunks[index] = data

	writeData(w, map[string]any{
		"success":        true,
		"chunkIndex":     index,
		"uploadedChunks": len(u.chunks),
		"uploadedBytes":  u.uploadedBytes(),
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID    string `json:"uploadId"`
		FileName    string `json:"fileName"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %s", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[req.UploadID]
	if !ok {
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	}

	var assembled []byte
	for i := 0; i < u.totalChunks; i++ {
		chunk, ok := u.chunks[i]
		if !ok {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("missing chunk %d", i))
			return
		}
		assembled = append(assembled, chunk...)
	}
	if u.fileSize > 0 && int64(len(assembled)) != u.fileSize {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("size mismatch: %d != %d", len(assembled), u.fileSize))
		return
	}

	u.completed = true
	u.chunks = nil
	s.files[u.id] = assembled
	delete(s.byHash, u.fileHash)

	s.logger.Debugf("Completed upload %s (%d bytes)", u.id, len(assembled))
	writeData(w, map[string]string{"url": s.fileURL(u.id, u.fileName)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID string `json:"uploadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %s", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancels = append(s.cancels, req.UploadID)
	u, ok := s.uploads[req.UploadID]
	if !ok {
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	}
	delete(s.byHash, u.fileHash)
	delete(s.uploads, req.UploadID)

	writeData(w, nil)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	fileHash := chi.URLParam(r, "fileHash")

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[fileHash]; ok {
		if u, ok := s.uploads[id]; ok && !u.completed {
			writeData(w, map[string]string{"uploadId": id, "resumable": "true"})
			return
		}
	}
	writeData(w, map[string]string{"resumable": "false"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok {
		writeError(w, http.StatusNotFound, "upload session not found")
		return
	}

	writeData(w, map[string]any{
		"uploadId":       u.id,
		"fileName":       u.fileName,
		"fileSize":       u.fileSize,
		"totalChunks":    u.totalChunks,
		"uploadedChunks": u.indices(),
		"uploadedBytes":  u.uploadedBytes(),
		"completed":      u.completed,
	})
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid form: %s", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file")
		return
	}

	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = data

	writeData(w, s.fileURL(id, header.Filename))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	data, ok := s.File(chi.URLParam(r, "uploadID"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) fileURL(id, fileName string) string {
	return fmt.Sprintf("%s/files/%s/%s", s.publicURL, id, fileName)
}

func attemptKey(uploadID string, chunkIndex int) string {
	return fmt.Sprintf("%s/%d", uploadID, chunkIndex)
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, envelope{Code: http.StatusOK, Message: "success", Data: data})
}

// writeError reports failures inside a 200 response, the way the API does.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, envelope{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
