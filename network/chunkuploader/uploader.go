package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-ingest/fingerprint"
	"github.com/bitrise-io/go-ingest/metrics"
	"github.com/bitrise-io/go-ingest/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const remoteCancelTimeout = 10 * time.Second

// Uploader drives chunked uploads against an Endpoint.
type Uploader struct {
	config   Config
	endpoint Endpoint
	logger   log.Logger
	stats    *Stats
	sessions *Registry
	now      func() time.Time
	newID    func() string
}

// New creates a new Uploader with the given configuration.
func New(endpoint Endpoint, config Config, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config:   config.withDefaults(),
		endpoint: endpoint,
		logger:   logger,
		stats:    NewStats(),
		sessions: NewRegistry(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Upload transfers file as a new chunked upload and returns the URL of the
// assembled resource.
func (u *Uploader) Upload(ctx context.Context, file File) (string, error) {
	chunks, err := Plan(file.Size(), u.config.chunkSizeFor(file.Size()))
	if err != nil {
		return "", err
	}

	fp, err := fingerprint.Prefix(file, file.Size())
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", file.Name(), err)
	}

	s := newSession(u.newID(), file, fp, chunks, u.now)
	u.logger.Infof("Uploading %s in %d chunks (upload ID: %s)", s.FileName, len(chunks), s.ID)

	return u.run(ctx, s, true)
}

// Resume continues the upload uploadID. Chunks the endpoint already holds are
// not transferred again. The chunk size must match the original upload.
func (u *Uploader) Resume(ctx context.Context, uploadID string, file File) (string, error) {
	chunks, err := Plan(file.Size(), u.config.chunkSizeFor(file.Size()))
	if err != nil {
		return "", err
	}

	uploaded, err := retry.WithRetry(ctx, func(ctx context.Context) ([]int, error) {
		return u.endpoint.GetUploadStatus(ctx, uploadID)
	}, nil, u.config.ControlRetries, u.config.RetryDelay, retry.WithLogger(u.logger, "Upload status query"))
	if err != nil {
		return "", fmt.Errorf("query status of upload %s: %w", uploadID, err)
	}

	s := newSession(uploadID, file, "", chunks, u.now)
	if ignored := s.markResumed(uploaded); len(ignored) > 0 {
		u.logger.Warnf("Ignoring chunk indices outside of the plan: %v", ignored)
	}

	u.logger.Infof("Resuming upload %s: %d/%d chunks already uploaded", uploadID, len(s.CompletedIndices()), len(chunks))

	return u.run(ctx, s, false)
}

// CheckResumable returns the ID of an unfinished upload of file, if the
// endpoint knows one. Errors are logged and reported as not resumable.
func (u *Uploader) CheckResumable(ctx context.Context, file File) (string, bool) {
	fp, err := fingerprint.Prefix(file, file.Size())
	if err != nil {
		u.logger.Warnf("Failed to fingerprint %s: %s", file.Name(), err)
		return "", false
	}

	uploadID, err := u.endpoint.CheckResumable(ctx, fp)
	if err != nil {
		u.logger.Warnf("Failed to check resumable upload: %s", err)
		return "", false
	}

	return uploadID, uploadID != ""
}

// Cancel stops the session uploadID and asks the endpoint to discard it. The
// session is removed locally even when the remote call fails. Returns whether
// a local session was found.
func (u *Uploader) Cancel(ctx context.Context, uploadID string) bool {
	s, found := u.sessions.Remove(uploadID)
	if found {
		s.markCancelled()
		u.logger.Infof("Upload %s cancelled", uploadID)
	}

	remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteCancelTimeout)
	defer cancel()

	if err := u.endpoint.CancelUpload(remoteCtx, uploadID); err != nil {
		u.logger.Warnf("Failed to cancel upload %s on the remote: %s", uploadID, err)
	}

	return found
}

// Status returns the progress of an active session.
func (u *Uploader) Status(uploadID string) (Progress, bool) {
	s, ok := u.sessions.Get(uploadID)
	if !ok {
		return Progress{}, false
	}
	return s.Progress(), true
}

// Session returns the active session with the given ID.
func (u *Uploader) Session(uploadID string) (*Session, bool) {
	return u.sessions.Get(uploadID)
}

// ActiveSessions returns the IDs of the sessions in progress.
func (u *Uploader) ActiveSessions() []string {
	return u.sessions.IDs()
}

// UploadSingleChunk sends one chunk with the configured retry policy.
// Useful when chunks arrive one at a time and no session is tracked.
func (u *Uploader) UploadSingleChunk(ctx context.Context, req ChunkRequest) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		chunkCtx, cancel := context.WithTimeout(ctx, u.config.ChunkTimeout)
		defer cancel()
		return u.endpoint.UploadChunk(chunkCtx, req)
	}, u.config.MaxRetryPerChunk, u.config.RetryDelay, retry.WithLogger(u.logger, fmt.Sprintf("Chunk %d", req.ChunkIndex)))
}

// DirectUpload sends file in a single request.
func (u *Uploader) DirectUpload(ctx context.Context, file File, endpointPath string) (string, error) {
	data, err := ReadChunk(file, Chunk{Index: 0, Start: 0, End: file.Size(), Size: file.Size()})
	if err != nil {
		return "", err
	}

	return retry.WithRetry(ctx, func(ctx context.Context) (string, error) {
		return u.endpoint.DirectUpload(ctx, DirectRequest{FileName: file.Name(), Data: data, EndpointPath: endpointPath})
	}, nonEmpty, u.config.ControlRetries, u.config.RetryDelay, retry.WithLogger(u.logger, "Direct upload"))
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

func (u *Uploader) run(ctx context.Context, s *Session, init bool) (string, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCancel(cancel)

	if err := u.sessions.Add(s); err != nil {
		return "", err
	}
	defer u.sessions.RemoveSession(s)

	u.config.Metrics.SessionStarted()
	url, err := u.runSession(sessionCtx, s, init)
	switch {
	case errors.Is(err, ErrUploadCancelled):
		u.config.Metrics.SessionFinished(metrics.OutcomeCancelled)
	case err != nil:
		u.config.Metrics.SessionFinished(metrics.OutcomeFailed)
		if u.config.OnError != nil {
			u.config.OnError(s.ID, err)
		}
	default:
		u.config.Metrics.SessionFinished(metrics.OutcomeCompleted)
	}

	return url, err
}

func (u *Uploader) runSession(ctx context.Context, s *Session, init bool) (string, error) {
	totalChunks := len(s.chunks)

	if init {
		err := retry.Do(ctx, func(ctx context.Context) error {
			return u.endpoint.InitUpload(ctx, InitRequest{
				UploadID:    s.ID,
				FileName:    s.FileName,
				FileSize:    s.FileSize,
				TotalChunks: totalChunks,
				FileHash:    s.Fingerprint,
			})
		}, u.config.ControlRetries, u.config.RetryDelay, retry.WithLogger(u.logger, "Upload init"))
		if err != nil {
			if s.Cancelled() {
				return "", ErrUploadCancelled
			}
			return "", fmt.Errorf("init upload %s: %w", s.ID, err)
		}
	}

	u.transfer(ctx, s)

	if s.Cancelled() {
		return "", ErrUploadCancelled
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("upload %s interrupted: %w", s.ID, err)
	}
	if !s.Done() {
		return "", fmt.Errorf("upload %s finished with %d/%d chunks", s.ID, len(s.CompletedIndices()), totalChunks)
	}

	url, err := retry.WithRetry(ctx, func(ctx context.Context) (string, error) {
		return u.endpoint.CompleteUpload(ctx, s.ID, s.FileName, totalChunks)
	}, nonEmpty, u.config.ControlRetries, u.config.RetryDelay, retry.WithLogger(u.logger, "Upload completion"))
	if err != nil {
		if s.Cancelled() {
			return "", ErrUploadCancelled
		}
		return "", fmt.Errorf("complete upload %s: %w", s.ID, err)
	}

	u.logger.Donef("Uploaded %s in %s", s.FileName, u.now().Sub(s.StartTime).Round(time.Millisecond))
	return url, nil
}

func (u *Uploader) transfer(ctx context.Context, s *Session) {
	var wg sync.WaitGroup
	for i := 0; i < u.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.work(ctx, s)
		}()
	}
	wg.Wait()
}

// work claims and uploads chunks until none are left, the session failed or
// the context is done.
func (u *Uploader) work(ctx context.Context, s *Session) {
	for ctx.Err() == nil {
		chunk, ok := s.claimNext()
		if !ok {
			return
		}

		start := u.now()
		hung, err := u.uploadChunk(ctx, s, chunk)

		if err == nil {
			took := u.now().Sub(start)
			u.stats.Update(took, chunk.Size)
			u.config.Metrics.ChunkUploaded(chunk.Size, took)

			completed, progress := s.markCompleted(chunk.Index)
			u.logger.Debugf("Chunk %d/%d uploaded in %v", chunk.Index+1, len(s.chunks), took.Round(time.Millisecond))
			if u.config.OnChunkComplete != nil {
				u.config.OnChunkComplete(s.ID, completed)
			}
			if u.config.OnProgress != nil {
				u.config.OnProgress(progress)
			}
			continue
		}

		if ctx.Err() != nil {
			s.requeue(chunk.Index)
			return
		}

		failed, retryable := s.markAttemptFailed(chunk.Index, err, u.config.MaxRetryPerChunk)
		if !retryable {
			u.config.Metrics.ChunkFailed()
			u.logger.Errorf("Chunk %d failed after %d attempts: %s", chunk.Index+1, failed.RetryCount, err)
			return
		}

		u.config.Metrics.ChunkRetried()

		backoff := u.config.RetryDelay
		if hung {
			// Hung requests are likely to hit the same slow path right away
			backoff = time.Duration(failed.RetryCount*2) * time.Second
		}
		u.logger.Warnf("Chunk %d attempt %d/%d failed: %s, retrying after %v",
			chunk.Index+1, failed.RetryCount, u.config.MaxRetryPerChunk, err, backoff)

		if !sleep(ctx, backoff) {
			s.requeue(chunk.Index)
			return
		}
		s.requeue(chunk.Index)
	}
}

// uploadChunk runs a single attempt. It reports whether the attempt was
// aborted by hung detection.
func (u *Uploader) uploadChunk(ctx context.Context, s *Session, chunk Chunk) (bool, error) {
	data, err := ReadChunk(s.file, chunk)
	if err != nil {
		return false, err
	}

	chunkCtx, cancelTimeout := context.WithTimeout(ctx, u.config.ChunkTimeout)
	defer cancelTimeout()
	chunkCtx, cancelChunk := context.WithCancel(chunkCtx)
	defer cancelChunk()

	hungCh := make(chan struct{})
	// No hung detection on the last attempt
	if chunk.RetryCount < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
		go u.detectHungUpload(chunkCtx, cancelChunk, hungCh, u.now(), chunk.Index)
	}

	err = u.endpoint.UploadChunk(chunkCtx, ChunkRequest{
		UploadID:    s.ID,
		FileName:    s.FileName,
		FileSize:    s.FileSize,
		ChunkIndex:  chunk.Index,
		TotalChunks: len(s.chunks),
		Data:        data,
	})
	if err == nil {
		return false, nil
	}

	select {
	case <-hungCh:
		return true, fmt.Errorf("chunk %d hung: %w", chunk.Index, err)
	default:
	}

	return false, fmt.Errorf("upload chunk %d: %w", chunk.Index, err)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, hung chan<- struct{}, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := u.now().Sub(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					close(hung)
					cancel()
					return
				}
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nonEmpty(s string) bool {
	return s != ""
}
