// Package metrics exposes Prometheus collectors for the chunk uploader and the
// compression cache. All recording methods are nil-safe: calls on a nil
// receiver are no-ops, so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ingest"

// Session outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Cache eviction reason label values.
const (
	EvictionExpired  = "expired"
	EvictionCapacity = "capacity"
	EvictionSize     = "size"
)

// Uploader provides metrics for chunked upload sessions.
type Uploader struct {
	// ChunksTotal counts successfully transferred chunks.
	ChunksTotal prometheus.Counter

	// RetriesTotal counts failed chunk attempts that were re-queued.
	RetriesTotal prometheus.Counter

	// FailuresTotal counts chunks that exhausted their attempts.
	FailuresTotal prometheus.Counter

	// BytesTotal counts payload bytes of completed chunks.
	BytesTotal prometheus.Counter

	// SessionsTotal counts finished sessions, labeled by outcome.
	SessionsTotal *prometheus.CounterVec

	// ActiveSessions tracks sessions currently registered.
	ActiveSessions prometheus.Gauge

	// ChunkDuration observes single chunk transfer time in seconds.
	ChunkDuration prometheus.Histogram
}

// NewUploader creates uploader metrics and registers them with reg.
// If reg is nil, the metrics are created but not registered.
func NewUploader(reg prometheus.Registerer) *Uploader {
	m := &Uploader{
		ChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "chunks_total",
			Help:      "Total number of chunks uploaded",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "chunk_retries_total",
			Help:      "Total number of chunk attempts that were retried",
		}),
		FailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "chunk_failures_total",
			Help:      "Total number of chunks that failed terminally",
		}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "bytes_total",
			Help:      "Total number of bytes uploaded in completed chunks",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "sessions_total",
			Help:      "Total number of finished upload sessions",
		}, []string{"outcome"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "active_sessions",
			Help:      "Current number of active upload sessions",
		}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of successful chunk uploads in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
	}

	register(reg,
		m.ChunksTotal,
		m.RetriesTotal,
		m.FailuresTotal,
		m.BytesTotal,
		m.SessionsTotal,
		m.ActiveSessions,
		m.ChunkDuration,
	)

	return m
}

// ChunkUploaded records a completed chunk.
func (m *Uploader) ChunkUploaded(size int64, took time.Duration) {
	if m == nil {
		return
	}
	m.ChunksTotal.Inc()
	m.BytesTotal.Add(float64(size))
	m.ChunkDuration.Observe(took.Seconds())
}

// ChunkRetried records a failed attempt that will be retried.
func (m *Uploader) ChunkRetried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// ChunkFailed records a chunk that exhausted its attempts.
func (m *Uploader) ChunkFailed() {
	if m == nil {
		return
	}
	m.FailuresTotal.Inc()
}

// SessionStarted increments the active session gauge.
func (m *Uploader) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionFinished decrements the active session gauge and counts the outcome.
func (m *Uploader) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

// Cache provides metrics for the compression cache.
type Cache struct {
	HitsTotal      prometheus.Counter
	MissesTotal    prometheus.Counter
	EvictionsTotal *prometheus.CounterVec
	WriteErrors    prometheus.Counter
	Entries        prometheus.Gauge
	Bytes          prometheus.Gauge
}

// NewCache creates cache metrics and registers them with reg.
// If reg is nil, the metrics are created but not registered.
func NewCache(reg prometheus.Registerer) *Cache {
	m := &Cache{
		HitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compression_cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}),
		MissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compression_cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compression_cache",
			Name:      "evictions_total",
			Help:      "Total number of evicted entries",
		}, []string{"reason"}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compression_cache",
			Name:      "write_errors_total",
			Help:      "Total number of failed cache writes",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compression_cache",
			Name:      "entries",
			Help:      "Number of entries after the last write",
		}),
		Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compression_cache",
			Name:      "bytes",
			Help:      "Total compressed bytes after the last write",
		}),
	}

	register(reg,
		m.HitsTotal,
		m.MissesTotal,
		m.EvictionsTotal,
		m.WriteErrors,
		m.Entries,
		m.Bytes,
	)

	return m
}

// Hit records a cache hit.
func (m *Cache) Hit() {
	if m == nil {
		return
	}
	m.HitsTotal.Inc()
}

// Miss records a cache miss.
func (m *Cache) Miss() {
	if m == nil {
		return
	}
	m.MissesTotal.Inc()
}

// Evicted records n evictions for the given reason.
func (m *Cache) Evicted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictionsTotal.WithLabelValues(reason).Add(float64(n))
}

// WriteFailed records a failed cache write.
func (m *Cache) WriteFailed() {
	if m == nil {
		return
	}
	m.WriteErrors.Inc()
}

// SetSize updates the entry and byte gauges.
func (m *Cache) SetSize(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(entries))
	m.Bytes.Set(float64(bytes))
}

func register(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	if reg == nil {
		return
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			// Ignore AlreadyRegisteredError (a second pipeline in the same process re-registers).
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
