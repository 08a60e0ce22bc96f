// Package metrics exposes Prometheus instrumentation for the capture
// pipeline. All calls are fire-and-forget: they never fail and never
// influence control flow in the components that emit them.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters, gauges and histograms for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	framesExtracted prometheus.Counter
	framesWritten   prometheus.Counter
	framesDropped   prometheus.Counter
	framesRead      prometheus.Counter
	extractFailures prometheus.Counter

	operationSeconds *prometheus.HistogramVec

	trackedBytes *prometheus.GaugeVec

	mu          sync.Mutex
	allocations map[uint64]allocation
	nextAlloc   uint64
}

type allocation struct {
	tag  string
	size int64
}

// Operation is an in-flight timer handle returned by StartOperation.
type Operation struct {
	name  string
	start time.Time
}

// New creates and registers Prometheus metrics for the capture pipeline.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesExtracted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "framerelay_frames_extracted_total",
		Help: "Total number of frames successfully extracted from the backbuffer",
	})
	framesWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "framerelay_frames_written_total",
		Help: "Total number of frames written to the ring transport",
	})
	framesDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "framerelay_frames_dropped_total",
		Help: "Total number of unread frames overwritten by the drop-oldest policy",
	})
	framesRead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "framerelay_frames_read_total",
		Help: "Total number of frames read out of the ring transport",
	})
	extractFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "framerelay_extract_failures_total",
		Help: "Total number of failed frame extractions",
	})
	operationSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "framerelay_operation_seconds",
		Help:    "Duration of named pipeline operations",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"operation"})
	trackedBytes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "framerelay_tracked_bytes",
		Help: "Bytes currently held by tracked allocations, by tag",
	}, []string{"tag"})

	registry.MustRegister(
		framesExtracted,
		framesWritten,
		framesDropped,
		framesRead,
		extractFailures,
		operationSeconds,
		trackedBytes,
	)

	return &Metrics{
		registry:         registry,
		framesExtracted:  framesExtracted,
		framesWritten:    framesWritten,
		framesDropped:    framesDropped,
		framesRead:       framesRead,
		extractFailures:  extractFailures,
		operationSeconds: operationSeconds,
		trackedBytes:     trackedBytes,
		allocations:      make(map[uint64]allocation),
	}
}

// IncFramesExtracted increments the extracted-frames counter.
func (m *Metrics) IncFramesExtracted() {
	if m != nil {
		m.framesExtracted.Inc()
	}
}

// IncFramesWritten increments the written-frames counter.
func (m *Metrics) IncFramesWritten() {
	if m != nil {
		m.framesWritten.Inc()
	}
}

// IncFramesDropped increments the dropped-frames counter.
func (m *Metrics) IncFramesDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

// IncFramesRead increments the read-frames counter.
func (m *Metrics) IncFramesRead() {
	if m != nil {
		m.framesRead.Inc()
	}
}

// IncExtractFailures increments the failed-extraction counter.
func (m *Metrics) IncExtractFailures() {
	if m != nil {
		m.extractFailures.Inc()
	}
}

// StartOperation begins timing a named operation. The zero-value handle from
// a nil receiver is safe to pass to EndOperation.
func (m *Metrics) StartOperation(name string) Operation {
	return Operation{name: name, start: time.Now()}
}

// EndOperation records the elapsed time for an operation started with
// StartOperation.
func (m *Metrics) EndOperation(op Operation) {
	if m == nil || op.name == "" {
		return
	}
	m.operationSeconds.WithLabelValues(op.name).Observe(time.Since(op.start).Seconds())
}

// TrackAllocation records size bytes held under tag and returns a handle for
// ReleaseAllocation.
func (m *Metrics) TrackAllocation(tag string, size int64) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	m.nextAlloc++
	id := m.nextAlloc
	m.allocations[id] = allocation{tag: tag, size: size}
	m.mu.Unlock()

	m.trackedBytes.WithLabelValues(tag).Add(float64(size))
	return id
}

// ReleaseAllocation releases a handle returned by TrackAllocation. Unknown
// handles are ignored.
func (m *Metrics) ReleaseAllocation(id uint64) {
	if m == nil || id == 0 {
		return
	}
	m.mu.Lock()
	a, ok := m.allocations[id]
	if ok {
		delete(m.allocations, id)
	}
	m.mu.Unlock()

	if ok {
		m.trackedBytes.WithLabelValues(a.tag).Sub(float64(a.size))
	}
}

// Handler returns an http.Handler that serves the Prometheus registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
