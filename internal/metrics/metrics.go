// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus collectors for the capture and analysis
// hot paths. Every recorder here is a counter or gauge update only: safe to
// call from the audio callback thread.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	applog "loopviz/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolGetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopviz_pool_gets_total",
			Help: "Total number of buffers acquired from a pool",
		},
		[]string{"pool"},
	)

	poolMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopviz_pool_misses_total",
			Help: "Total number of acquires that fell back to a fresh allocation",
		},
		[]string{"pool"},
	)

	poolDiscardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopviz_pool_discards_total",
			Help: "Total number of released buffers discarded for shape mismatch or overflow",
		},
		[]string{"pool"},
	)

	queueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopviz_queue_dropped_batches_total",
			Help: "Total number of sample batches dropped because the work queue was full",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loopviz_queue_depth",
			Help: "Sample batches waiting for analysis",
		},
	)

	captureCallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopviz_capture_callbacks_total",
			Help: "Total number of audio data callbacks received from the capture backend",
		},
	)

	captureBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopviz_capture_bytes_total",
			Help: "Total number of raw audio bytes converted",
		},
	)

	deviceChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopviz_device_changes_total",
			Help: "Total number of capture device changes by reason",
		},
		[]string{"reason"},
	)

	framesAnalyzedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopviz_frames_analyzed_total",
			Help: "Total number of spectrum frames published",
		},
	)

	framesFaultedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopviz_frames_faulted_total",
			Help: "Total number of analysis frames dropped after a processing fault",
		},
	)

	silenceResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopviz_silence_resets_total",
			Help: "Total number of spectrum state resets after sustained silence",
		},
	)

	processingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loopviz_processing_latency_seconds",
			Help:    "Latency from capture timestamp to spectrum publication",
			Buckets: []float64{.001, .0025, .005, .01, .02, .035, .05, .1, .25},
		},
	)
)

// Pool holds the resolved counters for one named pool so the hot path never
// pays for a label lookup.
type Pool struct {
	gets     prometheus.Counter
	misses   prometheus.Counter
	discards prometheus.Counter
}

// ForPool resolves the counters for the named pool.
func ForPool(name string) *Pool {
	return &Pool{
		gets:     poolGetsTotal.WithLabelValues(name),
		misses:   poolMissesTotal.WithLabelValues(name),
		discards: poolDiscardsTotal.WithLabelValues(name),
	}
}

// Get records an acquire; miss reports a fallback allocation.
func (p *Pool) Get(miss bool) {
	p.gets.Inc()
	if miss {
		p.misses.Inc()
	}
}

// Discard records a released buffer that was not kept.
func (p *Pool) Discard() {
	p.discards.Inc()
}

// QueueDropped records a batch dropped on a full queue.
func QueueDropped() {
	queueDroppedTotal.Inc()
}

// QueueDepth records the current queue backlog.
func QueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// CaptureCallback records one backend data callback of n bytes.
func CaptureCallback(n int) {
	captureCallbacksTotal.Inc()
	captureBytesTotal.Add(float64(n))
}

// DeviceChanged records a device change event.
func DeviceChanged(reason string) {
	deviceChangesTotal.WithLabelValues(reason).Inc()
}

// FrameAnalyzed records a published frame and its end-to-end latency.
func FrameAnalyzed(latency time.Duration) {
	framesAnalyzedTotal.Inc()
	processingLatency.Observe(latency.Seconds())
}

// FrameFaulted records a frame dropped after a recovered fault.
func FrameFaulted() {
	framesFaultedTotal.Inc()
}

// SilenceReset records a hard reset of spectrum state.
func SilenceReset() {
	silenceResetsTotal.Inc()
}

// Server serves the default prometheus registry on /metrics.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server bound to addr. Call Start to begin serving.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		applog.Infof("Metrics: serving prometheus metrics on %s/metrics", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Errorf("Metrics: server error: %v", err)
		}
	}()
}

// Close shuts the server down, waiting up to two seconds for in-flight scrapes.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
