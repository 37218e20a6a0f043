// SPDX-License-Identifier: MIT
/*
Package audio is the control surface of the loopback visualizer. An Engine
wires one capture backend, the shared sample pool and work queue, the capture
pipeline and the spectral analyzer together.

Thread Safety:
  - Control methods are serialized by a mutex and may be called from any
    goroutine.
  - Spectrum listeners run on the analysis goroutine, audio listeners on the
    backend's audio thread. Neither may block.
  - Device change listeners run on their own goroutine and may call back into
    the Engine.
*/
package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"loopviz/internal/analysis"
	"loopviz/internal/buffer"
	"loopviz/internal/capture"
	"loopviz/internal/log"
	"loopviz/internal/queue"
	"loopviz/internal/recorder"

	"github.com/rs/zerolog"
)

// DefaultQueueWindow bounds how much audio may wait between capture and
// analysis.
const DefaultQueueWindow = 50 * time.Millisecond

// Options configures an Engine.
type Options struct {
	Capture  capture.Config
	Analysis analysis.Config
	// AutoReselect restarts capture on the default device after the active
	// device is lost.
	AutoReselect bool
	QueueWindow  time.Duration
}

// Stats is a point-in-time view of the whole engine.
type Stats struct {
	Capture    capture.Stats
	Analysis   analysis.Stats
	Samples    buffer.Stats
	Spectra    buffer.Stats
	QueueDepth int
	QueueLimit int
	QueueCap   int
	Recording  *recorder.Stats
}

type Engine struct {
	backend capture.Backend
	opts    Options
	log     zerolog.Logger

	queue    *queue.Queue[*buffer.SampleBatch]
	samples  *buffer.SamplePool
	pipeline *capture.Pipeline
	analyzer *analysis.Analyzer

	mu  sync.Mutex
	rec atomic.Pointer[recorder.Recorder]

	listenMu        sync.Mutex
	deviceListeners atomic.Pointer[[]capture.DeviceListener]
}

// NewEngine validates the analysis configuration and builds an idle engine
// around backend. The engine owns backend and closes it in Close.
func NewEngine(backend capture.Backend, opts Options) (*Engine, error) {
	if err := opts.Analysis.Validate(); err != nil {
		return nil, err
	}
	if opts.QueueWindow <= 0 {
		opts.QueueWindow = DefaultQueueWindow
	}

	// The queue and pool are sized for the highest batch rate any valid
	// configuration can produce; resizeQueue narrows the queue to the active one.
	q := queue.New[*buffer.SampleBatch](queue.CapacityFor(analysis.MaxSampleRate, analysis.MinFFTSize, opts.QueueWindow))
	samples := buffer.NewSamplePool(q.Cap()+2, opts.Analysis.FFTSize)

	e := &Engine{
		backend:  backend,
		opts:     opts,
		log:      log.Component("engine"),
		queue:    q,
		samples:  samples,
		pipeline: capture.NewPipeline(backend, samples, q, opts.Capture),
		analyzer: analysis.NewAnalyzer(q, samples),
	}
	if err := e.analyzer.Apply(opts.Analysis); err != nil {
		return nil, err
	}
	e.resizeQueue(opts.Capture.SampleRate)
	e.pipeline.OnDeviceChanged(e.handleDeviceChange)
	e.pipeline.OnAudioData(e.record)

	e.log.Info().
		Str("backend", backend.Name()).
		Int("queue_capacity", q.Cap()).
		Int("queue_limit", q.Limit()).
		Int("sample_pool", samples.Capacity()).
		Msg("engine ready")
	return e, nil
}

// Backend returns the capture backend name.
func (e *Engine) Backend() string {
	return e.backend.Name()
}

// StartCapture starts analysis and then capture on dev, or on the default
// device when dev is nil. The analyzer follows the sample rate the device
// actually delivers.
func (e *Engine) StartCapture(dev *capture.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasRunning := e.analyzer.State() == analysis.StateAnalyzing
	if err := e.analyzer.Start(); err != nil {
		return err
	}
	if err := e.pipeline.Start(dev); err != nil {
		if e.pipeline.State() == capture.StateError {
			_ = e.pipeline.Stop()
		}
		if !wasRunning {
			_ = e.analyzer.Stop()
		}
		return err
	}
	e.syncSampleRate()
	return nil
}

// StopCapture stops capture first, so nothing new is queued, then analysis,
// which returns queued batches to the pool.
func (e *Engine) StopCapture() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	var err error
	if cerr := e.pipeline.Stop(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("stop capture: %w", cerr))
	}
	if aerr := e.analyzer.Stop(); aerr != nil {
		err = errors.Join(err, fmt.Errorf("stop analysis: %w", aerr))
	}
	return err
}

// SwitchDevice moves capture to dev, or to the default device when dev is nil.
func (e *Engine) SwitchDevice(dev *capture.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.pipeline.SwitchDevice(dev)
	if e.pipeline.State() == capture.StateCapturing {
		e.syncSampleRate()
	}
	return err
}

// syncSampleRate retunes the analyzer when the session's rate differs from
// the configured one.
func (e *Engine) syncSampleRate() {
	rate := e.pipeline.Stats().Format.SampleRate
	cfg := e.analyzer.Config()
	if rate == 0 || rate == cfg.SampleRate {
		return
	}
	cfg.SampleRate = rate
	if err := e.analyzer.Apply(cfg); err != nil {
		e.log.Warn().Err(err).Int("sample_rate", rate).Msg("device sample rate not supported by analysis")
		e.resizeQueue(rate)
		return
	}
	e.resizeQueue(0)
	e.log.Info().Int("sample_rate", rate).Msg("analysis follows device sample rate")
}

// resizeQueue limits the queue to QueueWindow worth of batches at the active
// FFT size. rate overrides the analysis sample rate when the device runs at
// a rate analysis was not tuned to.
func (e *Engine) resizeQueue(rate int) {
	cfg := e.analyzer.Config()
	if rate <= 0 {
		rate = cfg.SampleRate
	}
	limit := queue.CapacityFor(rate, cfg.FFTSize, e.opts.QueueWindow)
	if limit == e.queue.Limit() {
		return
	}
	e.queue.SetLimit(limit)
	e.log.Debug().Int("queue_limit", e.queue.Limit()).Int("fft_size", cfg.FFTSize).Int("sample_rate", rate).Msg("queue resized")
}

// Device returns the active capture device, or nil.
func (e *Engine) Device() *capture.Device {
	return e.pipeline.Device()
}

// Devices lists the render devices of the backend.
func (e *Engine) Devices() []capture.Device {
	return e.pipeline.Devices()
}

// CaptureState returns the capture pipeline state.
func (e *Engine) CaptureState() capture.State {
	return e.pipeline.State()
}

// AnalysisState returns the analyzer state.
func (e *Engine) AnalysisState() analysis.State {
	return e.analyzer.State()
}

// AnalysisConfig returns the active analysis configuration.
func (e *Engine) AnalysisConfig() analysis.Config {
	return e.analyzer.Config()
}

// BandMapping returns the active band layout.
func (e *Engine) BandMapping() (analysis.BandMapping, bool) {
	return e.analyzer.Mapping()
}

// ConfigureAnalysis replaces the FFT size, sample rate, band count and
// smoothing factor. Invalid values are rejected and nothing changes.
func (e *Engine) ConfigureAnalysis(fftSize, sampleRate, bands int, smoothing float64) error {
	if err := e.analyzer.Configure(fftSize, sampleRate, bands, smoothing); err != nil {
		return err
	}
	e.resizeQueue(0)
	return nil
}

// ApplyAnalysis replaces the whole analysis configuration.
func (e *Engine) ApplyAnalysis(cfg analysis.Config) error {
	if err := e.analyzer.Apply(cfg); err != nil {
		return err
	}
	e.resizeQueue(0)
	return nil
}

// UpdateFrequencyBands changes the band count.
func (e *Engine) UpdateFrequencyBands(bands int) error {
	return e.analyzer.UpdateFrequencyBands(bands)
}

// UpdateSmoothing changes the smoothing factor and the envelope times.
func (e *Engine) UpdateSmoothing(factor float64, attack, decay time.Duration) error {
	return e.analyzer.UpdateSmoothing(factor, attack, decay)
}

// OnSpectrum registers a SpectrumDataAvailable listener.
func (e *Engine) OnSpectrum(fn analysis.SpectrumListener) {
	e.analyzer.Subscribe(fn)
}

// OnAudioData registers an AudioDataAvailable listener.
func (e *Engine) OnAudioData(fn capture.AudioListener) {
	e.pipeline.OnAudioData(fn)
}

// OnDeviceChanged registers an AudioDeviceChanged listener. Events include
// switches made by auto-reselection.
func (e *Engine) OnDeviceChanged(fn capture.DeviceListener) {
	e.listenMu.Lock()
	defer e.listenMu.Unlock()
	var next []capture.DeviceListener
	if cur := e.deviceListeners.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, fn)
	e.deviceListeners.Store(&next)
}

func (e *Engine) emit(ev capture.DeviceChange) {
	if ls := e.deviceListeners.Load(); ls != nil {
		for _, fn := range *ls {
			fn(ev)
		}
	}
}

func (e *Engine) handleDeviceChange(ev capture.DeviceChange) {
	e.log.Info().Stringer("change", ev).Str("session", ev.Session).Msg("audio device changed")
	e.emit(ev)
	if ev.Reason == capture.ReasonDeviceLost && e.opts.AutoReselect {
		e.reselect(ev.Previous)
	}
}

// reselect restarts capture on the default device after a loss.
func (e *Engine) reselect(lost *capture.Device) {
	e.mu.Lock()
	if st := e.pipeline.State(); st != capture.StateError {
		// Someone already stopped or restarted capture.
		e.mu.Unlock()
		return
	}
	if err := e.pipeline.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("stop lost device")
	}
	err := e.pipeline.Start(nil)
	if err != nil {
		if e.pipeline.State() == capture.StateError {
			_ = e.pipeline.Stop()
		}
		e.mu.Unlock()
		e.log.Warn().Err(err).Msg("no device to reselect, capture stays idle")
		return
	}
	e.syncSampleRate()
	cur := e.pipeline.Device()
	session := e.pipeline.Stats().Session
	e.mu.Unlock()

	e.log.Info().Str("device", cur.Name).Msg("reselected default device")
	e.emit(capture.DeviceChange{Previous: lost, Current: cur, Reason: capture.ReasonSwitched, Session: session})
}

// Stats returns a snapshot of pools, queue, capture and analysis counters.
func (e *Engine) Stats() Stats {
	st := Stats{
		Capture:    e.pipeline.Stats(),
		Analysis:   e.analyzer.Stats(),
		Samples:    e.samples.Stats(),
		Spectra:    e.analyzer.SpectrumPool().Stats(),
		QueueDepth: e.queue.Len(),
		QueueLimit: e.queue.Limit(),
		QueueCap:   e.queue.Cap(),
	}
	if r := e.rec.Load(); r != nil {
		rs := r.Stats()
		st.Recording = &rs
	}
	return st
}

// Close stops recording and capture and releases the backend.
func (e *Engine) Close() error {
	err := e.StopRecording()
	e.mu.Lock()
	defer e.mu.Unlock()
	if serr := e.stopLocked(); serr != nil {
		err = errors.Join(err, serr)
	}
	if berr := e.backend.Close(); berr != nil {
		err = errors.Join(err, fmt.Errorf("close backend: %w", berr))
	}
	return err
}
