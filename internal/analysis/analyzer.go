// SPDX-License-Identifier: MIT

/*
Package analysis turns queued sample batches into smoothed, banded spectrum
frames.

Thread Safety:
  - One goroutine owns all per-frame working state; it drains the queue and
    sleeps about a millisecond only when the queue is empty.
  - Configuration is an immutable snapshot behind an atomic pointer. Control
    calls validate and publish a whole new snapshot; the loop picks it up at
    the start of the next frame, never mid-frame.
  - A panic while analyzing one frame is recovered, logged with buffer
    diagnostics and the frame dropped. The loop keeps running.
*/
package analysis

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/errs"
	"loopviz/internal/log"
	"loopviz/internal/metrics"
	"loopviz/internal/queue"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

const (
	// SpectrumPoolSize covers the frame being built and the one being published.
	SpectrumPoolSize = 2

	idleSleep         = time.Millisecond
	stopTimeout       = 5 * time.Second
	silenceDecay      = 0.85
	silenceResetAfter = time.Second
	normalizeEpsilon  = 1e-9
)

// snapshot is a validated configuration plus everything derived from it.
type snapshot struct {
	cfg     Config
	window  []float64
	mapping BandMapping
}

func newSnapshot(cfg Config) *snapshot {
	return &snapshot{
		cfg:     cfg,
		window:  windowCoefficients(cfg.FFTSize, cfg.Window),
		mapping: NewBandMapping(cfg.FFTSize, cfg.SampleRate, cfg.Bands, cfg.MinFrequency, cfg.MaxFrequency),
	}
}

// Stats is a point-in-time view of the analyzer.
type Stats struct {
	State         State
	Frames        int64
	Faults        int64
	SilenceResets int64
	LastLatency   time.Duration
}

// Analyzer drains sample batches from the queue and publishes spectrum frames.
type Analyzer struct {
	queue   *queue.Queue[*buffer.SampleBatch]
	samples *buffer.SamplePool
	spectra *buffer.SpectrumPool
	log     zerolog.Logger

	mu     sync.Mutex // serializes control operations
	snap   atomic.Pointer[snapshot]
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	listenMu  sync.Mutex
	listeners atomic.Pointer[[]SpectrumListener]

	frames        atomic.Int64
	faults        atomic.Int64
	silenceResets atomic.Int64
	lastLatency   atomic.Int64
}

// NewAnalyzer creates an idle analyzer reading from q. Sample batches are
// returned to samples, which Configure reshapes when the FFT size changes.
func NewAnalyzer(q *queue.Queue[*buffer.SampleBatch], samples *buffer.SamplePool) *Analyzer {
	return &Analyzer{
		queue:   q,
		samples: samples,
		spectra: buffer.NewSpectrumPool(SpectrumPoolSize, MinBands),
		log:     log.Component("analysis"),
	}
}

// State returns the current lifecycle state.
func (a *Analyzer) State() State {
	return State(a.state.Load())
}

func (a *Analyzer) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev != s {
		a.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("analyzer state")
	}
}

// Config returns the active configuration, or the defaults before the first
// successful Configure.
func (a *Analyzer) Config() Config {
	if s := a.snap.Load(); s != nil {
		return s.cfg
	}
	return DefaultConfig()
}

// Mapping returns the active band mapping.
func (a *Analyzer) Mapping() (BandMapping, bool) {
	s := a.snap.Load()
	if s == nil {
		return BandMapping{}, false
	}
	return s.mapping, true
}

// SpectrumPool exposes the frame pool for inspection.
func (a *Analyzer) SpectrumPool() *buffer.SpectrumPool {
	return a.spectra
}

// Subscribe registers a SpectrumDataAvailable listener.
func (a *Analyzer) Subscribe(fn SpectrumListener) {
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	var next []SpectrumListener
	if cur := a.listeners.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, fn)
	a.listeners.Store(&next)
}

// Configure replaces the FFT size, sample rate, band count and smoothing
// factor, keeping the remaining settings.
func (a *Analyzer) Configure(fftSize, sampleRate, bands int, smoothing float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.Config()
	cfg.FFTSize = fftSize
	cfg.SampleRate = sampleRate
	cfg.Bands = bands
	cfg.Smoothing = smoothing
	return a.applyLocked(cfg)
}

// Apply replaces the whole configuration.
func (a *Analyzer) Apply(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(cfg)
}

// UpdateFrequencyBands changes only the band count.
func (a *Analyzer) UpdateFrequencyBands(bands int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.Config()
	cfg.Bands = bands
	return a.applyLocked(cfg)
}

// UpdateSmoothing changes the smoothing factor and envelope times. Band state
// carries over so the display does not jump.
func (a *Analyzer) UpdateSmoothing(factor float64, attack, decay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.Config()
	cfg.Smoothing = factor
	cfg.Attack = attack
	cfg.Decay = decay
	return a.applyLocked(cfg)
}

// SetNoiseFloorMinimum changes the lower bound of the noise gate.
func (a *Analyzer) SetNoiseFloorMinimum(v float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg := a.Config()
	cfg.NoiseFloorMin = v
	return a.applyLocked(cfg)
}

func (a *Analyzer) applyLocked(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.nyquistClamped()

	prev := a.State()
	a.setState(StateConfiguring)

	snap := newSnapshot(cfg)
	old := a.snap.Load()
	if old == nil || old.cfg.FFTSize != cfg.FFTSize {
		a.samples.Reshape(cfg.FFTSize)
	}
	if old == nil || old.cfg.Bands != cfg.Bands {
		a.spectra.Reshape(cfg.Bands)
	}
	a.snap.Store(snap)

	if prev == StateAnalyzing {
		a.setState(StateAnalyzing)
	} else {
		a.setState(StateReady)
	}
	a.log.Info().
		Int("fft_size", cfg.FFTSize).
		Int("sample_rate", cfg.SampleRate).
		Int("bands", cfg.Bands).
		Float64("smoothing", cfg.Smoothing).
		Stringer("window", cfg.Window).
		Stringer("scaling", cfg.Scaling).
		Msg("analysis configured")
	return nil
}

// Start launches the processing loop. It requires a prior Configure.
func (a *Analyzer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() == StateAnalyzing {
		return nil
	}
	if a.snap.Load() == nil {
		return fmt.Errorf("%w: analyzer must be configured before start", errs.ErrValidation)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.setState(StateAnalyzing)
	go a.run(ctx, a.done)
	return nil
}

// Stop ends the processing loop, waiting a bounded time for the current frame,
// and returns any batches still queued to the sample pool. It is idempotent.
func (a *Analyzer) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() != StateAnalyzing {
		return nil
	}
	a.setState(StateStopping)
	a.cancel()

	var err error
	select {
	case <-a.done:
	case <-time.After(stopTimeout):
		err = fmt.Errorf("analysis loop did not stop within %s", stopTimeout)
		a.log.Warn().Err(err).Msg("analyzer stop")
	}
	a.cancel, a.done = nil, nil

	if n := a.queue.Drain(a.samples.Release); n > 0 {
		a.log.Debug().Int("batches", n).Msg("released queued batches")
	}
	a.setState(StateIdle)
	return err
}

func (a *Analyzer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var ws workspace
	idle := time.NewTimer(idleSleep)
	defer idle.Stop()

	for {
		processed := 0
		for ctx.Err() == nil {
			b, ok := a.queue.TryDequeue()
			if !ok {
				break
			}
			a.process(&ws, b)
			processed++
		}
		metrics.QueueDepth(a.queue.Len())

		if processed > 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		idle.Reset(idleSleep)
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}

// process analyzes one batch and publishes the resulting frame. The batch is
// always returned to the sample pool.
func (a *Analyzer) process(ws *workspace, b *buffer.SampleBatch) {
	var frame *buffer.SpectrumFrame
	defer func() {
		if r := recover(); r != nil {
			a.fault(ws, b, r)
		}
		if frame != nil {
			a.spectra.Release(frame)
		}
		a.samples.Release(b)
	}()

	if s := a.snap.Load(); s != ws.snap {
		ws.apply(s)
	}

	frame = a.spectra.Acquire()
	if frame.BandCount() != ws.snap.cfg.Bands {
		// The pool was reshaped for a snapshot this frame does not use yet.
		a.spectra.Release(frame)
		frame = &buffer.SpectrumFrame{Bands: make([]float64, ws.snap.cfg.Bands)}
	}

	if ws.analyze(b, frame.Bands) {
		a.silenceResets.Add(1)
		metrics.SilenceReset()
	}

	frame.PeakBand = floats.MaxIdx(frame.Bands)
	frame.Peak = frame.Bands[frame.PeakBand]
	frame.RMS = bandRMS(frame.Bands)
	frame.Timestamp = b.Timestamp
	frame.Latency = buffer.Ticks() - b.Timestamp

	if ls := a.listeners.Load(); ls != nil {
		for _, fn := range *ls {
			fn(frame)
		}
	}

	a.frames.Add(1)
	a.lastLatency.Store(int64(frame.Latency))
	metrics.FrameAnalyzed(frame.Latency)
}

func (a *Analyzer) fault(ws *workspace, b *buffer.SampleBatch, r any) {
	fault := &errs.ProcessingFault{Cause: r, Diagnostics: ws.diagnostics(b)}
	a.faults.Add(1)
	metrics.FrameFaulted()
	a.log.Error().
		Err(fault).
		Bytes("stack", debug.Stack()).
		Msg("analysis frame dropped")
	// Working state may be half-updated; rebuild it from the snapshot.
	ws.snap = nil
}

// Stats returns analyzer counters.
func (a *Analyzer) Stats() Stats {
	return Stats{
		State:         a.State(),
		Frames:        a.frames.Load(),
		Faults:        a.faults.Load(),
		SilenceResets: a.silenceResets.Load(),
		LastLatency:   time.Duration(a.lastLatency.Load()),
	}
}

// workspace is the per-frame state owned by the analysis goroutine.
type workspace struct {
	snap *snapshot

	fft    *fourier.FFT
	input  []float64
	coeffs []complex128
	mags   []float64
	target []float64

	noise   noiseFloor
	avg     movingAverage
	env     envelope
	silent  time.Duration
	cleared bool
}

// apply rebuilds the buffers s needs. Band state survives changes that keep
// the band layout, such as smoothing or window updates.
func (w *workspace) apply(s *snapshot) {
	old := w.snap
	w.snap = s
	c := s.cfg

	if old == nil || old.cfg.FFTSize != c.FFTSize {
		w.fft = fourier.NewFFT(c.FFTSize)
		w.input = make([]float64, c.FFTSize)
		w.coeffs = make([]complex128, c.FFTSize/2+1)
		w.mags = make([]float64, c.FFTSize/2)
		w.noise.reset()
	}

	sameLayout := old != nil &&
		old.cfg.FFTSize == c.FFTSize &&
		old.cfg.SampleRate == c.SampleRate &&
		old.cfg.Bands == c.Bands &&
		old.cfg.MinFrequency == c.MinFrequency &&
		old.cfg.MaxFrequency == c.MaxFrequency &&
		old.cfg.AverageWindow == c.AverageWindow
	if sameLayout {
		w.env.retune()
		return
	}
	w.target = make([]float64, c.Bands)
	w.avg = newMovingAverage(c.Bands, c.AverageWindow)
	w.env = newEnvelope(c.Bands)
	w.silent, w.cleared = 0, false
}

// analyze writes the smoothed band values for b into out. It reports whether
// this batch triggered a silence reset.
func (w *workspace) analyze(b *buffer.SampleBatch, out []float64) bool {
	c := w.snap.cfg
	samples := b.Valid()
	dt := b.Duration()
	if dt <= 0 {
		dt = time.Duration(len(samples)) * time.Second / time.Duration(c.SampleRate)
	}

	if sampleRMS(samples) < SilenceThreshold {
		return w.silence(dt, out)
	}
	w.silent, w.cleared = 0, false

	// Window and zero-pad.
	n := min(len(samples), c.FFTSize)
	for i := 0; i < n; i++ {
		w.input[i] = float64(samples[i]) * w.snap.window[i]
	}
	clear(w.input[n:])

	w.fft.Coefficients(w.coeffs, w.input)
	scale := 2 / float64(c.FFTSize)
	for k := range w.mags {
		w.mags[k] = cmplx.Abs(w.coeffs[k]) * scale
	}

	floor := w.noise.update(w.mags, c.NoiseFloorMin)
	m := w.snap.mapping
	for i := range w.target {
		v := m.peak(i, w.mags)
		if v <= floor {
			w.target[i] = 0
			continue
		}
		if c.Scaling == ScalingLogarithmic {
			v = math.Log10(1 + v*9)
		}
		w.target[i] = v * m.Weights[i]
	}

	w.avg.push(w.target, w.target)
	if peak := floats.Max(w.target); peak > normalizeEpsilon {
		floats.Scale(1/peak, w.target)
	}
	w.env.apply(w.target, out, c.Smoothing, dt, c.Attack, c.Decay)
	return false
}

// silence fades band state and clears it after a second of silence.
func (w *workspace) silence(dt time.Duration, out []float64) bool {
	w.silent += dt
	if w.cleared {
		clear(out)
		return false
	}
	if w.silent >= silenceResetAfter {
		w.avg.reset()
		w.env.reset()
		w.noise.reset()
		w.cleared = true
		clear(out)
		return true
	}
	w.avg.scale(silenceDecay)
	w.env.fade(silenceDecay, out)
	return false
}

func (w *workspace) diagnostics(b *buffer.SampleBatch) string {
	d := fmt.Sprintf("batch_len=%d batch_cap=%d batch_rate=%d", b.Len, len(b.Samples), b.SampleRate)
	if w.snap != nil {
		c := w.snap.cfg
		d += fmt.Sprintf(" fft_size=%d bands=%d sample_rate=%d", c.FFTSize, c.Bands, c.SampleRate)
	}
	return d
}
