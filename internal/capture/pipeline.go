// SPDX-License-Identifier: MIT

/*
Package capture turns loopback audio from a platform backend into pooled,
normalized mono sample batches on a bounded queue.

Thread Safety:
  - Control methods (Start, Stop, SwitchDevice) are serialized by a mutex and
    may be called from any goroutine.
  - The data callback runs on the backend's audio thread. It takes no locks,
    performs no I/O and does not allocate while the sample pool has buffers.
  - When the queue is full the newest batch is dropped and returned to the
    pool; the callback never blocks.
*/
package capture

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/errs"
	"loopviz/internal/log"
	"loopviz/internal/metrics"
	"loopviz/internal/queue"
	"loopviz/pkg/bitint"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultSampleRate    = 48000
	DefaultChannels      = 2
	DefaultTargetLatency = 23 * time.Millisecond
	DefaultStopTimeout   = 5 * time.Second
)

// Config holds what the pipeline requests from a backend. Zero values fall
// back to the device defaults, then to the package defaults.
type Config struct {
	SampleRate    int
	Channels      int
	TargetLatency time.Duration
	StopTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetLatency <= 0 {
		c.TargetLatency = DefaultTargetLatency
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// AudioListener observes every batch before it is queued (AudioDataAvailable).
// It runs on the audio thread and must not retain batch or block.
type AudioListener func(batch *buffer.SampleBatch, source AudioFormat)

// DeviceListener observes AudioDeviceChanged events. It runs on its own
// goroutine for device loss and after the control lock is released for
// switches, so it may call back into the pipeline.
type DeviceListener func(DeviceChange)

// session is the state shared with the audio thread for one Start.
type session struct {
	id        string
	device    Device
	format    AudioFormat
	cancelled atomic.Bool
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	State     State
	Session   string
	Device    string
	Format    AudioFormat
	Callbacks int64
	Batches   int64
	Dropped   int64
}

// Pipeline owns one capture session at a time.
type Pipeline struct {
	backend Backend
	pool    *buffer.SamplePool
	queue   *queue.Queue[*buffer.SampleBatch]
	cfg     Config
	log     zerolog.Logger

	mu      sync.Mutex
	stream  Stream
	device  *Device
	session *session

	state    atomic.Int32
	inflight atomic.Int32

	listenMu        sync.Mutex
	audioListeners  atomic.Pointer[[]AudioListener]
	deviceListeners atomic.Pointer[[]DeviceListener]

	callbacks atomic.Int64
	batches   atomic.Int64
	dropped   atomic.Int64
}

// NewPipeline wires a backend to the shared sample pool and queue.
func NewPipeline(backend Backend, pool *buffer.SamplePool, q *queue.Queue[*buffer.SampleBatch], cfg Config) *Pipeline {
	return &Pipeline{
		backend: backend,
		pool:    pool,
		queue:   q,
		cfg:     cfg.withDefaults(),
		log:     log.Component("capture").With().Str("backend", backend.Name()).Logger(),
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("capture state")
	}
}

// Device returns the active device, or nil when not capturing.
func (p *Pipeline) Device() *Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		return nil
	}
	d := *p.device
	return &d
}

// Devices enumerates capturable devices. Enumeration failures are logged and
// reported as an empty list.
func (p *Pipeline) Devices() []Device {
	devices, err := p.backend.Devices()
	if err != nil {
		p.log.Warn().Err(err).Msg("device enumeration failed")
		return []Device{}
	}
	return devices
}

// OnAudioData registers an AudioDataAvailable listener.
func (p *Pipeline) OnAudioData(fn AudioListener) {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	var next []AudioListener
	if cur := p.audioListeners.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, fn)
	p.audioListeners.Store(&next)
}

// OnDeviceChanged registers an AudioDeviceChanged listener.
func (p *Pipeline) OnDeviceChanged(fn DeviceListener) {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	var next []DeviceListener
	if cur := p.deviceListeners.Load(); cur != nil {
		next = append(next, *cur...)
	}
	next = append(next, fn)
	p.deviceListeners.Store(&next)
}

func (p *Pipeline) emitDeviceChange(ev DeviceChange) {
	metrics.DeviceChanged(string(ev.Reason))
	p.log.Info().Stringer("change", ev).Str("session", ev.Session).Msg("audio device changed")
	if ls := p.deviceListeners.Load(); ls != nil {
		for _, fn := range *ls {
			fn(ev)
		}
	}
}

// Start begins capture on dev, or on the default device when dev is nil.
func (p *Pipeline) Start(dev *Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch st := p.State(); st {
	case StateIdle:
	case StateCapturing:
		return fmt.Errorf("capture already running on %q", p.device.Name)
	default:
		return fmt.Errorf("cannot start capture while %s", st)
	}
	return p.startLocked(dev)
}

func (p *Pipeline) resolve(dev *Device) (Device, error) {
	if dev == nil {
		d, err := p.backend.DefaultDevice()
		if err != nil {
			if errors.Is(err, errs.ErrDeviceUnavailable) {
				return Device{}, err
			}
			return Device{}, errs.DeviceUnavailable("no default render device: %v", err)
		}
		return d, nil
	}
	devices, err := p.backend.Devices()
	if err != nil {
		return Device{}, errs.DeviceUnavailable("enumerate devices: %v", err)
	}
	for _, d := range devices {
		if d.ID == dev.ID {
			return d, nil
		}
	}
	return Device{}, errs.DeviceUnavailable("device %q not found", dev.Name)
}

// periodFrames sizes the device buffer for the target latency.
func periodFrames(sampleRate int, latency time.Duration) int {
	return bitint.NextPowerOfTwo(int(math.Ceil(float64(sampleRate) * latency.Seconds())))
}

func (p *Pipeline) startLocked(dev *Device) error {
	p.setState(StateStarting)

	target, err := p.resolve(dev)
	if err != nil {
		p.setState(StateIdle)
		return err
	}

	rate := p.cfg.SampleRate
	if rate == 0 {
		rate = target.DefaultSampleRate
	}
	if rate == 0 {
		rate = DefaultSampleRate
	}
	channels := p.cfg.Channels
	if channels == 0 {
		channels = target.Channels
	}
	if channels == 0 {
		channels = DefaultChannels
	}
	sc := StreamConfig{
		SampleRate:   rate,
		Channels:     channels,
		PeriodFrames: periodFrames(rate, p.cfg.TargetLatency),
	}

	s := &session{id: uuid.NewString(), device: target}
	stream, err := p.backend.Open(target, sc,
		func(raw []byte) { p.onData(s, raw) },
		func(err error) { p.onStop(s, err) },
	)
	if err != nil {
		p.setState(StateError)
		return errs.DeviceUnavailable("open %q: %v", target.Name, err)
	}

	s.format = stream.Format()
	if err := s.format.Validate(); err != nil {
		_ = stream.Close()
		p.setState(StateError)
		return fmt.Errorf("device %q delivers unsupported format %s: %w", target.Name, s.format, err)
	}

	if err := stream.Start(); err != nil {
		s.cancelled.Store(true)
		_ = stream.Close()
		p.setState(StateError)
		return errs.DeviceUnavailable("start %q: %v", target.Name, err)
	}

	p.stream = stream
	p.device = &target
	p.session = s
	if !p.state.CompareAndSwap(int32(StateStarting), int32(StateCapturing)) {
		// Lost between stream start and here; onStop already moved us to Error.
		return errs.DeviceUnavailable("device %q lost during start", target.Name)
	}

	p.log.Info().
		Str("session", s.id).
		Str("device", target.Name).
		Stringer("format", s.format).
		Int("period_frames", sc.PeriodFrames).
		Msg("capture started")
	return nil
}

// Stop ends capture and waits for in-flight callbacks. It is idempotent and
// is the only way out of the Error state.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Pipeline) stopLocked() error {
	if p.State() == StateIdle {
		return nil
	}
	p.setState(StateStopping)

	var err error
	if s := p.session; s != nil {
		s.cancelled.Store(true)
	}
	if p.stream != nil {
		if serr := p.stream.Stop(); serr != nil {
			err = errors.Join(err, fmt.Errorf("stop stream: %w", serr))
		}
		if !p.waitIdle(p.cfg.StopTimeout) {
			p.log.Warn().Dur("timeout", p.cfg.StopTimeout).Msg("capture callbacks still running after stop timeout")
		}
		if cerr := p.stream.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close stream: %w", cerr))
		}
	}
	if p.session != nil {
		p.log.Info().Str("session", p.session.id).Msg("capture stopped")
	}

	p.stream = nil
	p.device = nil
	p.session = nil
	p.setState(StateIdle)
	return err
}

func (p *Pipeline) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for p.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// SwitchDevice moves capture to dev, or to the default device when dev is nil.
// If the new device fails, capture is restored on the previous device and the
// original error is still returned, joined with the restore error if that
// failed too.
func (p *Pipeline) SwitchDevice(dev *Device) error {
	var ev *DeviceChange
	defer func() {
		if ev != nil {
			p.emitDeviceChange(*ev)
		}
	}()
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.device
	var session string
	if p.session != nil {
		session = p.session.id
	}
	if err := p.stopLocked(); err != nil {
		p.log.Warn().Err(err).Msg("stop before switch")
	}

	err := p.startLocked(dev)
	if err == nil {
		cur := *p.device
		ev = &DeviceChange{Previous: prev, Current: &cur, Reason: ReasonSwitched, Session: session}
		return nil
	}
	if p.State() == StateError {
		_ = p.stopLocked()
	}
	if prev == nil {
		return err
	}

	p.log.Warn().Err(err).Str("previous", prev.Name).Msg("switch failed, restoring previous device")
	if rerr := p.startLocked(prev); rerr != nil {
		if p.State() == StateError {
			_ = p.stopLocked()
		}
		return errors.Join(err, fmt.Errorf("restore %q: %w", prev.Name, rerr))
	}
	return err
}

// onData runs on the audio thread.
func (p *Pipeline) onData(s *session, raw []byte) {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	if s.cancelled.Load() {
		return
	}
	p.callbacks.Add(1)
	metrics.CaptureCallback(len(raw))

	f := s.format
	frameBytes := f.BytesPerFrame()
	now := buffer.Ticks()
	listeners := p.audioListeners.Load()

	for len(raw) >= frameBytes {
		b := p.pool.Acquire()
		n := ConvertInto(b.Samples, raw, f)
		if n == 0 {
			p.pool.Release(b)
			break
		}
		b.Len = n
		b.Timestamp = now
		b.SampleRate = f.SampleRate
		raw = raw[n*frameBytes:]

		if listeners != nil {
			for _, fn := range *listeners {
				fn(b, f)
			}
		}

		if p.queue.TryEnqueue(b) {
			p.batches.Add(1)
			continue
		}
		p.pool.Release(b)
		p.dropped.Add(1)
		metrics.QueueDropped()
	}
	metrics.QueueDepth(p.queue.Len())
}

// onStop handles streams that end without a Stop call.
func (p *Pipeline) onStop(s *session, err error) {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	if !p.state.CompareAndSwap(int32(StateCapturing), int32(StateError)) &&
		!p.state.CompareAndSwap(int32(StateStarting), int32(StateError)) {
		return
	}
	dev := s.device
	p.log.Warn().Err(err).Str("device", dev.Name).Str("session", s.id).Msg("capture device lost")
	go p.emitDeviceChange(DeviceChange{Previous: &dev, Reason: ReasonDeviceLost, Session: s.id, Err: err})
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		State:     p.State(),
		Callbacks: p.callbacks.Load(),
		Batches:   p.batches.Load(),
		Dropped:   p.dropped.Load(),
	}
	if p.session != nil {
		st.Session = p.session.id
		st.Device = p.session.device.Name
		st.Format = p.session.format
	}
	return st
}
