// SPDX-License-Identifier: MIT

// Package synth is a capture backend that plays generated tones instead of a
// real device. It drives demos without audio hardware and lets tests inject
// raw callbacks, device loss and open failures.
package synth

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"loopviz/internal/capture"
	"loopviz/internal/errs"
	"loopviz/pkg/utils"
)

const Name = "synth"

// DefaultDevice is the device listed when Options.Devices is empty.
var DefaultDevice = capture.Device{
	ID:                "synth:0",
	Name:              "Synthetic Output",
	Backend:           Name,
	IsDefault:         true,
	Channels:          2,
	DefaultSampleRate: 48000,
}

// Options configures the generated signal.
type Options struct {
	// Format delivered to the pipeline. SampleRate and Channels left at zero
	// follow the stream request.
	Format capture.AudioFormat
	// Tones summed into the signal. Empty means a 440Hz tone at half scale.
	Tones   []utils.Tone
	Devices []capture.Device
	// Manual disables the internal clock; callers drive streams with Emit.
	Manual bool
}

// Backend implements capture.Backend.
type Backend struct {
	opts Options

	mu       sync.Mutex
	devices  []capture.Device
	streams  map[*Stream]struct{}
	failOpen map[string]error
	opened   int
}

// New creates a synthetic backend.
func New(opts Options) *Backend {
	if opts.Format.BitDepth == 0 {
		opts.Format.BitDepth = 32
		opts.Format.Encoding = capture.EncodingFloat
	}
	if len(opts.Tones) == 0 {
		opts.Tones = []utils.Tone{{Frequency: 440, Amplitude: 0.5}}
	}
	devices := opts.Devices
	if len(devices) == 0 {
		devices = []capture.Device{DefaultDevice}
	}
	return &Backend{
		opts:     opts,
		devices:  slices.Clone(devices),
		streams:  make(map[*Stream]struct{}),
		failOpen: make(map[string]error),
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Devices() ([]capture.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.devices), nil
}

func (b *Backend) DefaultDevice() (capture.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.IsDefault {
			return d, nil
		}
	}
	return capture.Device{}, errs.DeviceUnavailable("no default synthetic device")
}

// FailOpen makes the next opens of device id fail with err. A nil err clears it.
func (b *Backend) FailOpen(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failOpen, id)
		return
	}
	b.failOpen[id] = err
}

// Add lists an extra device.
func (b *Backend) Add(dev capture.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, dev)
}

// Remove unlists device id and ends its streams as if it was unplugged.
func (b *Backend) Remove(id string) {
	b.mu.Lock()
	b.devices = slices.DeleteFunc(b.devices, func(d capture.Device) bool { return d.ID == id })
	var lost []*Stream
	for s := range b.streams {
		if s.dev.ID == id {
			lost = append(lost, s)
		}
	}
	b.mu.Unlock()

	for _, s := range lost {
		s.halt()
		s.onStop(fmt.Errorf("synthetic device %q removed", id))
	}
}

// Opened returns how many streams were opened so far.
func (b *Backend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Emit hands raw to every started stream and returns how many received it.
func (b *Backend) Emit(raw []byte) int {
	b.mu.Lock()
	var targets []*Stream
	for s := range b.streams {
		if s.running() {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.onData(raw)
	}
	return len(targets)
}

func (b *Backend) Open(dev capture.Device, cfg capture.StreamConfig, onData capture.DataFunc, onStop capture.StopFunc) (capture.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.failOpen[dev.ID]; ok {
		return nil, err
	}
	if !slices.ContainsFunc(b.devices, func(d capture.Device) bool { return d.ID == dev.ID }) {
		return nil, errs.DeviceUnavailable("synthetic device %q not present", dev.Name)
	}

	format := b.opts.Format
	if format.SampleRate == 0 {
		format.SampleRate = cfg.SampleRate
	}
	if format.Channels == 0 {
		format.Channels = cfg.Channels
	}
	period := cfg.PeriodFrames
	if period <= 0 {
		period = 1024
	}

	s := &Stream{
		backend: b,
		dev:     dev,
		format:  format,
		period:  period,
		tones:   b.opts.Tones,
		manual:  b.opts.Manual,
		onData:  onData,
		onStop:  onStop,
	}
	b.streams[s] = struct{}{}
	b.opened++
	return s, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	streams := make([]*Stream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
	return nil
}

// Stream is a started or stopped synthetic session.
type Stream struct {
	backend *Backend
	dev     capture.Device
	format  capture.AudioFormat
	period  int
	tones   []utils.Tone
	manual  bool
	onData  capture.DataFunc
	onStop  capture.StopFunc

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	done    chan struct{}
}

func (s *Stream) Format() capture.AudioFormat { return s.format }

func (s *Stream) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if !s.manual {
		s.quit = make(chan struct{})
		s.done = make(chan struct{})
		go s.run(s.quit, s.done)
	}
	return nil
}

// halt stops the clock and waits for the last callback to return.
func (s *Stream) halt() {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.started = false
	s.quit, s.done = nil, nil
	s.mu.Unlock()
	if quit != nil {
		close(quit)
		<-done
	}
}

func (s *Stream) Stop() error {
	s.halt()
	return nil
}

func (s *Stream) Close() error {
	s.halt()
	s.backend.mu.Lock()
	delete(s.backend.streams, s)
	s.backend.mu.Unlock()
	return nil
}

func (s *Stream) run(quit, done chan struct{}) {
	defer close(done)

	interval := time.Duration(s.period) * time.Second / time.Duration(s.format.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	samples := make([]float64, s.period)
	pos := 0
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			for i := range samples {
				t := float64(pos+i) / float64(s.format.SampleRate)
				var v float64
				for _, tone := range s.tones {
					v += tone.Amplitude * math.Sin(2*math.Pi*tone.Frequency*t)
				}
				samples[i] = v
			}
			pos += s.period
			s.onData(Encode(samples, s.format))
		}
	}
}

// Encode renders mono samples in format, copying them to every channel.
func Encode(samples []float64, f capture.AudioFormat) []byte {
	if f.Encoding == capture.EncodingFloat {
		return utils.EncodeFloat32(samples, f.Channels, f.BigEndian)
	}
	switch f.BitDepth {
	case 16:
		return utils.EncodeInt16(samples, f.Channels, f.BigEndian)
	case 24:
		return utils.EncodeInt24(samples, f.Channels, f.BigEndian)
	default:
		return utils.EncodeInt32(samples, f.Channels, f.BigEndian)
	}
}
