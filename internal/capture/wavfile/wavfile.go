// SPDX-License-Identifier: MIT

// Package wavfile replays WAV files in real time as if they were render
// devices, which makes captures reproducible without audio hardware.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loopviz/internal/capture"
	"loopviz/internal/errs"

	"github.com/go-audio/wav"
)

const Name = "wavfile"

const (
	formatPCM   = 1
	formatFloat = 3
)

// ErrEnded is reported through the stop callback when a non-looping file ends.
var ErrEnded = errors.New("wav file ended")

// Backend lists each file as one device. The first file is the default.
type Backend struct {
	paths []string
	loop  bool
}

// New creates a backend over paths. When loop is false, reaching the end of a
// file ends the stream like an unplugged device.
func New(loop bool, paths ...string) *Backend {
	return &Backend{paths: paths, loop: loop}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Devices() ([]capture.Device, error) {
	devices := make([]capture.Device, 0, len(b.paths))
	for i, p := range b.paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		devices = append(devices, capture.Device{
			ID:        p,
			Name:      filepath.Base(p),
			Backend:   Name,
			IsDefault: i == 0,
		})
	}
	return devices, nil
}

func (b *Backend) DefaultDevice() (capture.Device, error) {
	devices, _ := b.Devices()
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	return capture.Device{}, errs.DeviceUnavailable("no wav file to replay")
}

// Load decodes the header and PCM payload of a WAV file.
func Load(path string) (capture.AudioFormat, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return capture.AudioFormat{}, nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return capture.AudioFormat{}, nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	if err := d.FwdToPCM(); err != nil {
		return capture.AudioFormat{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := d.Err(); err != nil {
		return capture.AudioFormat{}, nil, fmt.Errorf("%s: %w", path, err)
	}

	format := capture.AudioFormat{
		SampleRate: int(d.SampleRate),
		BitDepth:   int(d.BitDepth),
		Channels:   int(d.NumChans),
	}
	switch d.WavAudioFormat {
	case formatPCM:
		format.Encoding = capture.EncodingInt
	case formatFloat:
		format.Encoding = capture.EncodingFloat
	default:
		return format, nil, errs.Invalid("wav_format", d.WavAudioFormat, "only PCM and IEEE float are supported")
	}
	if err := format.Validate(); err != nil {
		return format, nil, fmt.Errorf("%s: %w", path, err)
	}

	pcm := make([]byte, d.PCMLen())
	n, err := io.ReadFull(d.PCMChunk, pcm)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return format, nil, fmt.Errorf("%s: read pcm: %w", path, err)
	}
	pcm = pcm[:n-n%format.BytesPerFrame()]
	if len(pcm) == 0 {
		return format, nil, fmt.Errorf("%s: no audio data", path)
	}
	return format, pcm, nil
}

func (b *Backend) Open(dev capture.Device, cfg capture.StreamConfig, onData capture.DataFunc, onStop capture.StopFunc) (capture.Stream, error) {
	format, pcm, err := Load(dev.ID)
	if err != nil {
		return nil, errs.DeviceUnavailable("%v", err)
	}
	period := cfg.PeriodFrames
	if period <= 0 {
		period = 1024
	}
	return &Stream{
		format: format,
		pcm:    pcm,
		chunk:  period * format.BytesPerFrame(),
		loop:   b.loop,
		onData: onData,
		onStop: onStop,
	}, nil
}

func (b *Backend) Close() error { return nil }

// Stream delivers one period of the file per period of wall time.
type Stream struct {
	format capture.AudioFormat
	pcm    []byte
	chunk  int
	loop   bool
	onData capture.DataFunc
	onStop capture.StopFunc

	mu   sync.Mutex
	pos  int
	quit chan struct{}
	done chan struct{}
}

func (s *Stream) Format() capture.AudioFormat { return s.format }

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quit != nil {
		return nil
	}
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.quit, s.done)
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.quit, s.done = nil, nil
	s.mu.Unlock()
	if quit != nil {
		close(quit)
		<-done
	}
	return nil
}

func (s *Stream) Close() error {
	return s.Stop()
}

func (s *Stream) run(quit, done chan struct{}) {
	defer close(done)

	frames := s.chunk / s.format.BytesPerFrame()
	interval := time.Duration(frames) * time.Second / time.Duration(s.format.SampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
		}

		end := min(s.pos+s.chunk, len(s.pcm))
		s.onData(s.pcm[s.pos:end])
		s.pos = end
		if s.pos < len(s.pcm) {
			continue
		}
		if s.loop {
			s.pos = 0
			continue
		}
		s.onStop(ErrEnded)
		return
	}
}
