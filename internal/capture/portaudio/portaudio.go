// SPDX-License-Identifier: MIT

// Package portaudio captures render audio through input endpoints that expose
// it: PulseAudio/PipeWire monitor sources, "Stereo Mix", BlackHole and similar
// loopback drivers.
package portaudio

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"loopviz/internal/capture"
	"loopviz/internal/errs"

	"github.com/gordonklaus/portaudio"
)

const Name = "portaudio"

// loopbackHints are lowercase name fragments of input devices that carry
// what the system is playing.
var loopbackHints = []string{"monitor", "loopback", "stereo mix", "what u hear", "blackhole", "soundflower"}

// IsLoopbackName reports whether an input device name looks like a loopback source.
func IsLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range loopbackHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// Backend implements capture.Backend on PortAudio.
type Backend struct {
	// LowLatency picks the device's low input latency instead of the high one.
	LowLatency bool
}

// New sets up the PortAudio subsystem. Close must be called to terminate it.
func New(lowLatency bool) (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &Backend{LowLatency: lowLatency}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Devices() ([]capture.Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	var devices []capture.Device
	for i, info := range infos {
		if info.MaxInputChannels == 0 || !IsLoopbackName(info.Name) {
			continue
		}
		devices = append(devices, capture.Device{
			ID:                strconv.Itoa(i),
			Name:              info.Name,
			Backend:           Name,
			IsDefault:         len(devices) == 0,
			Channels:          min(info.MaxInputChannels, 2),
			DefaultSampleRate: int(info.DefaultSampleRate),
		})
	}
	return devices, nil
}

func (b *Backend) DefaultDevice() (capture.Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return capture.Device{}, err
	}
	if len(devices) == 0 {
		return capture.Device{}, errs.DeviceUnavailable("no monitor or loopback input found")
	}
	return devices[0], nil
}

func (b *Backend) lookup(id string) (*portaudio.DeviceInfo, error) {
	idx, err := strconv.Atoi(id)
	if err != nil {
		return nil, errs.DeviceUnavailable("invalid device ID: %s", id)
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(infos) {
		return nil, errs.DeviceUnavailable("invalid device ID: %d", idx)
	}
	return infos[idx], nil
}

// Open opens a 32-bit integer input stream. PortAudio has no device-lost
// notification, so onStop is never called.
func (b *Backend) Open(dev capture.Device, cfg capture.StreamConfig, onData capture.DataFunc, _ capture.StopFunc) (capture.Stream, error) {
	info, err := b.lookup(dev.ID)
	if err != nil {
		return nil, err
	}

	latency := info.DefaultHighInputLatency
	if b.LowLatency {
		latency = info.DefaultLowInputLatency
	}
	channels := min(cfg.Channels, info.MaxInputChannels)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Channels: channels,
			Device:   info,
			Latency:  latency,
		},
		Output: portaudio.StreamDeviceParameters{
			Channels: 0, // No output device
			Device:   nil,
		},
		FramesPerBuffer: cfg.PeriodFrames,
		SampleRate:      float64(cfg.SampleRate),
	}

	// Reused on every callback; PortAudio delivers at most FramesPerBuffer frames.
	raw := make([]byte, cfg.PeriodFrames*channels*4)
	s := &Stream{
		format: capture.AudioFormat{
			SampleRate: cfg.SampleRate,
			BitDepth:   32,
			Channels:   channels,
			Encoding:   capture.EncodingInt,
		},
	}
	stream, err := portaudio.OpenStream(params, func(in []int32) {
		n := min(len(in), len(raw)/4)
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(in[i]))
		}
		onData(raw[:n*4])
	})
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

func (b *Backend) Close() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// Stream wraps a PortAudio input stream.
type Stream struct {
	stream *portaudio.Stream
	format capture.AudioFormat
}

func (s *Stream) Format() capture.AudioFormat { return s.format }

func (s *Stream) Start() error {
	return s.stream.Start()
}

func (s *Stream) Stop() error {
	return s.stream.Stop()
}

func (s *Stream) Close() error {
	return s.stream.Close()
}
