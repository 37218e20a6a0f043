// SPDX-License-Identifier: MIT

// Package malgo captures what a render device plays through miniaudio's
// loopback device type. Loopback is a WASAPI feature; on other platforms the
// backend lists devices but opening a stream fails with ErrDeviceUnavailable.
package malgo

import (
	"fmt"
	"sync"
	"sync/atomic"

	"loopviz/internal/capture"
	"loopviz/internal/errs"
	"loopviz/internal/log"

	ma "github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

const Name = "malgo"

// Backend implements capture.Backend on a miniaudio context.
type Backend struct {
	ctx *ma.AllocatedContext
	log zerolog.Logger

	mu  sync.Mutex
	ids map[string]ma.DeviceID
}

// New initializes a miniaudio context with automatic backend selection.
func New() (*Backend, error) {
	logger := log.Component("malgo")
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		logger.Debug().Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio: %w", err)
	}
	return &Backend{ctx: ctx, log: logger, ids: make(map[string]ma.DeviceID)}, nil
}

func (b *Backend) Name() string { return Name }

// Devices lists playback endpoints; their loopback streams are what we capture.
func (b *Backend) Devices() ([]capture.Device, error) {
	infos, err := b.ctx.Devices(ma.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate playback devices: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	devices := make([]capture.Device, 0, len(infos))
	for _, info := range infos {
		id := info.ID.String()
		b.ids[id] = info.ID
		devices = append(devices, capture.Device{
			ID:        id,
			Name:      info.Name(),
			Backend:   Name,
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

func (b *Backend) DefaultDevice() (capture.Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return capture.Device{}, err
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return capture.Device{}, errs.DeviceUnavailable("no playback devices")
}

func (b *Backend) Open(dev capture.Device, cfg capture.StreamConfig, onData capture.DataFunc, onStop capture.StopFunc) (capture.Stream, error) {
	b.mu.Lock()
	id, ok := b.ids[dev.ID]
	b.mu.Unlock()
	if !ok {
		return nil, errs.DeviceUnavailable("device %q not enumerated", dev.Name)
	}

	dc := ma.DefaultDeviceConfig(ma.Loopback)
	dc.Capture.Format = ma.FormatF32
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.Capture.DeviceID = id.Pointer()
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	dc.Alsa.NoMMap = 1

	s := &Stream{log: b.log.With().Str("device", dev.Name).Logger()}
	callbacks := ma.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
		Stop: func() {
			if s.stopping.Load() {
				return
			}
			onStop(fmt.Errorf("miniaudio device %q stopped", dev.Name))
		},
	}

	device, err := ma.InitDevice(b.ctx.Context, dc, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init loopback device: %w", err)
	}
	s.device = device
	s.format, err = formatOf(device)
	if err != nil {
		device.Uninit()
		return nil, err
	}
	return s, nil
}

func formatOf(d *ma.Device) (capture.AudioFormat, error) {
	f := capture.AudioFormat{
		SampleRate: int(d.SampleRate()),
		Channels:   int(d.CaptureChannels()),
	}
	switch d.CaptureFormat() {
	case ma.FormatS16:
		f.BitDepth = 16
	case ma.FormatS24:
		f.BitDepth = 24
	case ma.FormatS32:
		f.BitDepth = 32
	case ma.FormatF32:
		f.BitDepth, f.Encoding = 32, capture.EncodingFloat
	default:
		return f, errs.Invalid("format", d.CaptureFormat(), "unsupported miniaudio sample format")
	}
	return f, nil
}

func (b *Backend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to uninitialize miniaudio: %w", err)
	}
	b.ctx.Free()
	return nil
}

// Stream wraps a miniaudio loopback device.
type Stream struct {
	device   *ma.Device
	format   capture.AudioFormat
	stopping atomic.Bool
	log      zerolog.Logger
}

func (s *Stream) Format() capture.AudioFormat { return s.format }

func (s *Stream) Start() error {
	s.stopping.Store(false)
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("start loopback device: %w", err)
	}
	return nil
}

func (s *Stream) Stop() error {
	s.stopping.Store(true)
	if !s.device.IsStarted() {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("stop loopback device: %w", err)
	}
	return nil
}

func (s *Stream) Close() error {
	s.stopping.Store(true)
	s.device.Uninit()
	s.log.Debug().Msg("loopback device released")
	return nil
}
