// SPDX-License-Identifier: MIT
package audio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loopviz/internal/analysis"
	"loopviz/internal/buffer"
	"loopviz/internal/capture"
	"loopviz/internal/capture/synth"
	"loopviz/internal/errs"
	"loopviz/internal/log"
	"loopviz/internal/recorder"
	"loopviz/pkg/utils"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

var (
	speakers = capture.Device{ID: "spk", Name: "Speakers", Backend: synth.Name, IsDefault: true, Channels: 2, DefaultSampleRate: 48000}
	headset  = capture.Device{ID: "hs", Name: "Headset", Backend: synth.Name, Channels: 2, DefaultSampleRate: 48000}
)

func init() {
	log.SetOutput(io.Discard)
}

func newBackend(format capture.AudioFormat) *synth.Backend {
	return synth.New(synth.Options{
		Format:  format,
		Tones:   []utils.Tone{{Frequency: 1000, Amplitude: 0.5}},
		Devices: []capture.Device{speakers, headset},
	})
}

func newTestEngine(t *testing.T, backend *synth.Backend, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{Analysis: analysis.DefaultConfig()}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(backend, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// frameSignal returns a channel that receives a value per published frame,
// dropping signals nobody waits for.
func frameSignal(e *Engine) chan struct{} {
	ch := make(chan struct{}, 1)
	e.OnSpectrum(func(*buffer.SpectrumFrame) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func drain[T any](ch <-chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestNewEngineSizesQueueAndPool(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{}), nil)
	st := e.Stats()
	// 50ms at 48kHz is 2400 samples, three 1024-sample batches, rounded up to four.
	assert.Equal(t, 4, st.QueueLimit)
	// 50ms at 192kHz in 512-sample batches is 19, rounded up to 32.
	assert.Equal(t, 32, st.QueueCap)
	assert.Equal(t, st.QueueCap+2, st.Samples.Capacity)
	assert.Equal(t, 1024, st.Samples.Shape)
	assert.Equal(t, analysis.SpectrumPoolSize, st.Spectra.Capacity)
	assert.Equal(t, synth.Name, e.Backend())
}

func TestNewEngineRejectsInvalidAnalysis(t *testing.T) {
	cfg := analysis.DefaultConfig()
	cfg.FFTSize = 1000
	_, err := NewEngine(newBackend(capture.AudioFormat{}), Options{Analysis: cfg})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestEngineStartStopCyclesReturnBuffers(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{BitDepth: 16, Encoding: capture.EncodingInt}), nil)
	frames := frameSignal(e)

	for i := range 10 {
		drain(frames)
		require.NoError(t, e.StartCapture(nil), "cycle %d", i)
		assert.Equal(t, capture.StateCapturing, e.CaptureState())
		assert.Equal(t, analysis.StateAnalyzing, e.AnalysisState())
		waitFor(t, frames)
		require.NoError(t, e.StopCapture(), "cycle %d", i)
		assert.Equal(t, capture.StateIdle, e.CaptureState())
		assert.Equal(t, analysis.StateIdle, e.AnalysisState())
	}

	st := e.Stats()
	assert.Equal(t, st.Samples.Capacity, st.Samples.Available, "sample pool back to baseline")
	assert.Equal(t, st.Spectra.Capacity, st.Spectra.Available, "spectrum pool back to baseline")
	assert.Zero(t, st.QueueDepth)
	assert.GreaterOrEqual(t, st.Analysis.Frames, int64(10))
	assert.Zero(t, st.Analysis.Faults)
}

func TestEngineFollowsDeviceSampleRate(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{SampleRate: 44100}), nil)
	frames := frameSignal(e)

	require.NoError(t, e.StartCapture(nil))
	assert.Equal(t, 44100, e.AnalysisConfig().SampleRate)
	assert.Equal(t, 44100, e.Stats().Capture.Format.SampleRate)
	waitFor(t, frames)
}

func TestEngineStartFailureLeavesIdle(t *testing.T) {
	backend := newBackend(capture.AudioFormat{})
	backend.FailOpen(speakers.ID, errors.New("device busy"))
	e := newTestEngine(t, backend, nil)

	err := e.StartCapture(nil)
	assert.ErrorIs(t, err, errs.ErrDeviceUnavailable)
	assert.Equal(t, capture.StateIdle, e.CaptureState())
	assert.NotEqual(t, analysis.StateAnalyzing, e.AnalysisState())
	assert.Nil(t, e.Device())

	backend.FailOpen(speakers.ID, nil)
	require.NoError(t, e.StartCapture(nil))
	assert.Equal(t, speakers.ID, e.Device().ID)
}

func TestEngineSwitchDevice(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{}), nil)
	events := make(chan capture.DeviceChange, 4)
	e.OnDeviceChanged(func(ev capture.DeviceChange) { events <- ev })

	require.NoError(t, e.StartCapture(nil))
	require.NoError(t, e.SwitchDevice(&headset))

	ev := waitFor(t, events)
	assert.Equal(t, capture.ReasonSwitched, ev.Reason)
	require.NotNil(t, ev.Previous)
	require.NotNil(t, ev.Current)
	assert.Equal(t, speakers.ID, ev.Previous.ID)
	assert.Equal(t, headset.ID, ev.Current.ID)
	assert.Equal(t, headset.ID, e.Device().ID)
	assert.Len(t, e.Devices(), 2)
}

func TestEngineAutoReselectAfterLoss(t *testing.T) {
	backend := newBackend(capture.AudioFormat{})
	e := newTestEngine(t, backend, func(o *Options) { o.AutoReselect = true })
	events := make(chan capture.DeviceChange, 4)
	e.OnDeviceChanged(func(ev capture.DeviceChange) { events <- ev })

	require.NoError(t, e.StartCapture(&headset))
	backend.Remove(headset.ID)

	lost := waitFor(t, events)
	assert.Equal(t, capture.ReasonDeviceLost, lost.Reason)
	require.NotNil(t, lost.Previous)
	assert.Equal(t, headset.ID, lost.Previous.ID)
	assert.Nil(t, lost.Current)

	switched := waitFor(t, events)
	assert.Equal(t, capture.ReasonSwitched, switched.Reason)
	require.NotNil(t, switched.Current)
	assert.Equal(t, speakers.ID, switched.Current.ID)

	assert.Equal(t, capture.StateCapturing, e.CaptureState())
	assert.Equal(t, speakers.ID, e.Device().ID)
}

func TestEngineLossWithoutReselect(t *testing.T) {
	backend := newBackend(capture.AudioFormat{})
	e := newTestEngine(t, backend, nil)
	events := make(chan capture.DeviceChange, 4)
	e.OnDeviceChanged(func(ev capture.DeviceChange) { events <- ev })

	require.NoError(t, e.StartCapture(&headset))
	backend.Remove(headset.ID)

	ev := waitFor(t, events)
	assert.Equal(t, capture.ReasonDeviceLost, ev.Reason)
	assert.Equal(t, capture.StateError, e.CaptureState())

	require.NoError(t, e.StopCapture())
	assert.Equal(t, capture.StateIdle, e.CaptureState())
	st := e.Stats()
	assert.Equal(t, st.Samples.Capacity, st.Samples.Available)
}

func TestEngineAnalysisControl(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{}), nil)
	before := e.AnalysisConfig()

	assert.ErrorIs(t, e.UpdateFrequencyBands(100), errs.ErrValidation)
	assert.ErrorIs(t, e.ConfigureAnalysis(1024, 48000, 32, 1.5), errs.ErrValidation)
	assert.Equal(t, before, e.AnalysisConfig())

	require.NoError(t, e.ConfigureAnalysis(2048, 48000, 24, 0.6))
	require.NoError(t, e.UpdateSmoothing(0.7, 5*time.Millisecond, 200*time.Millisecond))
	cfg := e.AnalysisConfig()
	assert.Equal(t, 2048, cfg.FFTSize)
	assert.Equal(t, 24, cfg.Bands)
	assert.Equal(t, 0.7, cfg.Smoothing)
	assert.Equal(t, 200*time.Millisecond, cfg.Decay)
	assert.Equal(t, 2048, e.Stats().Samples.Shape)

	m, ok := e.BandMapping()
	require.True(t, ok)
	assert.Equal(t, 24, m.Len())
}

func TestEngineQueueFollowsAnalysisConfig(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{}), nil)
	capacity := e.Stats().QueueCap

	require.NoError(t, e.ConfigureAnalysis(512, 96000, 16, 0.8))
	assert.Equal(t, 16, e.Stats().QueueLimit)

	cfg := e.AnalysisConfig()
	cfg.FFTSize = 8192
	require.NoError(t, e.ApplyAnalysis(cfg))
	assert.Equal(t, 4, e.Stats().QueueLimit)

	assert.Error(t, e.ConfigureAnalysis(1000, 96000, 16, 0.8))
	assert.Equal(t, 4, e.Stats().QueueLimit, "rejected configuration leaves the queue alone")
	assert.Equal(t, capacity, e.Stats().QueueCap)
}

func TestEngineSmallerFFTKeepsEveryBatch(t *testing.T) {
	format := capture.AudioFormat{SampleRate: 96000, BitDepth: 32, Channels: 2, Encoding: capture.EncodingFloat}
	studio := capture.Device{ID: "studio", Name: "Studio", Backend: synth.Name, IsDefault: true, Channels: 2, DefaultSampleRate: 96000}
	backend := synth.New(synth.Options{Format: format, Devices: []capture.Device{studio}, Manual: true})
	e := newTestEngine(t, backend, func(o *Options) {
		o.Analysis.FFTSize = 8192
	})

	require.NoError(t, e.StartCapture(nil))
	require.Equal(t, 96000, e.AnalysisConfig().SampleRate)
	require.NoError(t, e.ConfigureAnalysis(512, 96000, 16, 0.8))
	require.Equal(t, 16, e.Stats().QueueLimit)

	// Each 4096-frame callback splits into eight 512-sample batches.
	raw := synth.Encode(utils.GenerateTones(4096, 96000, utils.Tone{Frequency: 1000, Amplitude: 0.5}), format)
	for i := range 20 {
		require.Equal(t, 1, backend.Emit(raw))
		require.Eventually(t, func() bool { return e.Stats().QueueDepth == 0 }, waitTimeout, time.Millisecond, "callback %d", i)
	}

	st := e.Stats()
	assert.Equal(t, int64(160), st.Capture.Batches)
	assert.Zero(t, st.Capture.Dropped)
	assert.Zero(t, st.Samples.Misses)
}

func TestEngineBandsChangeWhileCapturing(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{}), nil)
	bands := make(chan int, 64)
	e.OnSpectrum(func(f *buffer.SpectrumFrame) {
		select {
		case bands <- f.BandCount():
		default:
		}
	})

	require.NoError(t, e.StartCapture(nil))
	assert.Equal(t, 32, waitFor(t, bands))
	require.NoError(t, e.UpdateFrequencyBands(12))

	deadline := time.After(waitTimeout)
	for {
		select {
		case n := <-bands:
			if n == 12 {
				return
			}
		case <-deadline:
			t.Fatal("no frame with the new band count")
		}
	}
}

func TestSetNoiseFloorMinimumClamps(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{}), nil)

	tests := []struct {
		in, want float64
	}{
		{0.01, 0.01},
		{-1, 0},
		{5, 1},
		{0, 0},
	}
	for _, tt := range tests {
		require.NoError(t, e.SetNoiseFloorMinimum(tt.in))
		assert.Equal(t, tt.want, e.NoiseFloorMinimum())
	}
}

func TestEngineRecording(t *testing.T) {
	e := newTestEngine(t, newBackend(capture.AudioFormat{BitDepth: 16, Encoding: capture.EncodingInt}), nil)
	frames := frameSignal(e)
	path := filepath.Join(t.TempDir(), "loop.wav")

	require.NoError(t, e.StartRecording(path, recorder.Options{}))
	assert.True(t, e.Recording())
	assert.Error(t, e.StartRecording(path, recorder.Options{}), "one recording at a time")

	require.NoError(t, e.StartCapture(nil))
	for range 3 {
		waitFor(t, frames)
	}
	require.NoError(t, e.StopCapture())

	st := e.Stats()
	require.NotNil(t, st.Recording)
	assert.Equal(t, path, st.Recording.Path)

	require.NoError(t, e.StopRecording())
	assert.False(t, e.Recording())
	assert.Nil(t, e.Stats().Recording)
	require.NoError(t, e.StopRecording())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	d := wav.NewDecoder(f)
	require.True(t, d.IsValidFile())
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), d.SampleRate)
	assert.NotEmpty(t, buf.Data)
}

func TestEngineCloseStopsEverything(t *testing.T) {
	e, err := NewEngine(newBackend(capture.AudioFormat{}), Options{Analysis: analysis.DefaultConfig()})
	require.NoError(t, err)
	require.NoError(t, e.StartRecording(filepath.Join(t.TempDir(), "close.wav"), recorder.Options{}))
	require.NoError(t, e.StartCapture(nil))

	require.NoError(t, e.Close())
	assert.Equal(t, capture.StateIdle, e.CaptureState())
	assert.Equal(t, analysis.StateIdle, e.AnalysisState())
	assert.False(t, e.Recording())
}

func TestPrintDevices(t *testing.T) {
	var out bytes.Buffer
	PrintDevices(&out, synth.Name, []capture.Device{speakers, headset})
	s := out.String()
	assert.Contains(t, s, "[spk] Speakers (default)")
	assert.Contains(t, s, "[hs] Headset\n")
	assert.Contains(t, s, "Default sample rate: 48000 Hz")

	out.Reset()
	PrintDevices(&out, synth.Name, nil)
	assert.Contains(t, out.String(), "no render devices found")
}
