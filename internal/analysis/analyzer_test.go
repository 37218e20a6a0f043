// SPDX-License-Identifier: MIT
package analysis

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/cmplx"
	"math/rand"
	"sync"
	"testing"
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/errs"
	"loopviz/internal/log"
	"loopviz/internal/queue"
	"loopviz/pkg/utils"

	"github.com/mjibson/go-dsp/fft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetOutput(io.Discard)
}

// collector keeps a copy of the most recent published frame.
type collector struct {
	mu    sync.Mutex
	last  *buffer.SpectrumFrame
	count int
}

func (c *collector) listen(f *buffer.SpectrumFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = f.Clone()
	c.count++
}

func (c *collector) frame() *buffer.SpectrumFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func testConfig(fftSize, sampleRate, bands int, smoothing float64) Config {
	cfg := DefaultConfig()
	cfg.FFTSize = fftSize
	cfg.SampleRate = sampleRate
	cfg.Bands = bands
	cfg.Smoothing = smoothing
	return cfg
}

func newTestAnalyzer(t *testing.T, cfg Config) (*Analyzer, *collector) {
	t.Helper()
	q := queue.New[*buffer.SampleBatch](16)
	pool := buffer.NewSamplePool(q.Cap()+2, cfg.FFTSize)
	a := NewAnalyzer(q, pool)
	require.NoError(t, a.Apply(cfg))
	c := &collector{}
	a.Subscribe(c.listen)
	t.Cleanup(func() { _ = a.Stop() })
	return a, c
}

// feed runs signal through the analyzer synchronously in batches.
func feed(a *Analyzer, ws *workspace, signal []float64, batch, rate int) {
	for off := 0; off+batch <= len(signal); off += batch {
		b := a.samples.Acquire()
		for i, v := range signal[off : off+batch] {
			b.Samples[i] = float32(v)
		}
		b.Len = batch
		b.SampleRate = rate
		b.Timestamp = buffer.Ticks()
		a.process(ws, b)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"FFT Not Power Of Two", func(c *Config) { c.FFTSize = 1000 }},
		{"FFT Too Small", func(c *Config) { c.FFTSize = 256 }},
		{"FFT Too Large", func(c *Config) { c.FFTSize = 16384 }},
		{"Too Few Bands", func(c *Config) { c.Bands = 3 }},
		{"Too Many Bands", func(c *Config) { c.Bands = 65 }},
		{"Negative Smoothing", func(c *Config) { c.Smoothing = -0.1 }},
		{"Smoothing Above One", func(c *Config) { c.Smoothing = 1.1 }},
		{"Smoothing NaN", func(c *Config) { c.Smoothing = math.NaN() }},
		{"Sample Rate Too Low", func(c *Config) { c.SampleRate = 4000 }},
		{"Sample Rate Too High", func(c *Config) { c.SampleRate = 384000 }},
		{"Zero Min Frequency", func(c *Config) { c.MinFrequency = 0 }},
		{"Inverted Range", func(c *Config) { c.MaxFrequency = 10 }},
		{"Min Above Nyquist", func(c *Config) { c.SampleRate = 8000; c.MinFrequency = 5000; c.MaxFrequency = 6000 }},
		{"Unknown Window", func(c *Config) { c.Window = WindowFunc(42) }},
		{"Zero Attack", func(c *Config) { c.Attack = 0 }},
		{"Zero Decay", func(c *Config) { c.Decay = 0 }},
		{"Average Window Zero", func(c *Config) { c.AverageWindow = 0 }},
		{"Average Window Too Long", func(c *Config) { c.AverageWindow = 17 }},
		{"Noise Floor Above One", func(c *Config) { c.NoiseFloorMin = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation))
			var ve *errs.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestConfigureRejectsWithoutMutation(t *testing.T) {
	a, _ := newTestAnalyzer(t, testConfig(1024, 44100, 16, 0.8))
	before := a.Config()

	err := a.Configure(1000, 44100, 16, 0.8)
	assert.ErrorIs(t, err, errs.ErrValidation)
	err = a.UpdateFrequencyBands(128)
	assert.ErrorIs(t, err, errs.ErrValidation)
	err = a.UpdateSmoothing(2, 10*time.Millisecond, 300*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrValidation)

	assert.Equal(t, before, a.Config())
	assert.Equal(t, 1024, a.samples.Shape())
	assert.Equal(t, StateReady, a.State())
}

func TestMaxFrequencyClampedToNyquist(t *testing.T) {
	a, _ := newTestAnalyzer(t, testConfig(1024, 22050, 16, 0.8))
	assert.Equal(t, 11025.0, a.Config().MaxFrequency)
}

func TestBandMappingInvariants(t *testing.T) {
	for fftSize := MinFFTSize; fftSize <= MaxFFTSize; fftSize *= 2 {
		for _, rate := range []int{MinSampleRate, 44100, 48000, MaxSampleRate} {
			for bands := MinBands; bands <= MaxBands; bands++ {
				cfg := testConfig(fftSize, rate, bands, 0.5).nyquistClamped()
				require.NoError(t, cfg.Validate())
				m := NewBandMapping(fftSize, rate, bands, cfg.MinFrequency, cfg.MaxFrequency)

				name := fmt.Sprintf("fft=%d rate=%d bands=%d", fftSize, rate, bands)
				require.Equal(t, bands, m.Len(), name)
				last := 0
				for i := 0; i < bands; i++ {
					if m.Owned[i] {
						assert.Greater(t, m.Start[i], last, "%s: band %d shares a bin", name, i)
						last = m.End[i]
					}
					assert.GreaterOrEqual(t, m.Start[i], 1, name)
					assert.LessOrEqual(t, m.End[i], fftSize/2-1, name)
					assert.GreaterOrEqual(t, m.End[i], m.Start[i], name)
					if i > 0 {
						assert.GreaterOrEqual(t, m.Start[i], m.Start[i-1], name)
						assert.GreaterOrEqual(t, m.End[i], m.End[i-1], name)
						assert.Greater(t, m.Weights[i], m.Weights[i-1], name)
					}
				}
			}
		}
	}
}

func TestConfigureAllValidPairs(t *testing.T) {
	a, _ := newTestAnalyzer(t, DefaultConfig())
	for fftSize := MinFFTSize; fftSize <= MaxFFTSize; fftSize *= 2 {
		for bands := MinBands; bands <= MaxBands; bands++ {
			require.NoError(t, a.Configure(fftSize, 44100, bands, 0.5))
			m, ok := a.Mapping()
			require.True(t, ok)
			assert.Equal(t, bands, m.Len())
			assert.LessOrEqual(t, m.End[bands-1], fftSize/2-1)
		}
	}
}

func TestSinePeakBand(t *testing.T) {
	const rate = 44100
	for _, fftSize := range []int{1024, 2048} {
		a, c := newTestAnalyzer(t, testConfig(fftSize, rate, 16, 0.5))
		m, _ := a.Mapping()

		for band := 0; band < m.Len(); band++ {
			t.Run(fmt.Sprintf("fft %d band %d", fftSize, band), func(t *testing.T) {
				freq := m.Center(band)
				if m.Owned[band] {
					// The owned bin closest to the band center, on the bin.
					k := max(m.Start[band], min(m.End[band], int(math.Round(freq/m.BinHz))))
					freq = float64(k) * m.BinHz
				}
				require.Equal(t, band, m.BandFor(freq))

				var ws workspace
				feed(a, &ws, utils.GenerateTones(fftSize*20, rate, utils.Tone{Frequency: freq, Amplitude: 0.8}), fftSize, rate)

				f := c.frame()
				require.NotNil(t, f)
				if m.Owned[band] {
					assert.Equal(t, band, f.PeakBand, "%.0f Hz should peak in band %d, got %v", freq, band, f.Bands)
					assert.InDelta(t, 1.0, f.Peak, 1e-6)
					return
				}
				// Narrower than a bin: the tone lands in the band owning a neighbouring bin.
				assert.Zero(t, f.Bands[band])
				bin := freq / m.BinHz
				assert.Contains(t, []int{m.Owner(int(math.Floor(bin))), m.Owner(int(math.Ceil(bin)))}, f.PeakBand,
					"%.0f Hz peaked in band %d: %v", freq, f.PeakBand, f.Bands)
			})
		}
	}
}

func TestToneSweepPeaksInOwningBand(t *testing.T) {
	const (
		rate  = 44100
		tones = 120
		lowHz = 25.0
		topHz = 19000.0
	)
	for _, fftSize := range []int{1024, 2048} {
		t.Run(fmt.Sprintf("fft %d", fftSize), func(t *testing.T) {
			a, c := newTestAnalyzer(t, testConfig(fftSize, rate, 16, 0.5))
			m, _ := a.Mapping()

			for i := range tones {
				freq := lowHz * math.Pow(topHz/lowHz, float64(i)/float64(tones-1))
				var ws workspace
				feed(a, &ws, utils.GenerateTones(fftSize*20, rate, utils.Tone{Frequency: freq, Amplitude: 0.8}), fftSize, rate)

				f := c.frame()
				require.NotNil(t, f)
				bin := freq / m.BinHz
				want := []int{m.Owner(int(math.Floor(bin))), m.Owner(int(math.Ceil(bin)))}
				assert.Contains(t, want, f.PeakBand, "%.1f Hz: %v", freq, f.Bands)
				assert.True(t, m.Owned[f.PeakBand], "%.1f Hz peaked in band %d, which owns no bin", freq, f.PeakBand)
			}
		})
	}
}

func TestTwoTonesProduceTwoMaxima(t *testing.T) {
	const (
		rate  = 44100
		batch = 1024
	)
	a, c := newTestAnalyzer(t, testConfig(1024, rate, 16, 0.8))
	m, _ := a.Mapping()

	signal := utils.GenerateTones(batch*30, rate,
		utils.Tone{Frequency: 1000, Amplitude: 0.5},
		utils.Tone{Frequency: 8000, Amplitude: 0.5},
	)
	var ws workspace
	feed(a, &ws, signal, batch, rate)

	f := c.frame()
	require.NotNil(t, f)
	require.Equal(t, 16, f.BandCount())

	for _, hz := range []float64{1000, 8000} {
		band := m.BandFor(hz)
		require.Greater(t, band, 0)
		require.Less(t, band, 15)
		assert.Greater(t, f.Bands[band], f.Bands[band-1], "%v Hz band should exceed its lower neighbour: %v", hz, f.Bands)
		assert.Greater(t, f.Bands[band], f.Bands[band+1], "%v Hz band should exceed its upper neighbour: %v", hz, f.Bands)
	}
	assert.Equal(t, 9, m.BandFor(1000))
	assert.Equal(t, 13, m.BandFor(8000))
}

func TestSilenceResetsToZero(t *testing.T) {
	const rate = 44100
	a, c := newTestAnalyzer(t, testConfig(1024, rate, 16, 0.8))

	var ws workspace
	feed(a, &ws, utils.GenerateSineWave(1024*10, rate, 1000), 1024, rate)
	require.Greater(t, c.frame().Peak, 0.0)

	// 50 batches of 1024 samples is more than one second at 44.1kHz.
	feed(a, &ws, make([]float64, 1024*50), 1024, rate)

	f := c.frame()
	for i, v := range f.Bands {
		assert.Equal(t, 0.0, v, "band %d", i)
	}
	assert.Equal(t, 0.0, f.Peak)
	assert.Equal(t, 0.0, f.RMS)
	assert.Equal(t, int64(1), a.Stats().SilenceResets)
}

func TestSilenceFadesBeforeReset(t *testing.T) {
	const rate = 44100
	a, c := newTestAnalyzer(t, testConfig(1024, rate, 16, 0.8))

	var ws workspace
	feed(a, &ws, utils.GenerateSineWave(1024*10, rate, 1000), 1024, rate)
	loud := c.frame().Peak

	feed(a, &ws, make([]float64, 1024), 1024, rate)
	quiet := c.frame().Peak
	assert.Less(t, quiet, loud)
	assert.Greater(t, quiet, 0.0)
	assert.Zero(t, a.Stats().SilenceResets)
}

func TestConfigureRoundTrip(t *testing.T) {
	const rate = 44100
	a, c := newTestAnalyzer(t, DefaultConfig())

	require.NoError(t, a.Configure(512, rate, 16, 0.8))
	require.NoError(t, a.Configure(1024, rate, 32, 0.5))

	cfg := a.Config()
	assert.Equal(t, 1024, cfg.FFTSize)
	assert.Equal(t, 32, cfg.Bands)
	assert.Equal(t, 0.5, cfg.Smoothing)
	assert.Equal(t, 1024, a.samples.Shape())
	assert.Equal(t, 32, a.spectra.Shape())

	b := a.samples.Acquire()
	assert.Len(t, b.Samples, 1024)
	a.samples.Release(b)

	var ws workspace
	feed(a, &ws, utils.GenerateSineWave(1024, rate, 1000), 1024, rate)
	f := c.frame()
	require.NotNil(t, f)
	assert.Equal(t, 32, f.BandCount())
	assert.Len(t, ws.mags, 512)
	assert.Len(t, ws.target, 32)
}

func TestUpdateFrequencyBandsWhileProcessing(t *testing.T) {
	const rate = 48000
	a, c := newTestAnalyzer(t, testConfig(1024, rate, 16, 0.5))

	var ws workspace
	signal := utils.GenerateSineWave(1024*4, rate, 2000)
	feed(a, &ws, signal, 1024, rate)
	assert.Equal(t, 16, c.frame().BandCount())

	require.NoError(t, a.UpdateFrequencyBands(24))
	feed(a, &ws, signal, 1024, rate)
	assert.Equal(t, 24, c.frame().BandCount())
}

func TestUpdateSmoothingKeepsBandState(t *testing.T) {
	const rate = 48000
	a, _ := newTestAnalyzer(t, testConfig(1024, rate, 16, 0.5))

	var ws workspace
	feed(a, &ws, utils.GenerateSineWave(1024*4, rate, 2000), 1024, rate)
	state := append([]float64(nil), ws.env.state...)

	require.NoError(t, a.UpdateSmoothing(0.9, 5*time.Millisecond, 500*time.Millisecond))
	ws.apply(a.snap.Load())
	assert.Equal(t, state, ws.env.state)
	assert.Equal(t, 0.9, a.Config().Smoothing)
}

func TestFrameValuesInRange(t *testing.T) {
	const rate = 48000
	a, c := newTestAnalyzer(t, testConfig(2048, rate, 48, 0.3))
	rng := rand.New(rand.NewSource(7))

	var ws workspace
	for range 40 {
		signal := make([]float64, 2048)
		for i := range signal {
			signal[i] = rng.Float64()*2 - 1
		}
		feed(a, &ws, signal, 2048, rate)

		f := c.frame()
		maxV := 0.0
		for _, v := range f.Bands {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0+1e-12)
			maxV = math.Max(maxV, v)
		}
		assert.Equal(t, maxV, f.Peak)
		assert.Equal(t, f.Peak, f.Bands[f.PeakBand])
		assert.LessOrEqual(t, f.RMS, f.Peak+1e-12)
	}
}

func TestMagnitudesMatchReferenceFFT(t *testing.T) {
	const (
		rate    = 48000
		fftSize = 1024
	)
	cfg := testConfig(fftSize, rate, 16, 0.5)
	a, _ := newTestAnalyzer(t, cfg)
	rng := rand.New(rand.NewSource(1))

	signal := make([]float64, fftSize)
	for i := range signal {
		signal[i] = rng.Float64() - 0.5
	}
	var ws workspace
	feed(a, &ws, signal, fftSize, rate)

	win := windowCoefficients(fftSize, cfg.Window)
	windowed := make([]float64, fftSize)
	for i := range windowed {
		windowed[i] = float64(float32(signal[i])) * win[i]
	}
	ref := fft.FFTReal(windowed)
	for k := range ws.mags {
		assert.InDelta(t, cmplx.Abs(ref[k])*2/fftSize, ws.mags[k], 1e-9, "bin %d", k)
	}
}

func TestFaultIsRecovered(t *testing.T) {
	const rate = 48000
	a, c := newTestAnalyzer(t, testConfig(1024, rate, 16, 0.5))
	first := true
	a.Subscribe(func(*buffer.SpectrumFrame) {
		if first {
			first = false
			panic("subscriber bug")
		}
	})

	available := a.samples.Available()
	var ws workspace
	signal := utils.GenerateSineWave(1024*2, rate, 1000)
	feed(a, &ws, signal, 1024, rate)

	st := a.Stats()
	assert.Equal(t, int64(1), st.Faults)
	assert.Equal(t, int64(1), st.Frames, "faulted frame is dropped")
	assert.Equal(t, 2, c.count, "first listener saw both frames before the panic")
	assert.Equal(t, available, a.samples.Available(), "batches returned on fault")
	assert.Equal(t, SpectrumPoolSize, a.spectra.Available())
}

func TestProcessZeroAllocs(t *testing.T) {
	const rate = 48000
	q := queue.New[*buffer.SampleBatch](4)
	pool := buffer.NewSamplePool(q.Cap()+2, 1024)
	a := NewAnalyzer(q, pool)
	require.NoError(t, a.Apply(testConfig(1024, rate, 32, 0.5)))

	signal := utils.ToFloat32(utils.GenerateSineWave(1024, rate, 1000))
	var ws workspace
	step := func() {
		b := pool.Acquire()
		copy(b.Samples, signal)
		b.Len = len(signal)
		b.SampleRate = rate
		a.process(&ws, b)
	}
	step()

	allocs := testing.AllocsPerRun(50, step)
	assert.Zero(t, allocs)
}

func TestStartStopLoop(t *testing.T) {
	const rate = 48000
	cfg := testConfig(1024, rate, 16, 0.5)
	q := queue.New[*buffer.SampleBatch](8)
	pool := buffer.NewSamplePool(q.Cap()+2, cfg.FFTSize)
	a := NewAnalyzer(q, pool)

	assert.ErrorIs(t, a.Start(), errs.ErrValidation, "start requires configuration")
	require.NoError(t, a.Apply(cfg))

	got := make(chan struct{}, 64)
	a.Subscribe(func(*buffer.SpectrumFrame) {
		select {
		case got <- struct{}{}:
		default:
		}
	})

	require.NoError(t, a.Start())
	assert.Equal(t, StateAnalyzing, a.State())
	require.NoError(t, a.Start(), "start is idempotent")

	signal := utils.ToFloat32(utils.GenerateSineWave(1024, rate, 440))
	for range 4 {
		b := pool.Acquire()
		copy(b.Samples, signal)
		b.Len, b.SampleRate, b.Timestamp = len(signal), rate, buffer.Ticks()
		require.True(t, q.TryEnqueue(b))
	}
	for range 4 {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("analyzer did not publish")
		}
	}

	// Reconfigure while running stays in Analyzing.
	require.NoError(t, a.UpdateFrequencyBands(8))
	assert.Equal(t, StateAnalyzing, a.State())

	require.NoError(t, a.Stop())
	assert.Equal(t, StateIdle, a.State())
	require.NoError(t, a.Stop())

	assert.Equal(t, pool.Capacity(), pool.Available(), "sample pool back to baseline")
	assert.Equal(t, SpectrumPoolSize, a.spectra.Available(), "spectrum pool back to baseline")
	assert.Equal(t, int64(4), a.Stats().Frames)
}

func TestStopReleasesQueuedBatches(t *testing.T) {
	cfg := testConfig(1024, 48000, 16, 0.5)
	q := queue.New[*buffer.SampleBatch](8)
	pool := buffer.NewSamplePool(q.Cap()+2, cfg.FFTSize)
	a := NewAnalyzer(q, pool)
	require.NoError(t, a.Apply(cfg))
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())

	for range 3 {
		require.True(t, q.TryEnqueue(pool.Acquire()))
	}
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())
	assert.Zero(t, q.Len())
	assert.Equal(t, pool.Capacity(), pool.Available())
}

func BenchmarkProcess(b *testing.B) {
	const rate = 48000
	q := queue.New[*buffer.SampleBatch](4)
	pool := buffer.NewSamplePool(q.Cap()+2, 2048)
	a := NewAnalyzer(q, pool)
	if err := a.Apply(testConfig(2048, rate, 64, 0.5)); err != nil {
		b.Fatal(err)
	}
	signal := utils.ToFloat32(utils.GenerateComplexWave(2048, rate))
	var ws workspace

	b.ReportAllocs()
	for b.Loop() {
		batch := pool.Acquire()
		copy(batch.Samples, signal)
		batch.Len = len(signal)
		batch.SampleRate = rate
		a.process(&ws, batch)
	}
}
