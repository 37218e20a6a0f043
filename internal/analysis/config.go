// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"strings"
	"time"

	"loopviz/internal/errs"
	"loopviz/pkg/bitint"
)

// Supported ranges.
const (
	MinFFTSize       = 512
	MaxFFTSize       = 8192
	MinBands         = 4
	MaxBands         = 64
	MinSampleRate    = 8000
	MaxSampleRate    = 192000
	MaxAverageWindow = 16
)

// ScalingMode selects how gated band magnitudes are compressed.
type ScalingMode int

const (
	ScalingLogarithmic ScalingMode = iota // log10(1 + 9m)
	ScalingLinear
)

func (m ScalingMode) String() string {
	if m == ScalingLinear {
		return "linear"
	}
	return "logarithmic"
}

// ParseScalingMode accepts "log", "logarithmic" and "linear".
func ParseScalingMode(s string) (ScalingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "log", "logarithmic":
		return ScalingLogarithmic, nil
	case "linear", "lin":
		return ScalingLinear, nil
	default:
		return ScalingLogarithmic, errs.Invalid("scaling", s, "must be linear or logarithmic")
	}
}

// Config is an immutable analysis configuration. The analyzer never mutates a
// Config in place; changes publish a new snapshot.
type Config struct {
	FFTSize       int
	SampleRate    int
	Bands         int
	Smoothing     float64 // Weight of the attack/decay envelope against the raw target, [0,1].
	MinFrequency  float64
	MaxFrequency  float64 // Clamped to Nyquist.
	Window        WindowFunc
	Scaling       ScalingMode
	Attack        time.Duration
	Decay         time.Duration
	AverageWindow int     // Moving-average length in frames.
	NoiseFloorMin float64 // Lower bound of the noise gate in scaled magnitude units.
}

// DefaultConfig returns the configuration used when nothing else is given.
func DefaultConfig() Config {
	return Config{
		FFTSize:       1024,
		SampleRate:    48000,
		Bands:         32,
		Smoothing:     0.8,
		MinFrequency:  20,
		MaxFrequency:  20000,
		Window:        Hann,
		Scaling:       ScalingLogarithmic,
		Attack:        10 * time.Millisecond,
		Decay:         300 * time.Millisecond,
		AverageWindow: 4,
		NoiseFloorMin: 1e-4,
	}
}

// Validate reports the first invalid field as an errs.ValidationError.
func (c Config) Validate() error {
	switch {
	case !bitint.IsPowerOfTwo(c.FFTSize) || c.FFTSize < MinFFTSize || c.FFTSize > MaxFFTSize:
		return errs.Invalid("fft_size", c.FFTSize, fmt.Sprintf("must be a power of two in [%d, %d]", MinFFTSize, MaxFFTSize))
	case c.SampleRate < MinSampleRate || c.SampleRate > MaxSampleRate:
		return errs.Invalid("sample_rate", c.SampleRate, fmt.Sprintf("must be in [%d, %d]", MinSampleRate, MaxSampleRate))
	case c.Bands < MinBands || c.Bands > MaxBands:
		return errs.Invalid("bands", c.Bands, fmt.Sprintf("must be in [%d, %d]", MinBands, MaxBands))
	case math.IsNaN(c.Smoothing) || c.Smoothing < 0 || c.Smoothing > 1:
		return errs.Invalid("smoothing", c.Smoothing, "must be in [0, 1]")
	case !(c.MinFrequency > 0):
		return errs.Invalid("min_frequency", c.MinFrequency, "must be positive")
	case !(c.MaxFrequency > c.MinFrequency):
		return errs.Invalid("max_frequency", c.MaxFrequency, "must be above min_frequency")
	case c.MinFrequency >= float64(c.SampleRate)/2:
		return errs.Invalid("min_frequency", c.MinFrequency, "must be below Nyquist")
	case c.Window < Hann || c.Window > Rectangular:
		return errs.Invalid("window", c.Window, "unknown window function")
	case c.Scaling != ScalingLogarithmic && c.Scaling != ScalingLinear:
		return errs.Invalid("scaling", c.Scaling, "unknown scaling mode")
	case c.Attack <= 0:
		return errs.Invalid("attack", c.Attack, "must be positive")
	case c.Decay <= 0:
		return errs.Invalid("decay", c.Decay, "must be positive")
	case c.AverageWindow < 1 || c.AverageWindow > MaxAverageWindow:
		return errs.Invalid("average_window", c.AverageWindow, fmt.Sprintf("must be in [1, %d]", MaxAverageWindow))
	case math.IsNaN(c.NoiseFloorMin) || c.NoiseFloorMin < 0 || c.NoiseFloorMin > 1:
		return errs.Invalid("noise_floor_min", c.NoiseFloorMin, "must be in [0, 1]")
	}
	return nil
}

// nyquistClamped limits MaxFrequency to the Nyquist frequency.
func (c Config) nyquistClamped() Config {
	c.MaxFrequency = math.Min(c.MaxFrequency, float64(c.SampleRate)/2)
	return c
}
