// SPDX-License-Identifier: MIT
package config

import (
	"loopviz/internal/analysis"
	"loopviz/internal/capture"
	"loopviz/internal/recorder"
)

// AnalysisConfig converts the analysis section into an analyzer configuration.
// Unknown window or scaling names are validation errors.
func (c *Config) AnalysisConfig() (analysis.Config, error) {
	a := c.Analysis
	window, err := analysis.ParseWindowFunc(a.Window)
	if err != nil {
		return analysis.Config{}, err
	}
	scaling, err := analysis.ParseScalingMode(a.Scaling)
	if err != nil {
		return analysis.Config{}, err
	}
	return analysis.Config{
		FFTSize:       a.FFTSize,
		SampleRate:    a.SampleRate,
		Bands:         a.Bands,
		Smoothing:     a.Smoothing,
		MinFrequency:  a.MinFrequency,
		MaxFrequency:  a.MaxFrequency,
		Window:        window,
		Scaling:       scaling,
		Attack:        a.Attack,
		Decay:         a.Decay,
		AverageWindow: a.AverageWindow,
		NoiseFloorMin: a.NoiseFloorMin,
	}, nil
}

// CaptureConfig returns the pipeline settings of the capture section.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		SampleRate:    c.Capture.SampleRate,
		Channels:      c.Capture.Channels,
		TargetLatency: c.Capture.TargetLatency,
		StopTimeout:   c.Capture.StopTimeout,
	}
}

// RecorderOptions returns the recorder settings of the recording section.
func (c *Config) RecorderOptions() recorder.Options {
	return recorder.Options{BitDepth: c.Recording.BitDepth}
}
