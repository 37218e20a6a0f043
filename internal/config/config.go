// SPDX-License-Identifier: MIT
package config

import "time"

// Core configuration constants that define the defaults for the visualizer.
const (
	DefaultLogLevel = "info"

	// Capture
	BackendMalgo     = "malgo"
	BackendPortAudio = "portaudio"
	BackendWAVFile   = "wavfile"
	BackendSynth     = "synth"
	DefaultBackend   = BackendMalgo

	DefaultTargetLatency = 23 * time.Millisecond
	DefaultStopTimeout   = 5 * time.Second

	// Transport
	DefaultWebSocketAddr   = ":8080"
	DefaultWebSocketMaxFPS = 60
	DefaultUDPTarget       = "127.0.0.1:9090"
	DefaultUDPSendInterval = 16 * time.Millisecond // ~60Hz
	DefaultLogInterval     = time.Second

	// Recording
	DefaultRecordingDir = "./recordings"
	DefaultBitDepth     = 16

	// Metrics
	DefaultMetricsAddr = ":9100"
)

// Backends lists the capture backends in the order they are tried.
var Backends = []string{BackendMalgo, BackendPortAudio, BackendWAVFile, BackendSynth}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Capture: CaptureConfig{
			Backend:       DefaultBackend,
			TargetLatency: DefaultTargetLatency,
			StopTimeout:   DefaultStopTimeout,
			AutoReselect:  true,
			Loop:          true,
		},
		Analysis: AnalysisConfig{
			FFTSize:       1024,
			SampleRate:    48000,
			Bands:         32,
			Smoothing:     0.8,
			MinFrequency:  20,
			MaxFrequency:  20000,
			Window:        "hann",
			Scaling:       "logarithmic",
			Attack:        10 * time.Millisecond,
			Decay:         300 * time.Millisecond,
			AverageWindow: 4,
			NoiseFloorMin: 1e-4,
		},
		Transport: TransportConfig{
			WebSocketEnabled: true,
			WebSocketAddr:    DefaultWebSocketAddr,
			WebSocketMaxFPS:  DefaultWebSocketMaxFPS,
			UDPEnabled:       false,
			UDPTargetAddress: DefaultUDPTarget,
			UDPSendInterval:  DefaultUDPSendInterval,
			LogEnabled:       false,
			LogInterval:      DefaultLogInterval,
		},
		Recording: RecordingConfig{
			Enabled:   false,
			OutputDir: DefaultRecordingDir,
			BitDepth:  DefaultBitDepth,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
	}
}
