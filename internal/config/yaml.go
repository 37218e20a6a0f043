// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"loopviz/internal/errs"
	applog "loopviz/internal/log"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	LogLevel  string          `yaml:"log_level"` // Logging level (e.g., "debug", "info", "warn", "error").
	Capture   CaptureConfig   `yaml:"capture"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Transport TransportConfig `yaml:"transport"`
	Recording RecordingConfig `yaml:"recording"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CaptureConfig holds settings for the loopback capture pipeline.
type CaptureConfig struct {
	Backend       string        `yaml:"backend"`        // malgo, portaudio, wavfile or synth.
	Device        string        `yaml:"device"`         // Device ID or name; empty for the default render device.
	SampleRate    int           `yaml:"sample_rate"`    // Requested rate; 0 uses the device rate.
	Channels      int           `yaml:"channels"`       // Requested channels; 0 uses the device count.
	TargetLatency time.Duration `yaml:"target_latency"` // Device period target.
	StopTimeout   time.Duration `yaml:"stop_timeout"`   // Bound on waiting for in-flight callbacks.
	AutoReselect  bool          `yaml:"auto_reselect"`  // Restart on the default device after a loss.
	LowLatency    bool          `yaml:"low_latency"`    // PortAudio: request the low latency profile.
	Files         []string      `yaml:"files"`          // wavfile: files exposed as devices.
	Loop          bool          `yaml:"loop"`           // wavfile: replay files forever.
}

// AnalysisConfig holds spectral analysis settings.
type AnalysisConfig struct {
	FFTSize       int           `yaml:"fft_size"`
	SampleRate    int           `yaml:"sample_rate"` // Replaced by the device rate once capture starts.
	Bands         int           `yaml:"bands"`
	Smoothing     float64       `yaml:"smoothing"`
	MinFrequency  float64       `yaml:"min_frequency"`
	MaxFrequency  float64       `yaml:"max_frequency"`
	Window        string        `yaml:"window"`  // Name of the window function (e.g., "hann", "hamming").
	Scaling       string        `yaml:"scaling"` // "logarithmic" or "linear".
	Attack        time.Duration `yaml:"attack"`
	Decay         time.Duration `yaml:"decay"`
	AverageWindow int           `yaml:"average_window"`
	NoiseFloorMin float64       `yaml:"noise_floor_min"`
}

// TransportConfig holds settings related to sending spectrum frames out.
type TransportConfig struct {
	WebSocketEnabled bool          `yaml:"websocket_enabled"`
	WebSocketAddr    string        `yaml:"websocket_addr"`
	WebSocketMaxFPS  int           `yaml:"websocket_max_fps"`
	UDPEnabled       bool          `yaml:"udp_enabled"`
	UDPTargetAddress string        `yaml:"udp_target_address"` // Target address and port for UDP packets (e.g., "127.0.0.1:9090").
	UDPSendInterval  time.Duration `yaml:"udp_send_interval"`  // Minimum interval between UDP packets.
	LogEnabled       bool          `yaml:"log_enabled"`
	LogInterval      time.Duration `yaml:"log_interval"`
}

// RecordingConfig holds settings related to audio recording functionality.
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`    // Record captured audio to a WAV file.
	OutputDir string `yaml:"output_dir"` // Directory to save recorded audio files.
	BitDepth  int    `yaml:"bit_depth"`  // 16, 24 or 32.
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("config.yaml"). If no file is found, it uses built-in
// defaults. The .env file, when present, is loaded before ENV_* overrides are applied.
// The final configuration is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		// Define potential locations for the config file.
		for _, candidate := range []string{"config.yaml", "config.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := LoadEnvFiles(".env"); err != nil {
		return nil, err
	}
	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadEnvFiles loads variables from dotenv files into the process environment.
// Missing files are skipped and variables already set are kept.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
		applog.Debugf("configuration: Loaded environment from %s", p)
	}
	return nil
}

// Validate checks the configuration for values the engine would reject.
func (c *Config) Validate() error {
	if _, ok := applog.ParseLevel(c.LogLevel); !ok {
		return errs.Invalid("log_level", c.LogLevel, "must be debug, info, warn or error")
	}

	// Capture Validation
	if !slices.Contains(Backends, c.Capture.Backend) {
		return errs.Invalid("capture.backend", c.Capture.Backend, fmt.Sprintf("must be one of %v", Backends))
	}
	if c.Capture.Backend == BackendWAVFile && len(c.Capture.Files) == 0 {
		return errs.Invalid("capture.files", c.Capture.Files, "wavfile backend needs at least one file")
	}
	if c.Capture.SampleRate < 0 || c.Capture.Channels < 0 {
		return errs.Invalid("capture", c.Capture, "sample_rate and channels must not be negative")
	}
	if c.Capture.TargetLatency < 0 || c.Capture.StopTimeout < 0 {
		return errs.Invalid("capture", c.Capture, "durations must not be negative")
	}

	// Analysis Validation
	ac, err := c.AnalysisConfig()
	if err != nil {
		return err
	}
	if err := ac.Validate(); err != nil {
		return err
	}

	// Transport Validation
	if c.Transport.WebSocketEnabled {
		if _, _, err := net.SplitHostPort(c.Transport.WebSocketAddr); err != nil {
			return errs.Invalid("transport.websocket_addr", c.Transport.WebSocketAddr, "must be host:port")
		}
	}
	if c.Transport.UDPEnabled {
		if _, _, err := net.SplitHostPort(c.Transport.UDPTargetAddress); err != nil {
			return errs.Invalid("transport.udp_target_address", c.Transport.UDPTargetAddress, "must be host:port")
		}
		if c.Transport.UDPSendInterval < 0 {
			return errs.Invalid("transport.udp_send_interval", c.Transport.UDPSendInterval, "must not be negative")
		}
	}

	// Recording Validation
	switch c.Recording.BitDepth {
	case 16, 24, 32:
	default:
		return errs.Invalid("recording.bit_depth", c.Recording.BitDepth, "must be 16, 24 or 32")
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return errs.Invalid("metrics.addr", c.Metrics.Addr, "must be host:port")
		}
	}
	return nil
}

// applyEnvOverrides applies ENV_* variables on top of file values. Values that
// do not parse are ignored with a warning.
func (cfg *Config) applyEnvOverrides() {
	str := func(name string, dst *string) {
		if val, ok := os.LookupEnv(name); ok {
			*dst = val
			applog.Infof("configuration: Overriding %s from env: %s", name, val)
		}
	}
	parsed := func(name string, set func(string) error) {
		val, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := set(val); err != nil {
			applog.Warnf("configuration: Ignoring %s=%q: %v", name, val, err)
			return
		}
		applog.Infof("configuration: Overriding %s from env: %s", name, val)
	}
	integer := func(dst *int) func(string) error {
		return func(s string) error {
			v, err := strconv.Atoi(s)
			if err == nil {
				*dst = v
			}
			return err
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(s string) error {
			v, err := strconv.ParseBool(s)
			if err == nil {
				*dst = v
			}
			return err
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(s string) error {
			v, err := time.ParseDuration(s)
			if err == nil {
				*dst = v
			}
			return err
		}
	}

	// ENV_{...}
	// These are general overrides.
	str("ENV_LOG_LEVEL", &cfg.LogLevel)

	// ENV_CAPTURE_{...}
	str("ENV_CAPTURE_BACKEND", &cfg.Capture.Backend)
	str("ENV_CAPTURE_DEVICE", &cfg.Capture.Device)
	parsed("ENV_CAPTURE_SAMPLE_RATE", integer(&cfg.Capture.SampleRate))
	parsed("ENV_CAPTURE_AUTO_RESELECT", boolean(&cfg.Capture.AutoReselect))

	// ENV_ANALYSIS_{...}
	parsed("ENV_ANALYSIS_FFT_SIZE", integer(&cfg.Analysis.FFTSize))
	parsed("ENV_ANALYSIS_BANDS", integer(&cfg.Analysis.Bands))
	parsed("ENV_ANALYSIS_SMOOTHING", func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			cfg.Analysis.Smoothing = v
		}
		return err
	})
	str("ENV_ANALYSIS_WINDOW", &cfg.Analysis.Window)

	// ENV_WS_{...} and ENV_UDP_{...}
	// These are specific to the transport layer.
	parsed("ENV_WS_ENABLED", boolean(&cfg.Transport.WebSocketEnabled))
	str("ENV_WS_ADDR", &cfg.Transport.WebSocketAddr)
	parsed("ENV_UDP_ENABLED", boolean(&cfg.Transport.UDPEnabled))
	str("ENV_UDP_TARGET_ADDRESS", &cfg.Transport.UDPTargetAddress)
	parsed("ENV_UDP_SEND_INTERVAL", duration(&cfg.Transport.UDPSendInterval))

	// ENV_RECORDING_{...} and ENV_METRICS_{...}
	parsed("ENV_RECORDING_ENABLED", boolean(&cfg.Recording.Enabled))
	str("ENV_RECORDING_DIR", &cfg.Recording.OutputDir)
	parsed("ENV_METRICS_ENABLED", boolean(&cfg.Metrics.Enabled))
	str("ENV_METRICS_ADDR", &cfg.Metrics.Addr)
}
