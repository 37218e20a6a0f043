// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"time"

	"loopviz/internal/config"
	"loopviz/internal/log"
	"loopviz/pkg/build"

	"github.com/spf13/cobra"
)

// cli holds the flag values of the command tree. Flags only override the
// loaded configuration when they were set on the command line.
type cli struct {
	root *cobra.Command

	configPath string
	logLevel   string

	// Capture
	backend    string
	device     string
	files      []string
	sampleRate int
	lowLatency bool

	// Analysis
	fftSize   int
	bands     int
	smoothing float64
	window    string
	attack    time.Duration
	decay     time.Duration

	// Transport
	wsAddr      string
	noWebSocket bool
	udpTarget   string
	logFrames   bool

	// Recording
	record    bool
	outputDir string
	bitDepth  int

	metricsAddr string
}

// Execute runs the CLI until ctx is cancelled or the command returns.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the loopviz command tree.
func NewRootCommand() *cobra.Command {
	return newCLI().root
}

func newCLI() *cli {
	c := &cli{}
	buildInfo := build.GetBuildFlags()
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:           "loopviz",
		Short:         build.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	// Display help message
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.AddCommand(c.devicesCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			build.Print(cmd.OutOrStdout())
		},
	})

	pf := rootCmd.PersistentFlags()

	// General Configuration
	pf.StringVarP(&c.configPath, "config", "c", "",
		"Path to a YAML configuration file. Defaults to ./config.yaml when present")
	pf.StringVar(&c.logLevel, "log-level", defaults.LogLevel,
		"Log level (debug, info, warn, error)")

	// Capture Configuration
	pf.StringVarP(&c.backend, "backend", "b", defaults.Capture.Backend,
		"Capture backend (malgo, portaudio, wavfile, synth)")
	pf.StringVarP(&c.device, "device", "d", "",
		"Render device ID or name. Use the 'devices' command to see available devices")
	pf.StringSliceVar(&c.files, "file", nil,
		"WAV files replayed as devices by the wavfile backend")
	pf.IntVarP(&c.sampleRate, "sample-rate", "s", 0,
		"Requested capture sample rate in Hz. 0 uses the device rate")
	pf.BoolVarP(&c.lowLatency, "low-latency", "l", defaults.Capture.LowLatency,
		"Use the low latency profile (portaudio backend)")

	// Analysis Configuration
	rootCmd.Flags().IntVarP(&c.fftSize, "fft-size", "n", defaults.Analysis.FFTSize,
		"FFT size, a power of two between 512 and 8192")
	rootCmd.Flags().IntVar(&c.bands, "bands", defaults.Analysis.Bands,
		"Number of frequency bands (4-64)")
	rootCmd.Flags().Float64Var(&c.smoothing, "smoothing", defaults.Analysis.Smoothing,
		"Temporal smoothing factor (0-1)")
	rootCmd.Flags().StringVar(&c.window, "window", defaults.Analysis.Window,
		"Window function applied before the FFT")
	rootCmd.Flags().DurationVar(&c.attack, "attack", defaults.Analysis.Attack,
		"Envelope attack time")
	rootCmd.Flags().DurationVar(&c.decay, "decay", defaults.Analysis.Decay,
		"Envelope decay time")

	// Transport Configuration
	rootCmd.Flags().StringVar(&c.wsAddr, "ws-addr", defaults.Transport.WebSocketAddr,
		"WebSocket listen address for spectrum clients")
	rootCmd.Flags().BoolVar(&c.noWebSocket, "no-websocket", false,
		"Disable the WebSocket server")
	rootCmd.Flags().StringVar(&c.udpTarget, "udp-target", "",
		"Send binary spectrum packets to this host:port")
	rootCmd.Flags().BoolVar(&c.logFrames, "log-frames", defaults.Transport.LogEnabled,
		"Log a sampled summary of spectrum frames")

	// Recording Configuration
	rootCmd.Flags().BoolVarP(&c.record, "record", "r", defaults.Recording.Enabled,
		"Record captured audio to a WAV file")
	rootCmd.Flags().StringVarP(&c.outputDir, "output-dir", "o", defaults.Recording.OutputDir,
		"Directory for recordings, named recording-DD-MM-YYYY-HHMMSS.wav")
	rootCmd.Flags().IntVar(&c.bitDepth, "bit-depth", defaults.Recording.BitDepth,
		"Recording bit depth (16, 24, 32)")

	// Metrics Configuration
	rootCmd.Flags().StringVar(&c.metricsAddr, "metrics-addr", "",
		"Serve prometheus metrics on this host:port")

	c.root = rootCmd
	return c
}

// config loads the configuration file and environment, then applies the
// flags set on cmd and sets the log level.
func (c *cli) config(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	c.apply(cfg, cmd.Flags().Changed)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	return cfg, nil
}

func (c *cli) apply(cfg *config.Config, changed func(name string) bool) {
	if changed("log-level") {
		cfg.LogLevel = c.logLevel
	}

	if changed("backend") {
		cfg.Capture.Backend = c.backend
	}
	if changed("device") {
		cfg.Capture.Device = c.device
	}
	if changed("file") {
		cfg.Capture.Files = c.files
	}
	if changed("sample-rate") {
		cfg.Capture.SampleRate = c.sampleRate
	}
	if changed("low-latency") {
		cfg.Capture.LowLatency = c.lowLatency
	}

	if changed("fft-size") {
		cfg.Analysis.FFTSize = c.fftSize
	}
	if changed("bands") {
		cfg.Analysis.Bands = c.bands
	}
	if changed("smoothing") {
		cfg.Analysis.Smoothing = c.smoothing
	}
	if changed("window") {
		cfg.Analysis.Window = c.window
	}
	if changed("attack") {
		cfg.Analysis.Attack = c.attack
	}
	if changed("decay") {
		cfg.Analysis.Decay = c.decay
	}

	if changed("ws-addr") {
		cfg.Transport.WebSocketEnabled = true
		cfg.Transport.WebSocketAddr = c.wsAddr
	}
	if changed("no-websocket") && c.noWebSocket {
		cfg.Transport.WebSocketEnabled = false
	}
	if changed("udp-target") {
		cfg.Transport.UDPEnabled = c.udpTarget != ""
		cfg.Transport.UDPTargetAddress = c.udpTarget
	}
	if changed("log-frames") {
		cfg.Transport.LogEnabled = c.logFrames
	}

	if changed("record") {
		cfg.Recording.Enabled = c.record
	}
	if changed("output-dir") {
		cfg.Recording.OutputDir = c.outputDir
	}
	if changed("bit-depth") {
		cfg.Recording.BitDepth = c.bitDepth
	}

	if changed("metrics-addr") {
		cfg.Metrics.Enabled = c.metricsAddr != ""
		cfg.Metrics.Addr = c.metricsAddr
	}
}
