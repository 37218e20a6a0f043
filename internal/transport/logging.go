// SPDX-License-Identifier: MIT
package transport

import (
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/log"

	"github.com/rs/zerolog"
)

// LoggingTransport implements the Transport interface by logging a summary of
// frames, at most one per interval.
type LoggingTransport struct {
	log zerolog.Logger
}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport(interval time.Duration) *LoggingTransport {
	if interval <= 0 {
		interval = time.Second
	}
	l := log.Component("spectrum").Sample(&zerolog.BurstSampler{Burst: 1, Period: interval})
	return &LoggingTransport{log: l}
}

func (lt *LoggingTransport) Name() string { return "log" }

// Send logs the frame summary.
func (lt *LoggingTransport) Send(f *buffer.SpectrumFrame) error {
	lt.log.Info().
		Int("bands", f.BandCount()).
		Int("peak_band", f.PeakBand).
		Float64("peak", f.Peak).
		Float64("rms", f.RMS).
		Dur("latency", f.Latency).
		Msg("spectrum")
	return nil
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	return nil
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
