// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"loopviz/internal/audio"
	"loopviz/internal/config"
	"loopviz/internal/log"
	"loopviz/internal/metrics"
	"loopviz/internal/transport"
	"loopviz/internal/transport/udp"
)

// recordingName returns the file name of a recording started at t.
func recordingName(t time.Time) string {
	return "recording-" + t.UTC().Format("02-01-2006-150405") + ".wav"
}

// run captures and analyzes until ctx is cancelled, then shuts down in
// reverse order: capture and recording, transports, metrics.
func run(ctx context.Context, cfg *config.Config) (err error) {
	logger := log.Component("cli")

	backend, err := openBackend(cfg.Capture)
	if err != nil {
		return err
	}
	ac, err := cfg.AnalysisConfig()
	if err != nil {
		backend.Close()
		return err
	}
	engine, err := audio.NewEngine(backend, audio.Options{
		Capture:      cfg.CaptureConfig(),
		Analysis:     ac,
		AutoReselect: cfg.Capture.AutoReselect,
	})
	if err != nil {
		backend.Close()
		return err
	}

	relays, err := openRelays(cfg.Transport)
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		for _, r := range relays {
			st := r.Stats()
			logger.Debug().Int64("sent", st.Sent).Int64("superseded", st.Superseded).Int64("errors", st.Errors).Msg("relay closed")
			if cerr := r.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}()
	if err != nil {
		return err
	}
	for _, r := range relays {
		engine.OnSpectrum(r.Listen)
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		srv.Start()
		defer srv.Close()
	}

	dev, err := findDevice(engine.Devices(), cfg.Capture.Device)
	if err != nil {
		return err
	}
	if err := engine.StartCapture(dev); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	if d := engine.Device(); d != nil {
		logger.Info().Str("device", d.Name).Str("backend", engine.Backend()).Msg("capturing")
	}

	if cfg.Recording.Enabled {
		if err := os.MkdirAll(cfg.Recording.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create recording directory: %w", err)
		}
		path := filepath.Join(cfg.Recording.OutputDir, recordingName(time.Now()))
		if err := engine.StartRecording(path, cfg.RecorderOptions()); err != nil {
			return err
		}
		logger.Info().Str("path", path).Msg("recording")
	}

	<-ctx.Done()

	st := engine.Stats()
	logger.Info().
		Int64("frames", st.Analysis.Frames).
		Int64("dropped_batches", st.Capture.Dropped).
		Int64("faults", st.Analysis.Faults).
		Msg("shutting down")
	return nil
}

// openRelays starts one relay per enabled transport. On error the relays
// already started are returned so the caller can close them.
func openRelays(tc config.TransportConfig) ([]*transport.Relay, error) {
	var relays []*transport.Relay

	if tc.WebSocketEnabled {
		ws, err := transport.NewWebSocketTransport(tc.WebSocketAddr, tc.WebSocketMaxFPS)
		if err != nil {
			return relays, fmt.Errorf("start websocket server: %w", err)
		}
		relays = append(relays, transport.NewRelay(ws))
	}

	if tc.UDPEnabled {
		sender, err := udp.NewSender(tc.UDPTargetAddress)
		if err != nil {
			return relays, fmt.Errorf("open udp sender: %w", err)
		}
		pub, err := udp.NewPublisher(sender, tc.UDPSendInterval)
		if err != nil {
			sender.Close()
			return relays, err
		}
		relays = append(relays, transport.NewRelay(pub))
	}

	if tc.LogEnabled {
		relays = append(relays, transport.NewRelay(transport.NewLoggingTransport(tc.LogInterval)))
	}
	return relays, nil
}
