// SPDX-License-Identifier: MIT
package cmd

import (
	"fmt"
	"strings"

	"loopviz/internal/audio"
	"loopviz/internal/capture"
	"loopviz/internal/capture/malgo"
	"loopviz/internal/capture/portaudio"
	"loopviz/internal/capture/synth"
	"loopviz/internal/capture/wavfile"
	"loopviz/internal/config"
	"loopviz/internal/errs"
	"loopviz/internal/log"
	"loopviz/pkg/utils"

	"github.com/spf13/cobra"
)

// demoTones drive the synth backend when it is picked from the command line.
var demoTones = []utils.Tone{
	{Frequency: 110, Amplitude: 0.4},
	{Frequency: 880, Amplitude: 0.2},
	{Frequency: 5000, Amplitude: 0.1},
}

func (c *cli) devicesCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List render devices available for loopback capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config(cmd)
			if err != nil {
				return err
			}
			backends := []string{cfg.Capture.Backend}
			if all {
				backends = config.Backends
			}
			for _, name := range backends {
				cc := cfg.Capture
				cc.Backend = name
				if err := listDevices(cmd, cc); err != nil {
					if !all {
						return err
					}
					log.Warnf("devices: %s backend unavailable: %v", name, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "List devices of every backend")
	return cmd
}

func listDevices(cmd *cobra.Command, cc config.CaptureConfig) error {
	backend, err := openBackend(cc)
	if err != nil {
		return err
	}
	defer backend.Close()

	devices, err := backend.Devices()
	if err != nil {
		return fmt.Errorf("list %s devices: %w", backend.Name(), err)
	}
	audio.PrintDevices(cmd.OutOrStdout(), backend.Name(), devices)
	return nil
}

// openBackend creates the capture backend named by cc.Backend.
func openBackend(cc config.CaptureConfig) (capture.Backend, error) {
	switch cc.Backend {
	case config.BackendMalgo:
		b, err := malgo.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendPortAudio:
		b, err := portaudio.New(cc.LowLatency)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendWAVFile:
		return wavfile.New(cc.Loop, cc.Files...), nil
	case config.BackendSynth:
		return synth.New(synth.Options{Tones: demoTones}), nil
	default:
		return nil, errs.Invalid("capture.backend", cc.Backend, fmt.Sprintf("must be one of %v", config.Backends))
	}
}

// findDevice resolves want against devices by ID, then by name. An empty
// want selects the default device.
func findDevice(devices []capture.Device, want string) (*capture.Device, error) {
	if want == "" {
		return nil, nil
	}
	for i := range devices {
		if devices[i].ID == want {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if strings.EqualFold(devices[i].Name, want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no render device %q", errs.ErrDeviceUnavailable, want)
}
