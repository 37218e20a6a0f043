// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"io"

	"loopviz/internal/capture"
)

// PrintDevices writes a listing of render devices for backend to w.
// For each device, it shows:
// - Device ID and name
// - Whether it is the default render device
// - Channel count
// - Default sample rate
func PrintDevices(w io.Writer, backend string, devices []capture.Device) {
	fmt.Fprintf(w, "\nLoopback Devices (%s)\n\n", backend)
	if len(devices) == 0 {
		fmt.Fprintf(w, "  no render devices found\n\n")
		return
	}

	for _, d := range devices {
		marker := ""
		if d.IsDefault {
			marker = " (default)"
		}
		fmt.Fprintf(w, "[%s] %s%s\n", d.ID, d.Name, marker)
		fmt.Fprintf(w, "    Channels: %d\n", d.Channels)
		if d.DefaultSampleRate > 0 {
			fmt.Fprintf(w, "    Default sample rate: %d Hz\n", d.DefaultSampleRate)
		}
		fmt.Fprintln(w)
	}
}
