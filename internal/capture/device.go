// SPDX-License-Identifier: MIT
package capture

import "fmt"

// Device represents an audio render endpoint that can be captured in loopback.
type Device struct {
	ID                string // Backend-specific stable identifier.
	Name              string
	Backend           string
	IsDefault         bool
	Channels          int
	DefaultSampleRate int
}

func (d Device) String() string {
	def := ""
	if d.IsDefault {
		def = ", default"
	}
	return fmt.Sprintf("%s [%s%s]", d.Name, d.Backend, def)
}

// ChangeReason explains an AudioDeviceChanged event.
type ChangeReason string

const (
	ReasonSwitched   ChangeReason = "switched"    // Caller switched devices.
	ReasonDeviceLost ChangeReason = "device-lost" // Active device unplugged or driver stopped.
)

// DeviceChange is the payload of AudioDeviceChanged. Previous or Current may be
// nil: Current is nil when the active device was lost.
type DeviceChange struct {
	Previous *Device
	Current  *Device
	Reason   ChangeReason
	Session  string // Capture session id of the session that ended.
	Err      error  // Backend error behind a loss, if any.
}

func (c DeviceChange) String() string {
	name := func(d *Device) string {
		if d == nil {
			return "<none>"
		}
		return d.Name
	}
	return fmt.Sprintf("%s: %s -> %s", c.Reason, name(c.Previous), name(c.Current))
}
