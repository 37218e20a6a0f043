// SPDX-License-Identifier: MIT
package capture

// State is the capture pipeline lifecycle:
//
//	Idle -> Starting -> Capturing -> Stopping -> Idle
//
// Error is entered from Starting or Capturing on device failure; only Stop
// leaves it, back to Idle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
