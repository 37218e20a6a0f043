// SPDX-License-Identifier: MIT
package analysis

import "loopviz/internal/buffer"

// SpectrumListener receives every analyzed frame (SpectrumDataAvailable).
// It is called synchronously on the analysis goroutine; the frame returns to
// its pool when the call ends, so listeners that keep data must copy it.
type SpectrumListener func(frame *buffer.SpectrumFrame)

// State is the analyzer lifecycle:
//
//	Idle -> Configuring -> Ready -> Analyzing -> Stopping -> Idle
//
// Configuring may be re-entered from Ready or Analyzing at any time.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateReady
	StateAnalyzing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateAnalyzing:
		return "analyzing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
