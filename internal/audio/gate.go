// SPDX-License-Identifier: MIT
package audio

// SetNoiseFloorMinimum adjusts the lower bound of the analyzer's noise gate.
// The value is clamped to the range 0.0-1.0 where 0=gate only on the measured
// floor, 1=always closed.
func (e *Engine) SetNoiseFloorMinimum(v float64) error {
	if v < 0.0 {
		v = 0.0
	}
	if v > 1.0 {
		v = 1.0
	}
	return e.analyzer.SetNoiseFloorMinimum(v)
}

// NoiseFloorMinimum returns the current lower bound of the noise gate.
func (e *Engine) NoiseFloorMinimum() float64 {
	return e.analyzer.Config().NoiseFloorMin
}
