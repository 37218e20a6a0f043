// SPDX-License-Identifier: MIT
package analysis

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// SilenceThreshold is the input RMS below which a batch counts as silent.
const SilenceThreshold = 1e-4

// sampleRMS calculates the Root Mean Square level of normalized samples.
func sampleRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	var sumSquare float64
	for _, s := range samples {
		v := float64(s)
		sumSquare += v * v
	}
	return math.Sqrt(sumSquare / float64(len(samples)))
}

// bandRMS returns the RMS across band values.
func bandRMS(bands []float64) float64 {
	if len(bands) == 0 {
		return 0.0
	}
	return math.Sqrt(floats.Dot(bands, bands) / float64(len(bands)))
}
