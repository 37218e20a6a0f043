// SPDX-License-Identifier: MIT
package analysis

import "math"

const (
	noiseBins    = 4  // Low bins averaged per estimate, DC excluded.
	noiseHistory = 10 // Estimates averaged into the floor.
)

// noiseFloor is a rolling estimate of background magnitude.
type noiseFloor struct {
	hist   [noiseHistory]float64
	sum    float64
	idx    int
	filled int
}

// update folds the current spectrum into the estimate and returns the gate
// threshold, never below minimum.
func (n *noiseFloor) update(mags []float64, minimum float64) float64 {
	last := min(noiseBins, len(mags)-1)
	est := 0.0
	if last >= 1 {
		for bin := 1; bin <= last; bin++ {
			est += mags[bin]
		}
		est /= float64(last)
	}

	n.sum += est - n.hist[n.idx]
	n.hist[n.idx] = est
	n.idx = (n.idx + 1) % noiseHistory
	if n.filled < noiseHistory {
		n.filled++
	}
	return math.Max(n.sum/float64(n.filled), minimum)
}

func (n *noiseFloor) reset() {
	*n = noiseFloor{}
}
