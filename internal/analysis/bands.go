// SPDX-License-Identifier: MIT
package analysis

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Band weights rise linearly across the spectrum to offset the high-frequency
// roll-off of typical program material.
const (
	lowBandWeight  = 1.0
	highBandWeight = 1.25
)

// BandMapping assigns each band an inclusive range of FFT bins on a
// logarithmic frequency scale. Start and End are non-decreasing, Start is at
// least 1 (DC is excluded) and End never exceeds fftSize/2 - 1.
//
// A bin belongs to the band whose edges contain its center frequency, so no
// bin feeds two bands. A band narrower than the bin spacing may contain no
// bin center at all. It is not Owned, reads zero, and its Start and End name
// the nearest bin for display only.
type BandMapping struct {
	Start   []int
	End     []int
	Owned   []bool
	Weights []float64
	Edges   []float64 // Band i covers [Edges[i], Edges[i+1]) Hz.
	BinHz   float64
}

// NewBandMapping computes the mapping for a validated configuration.
func NewBandMapping(fftSize, sampleRate, bands int, minHz, maxHz float64) BandMapping {
	binHz := float64(sampleRate) / float64(fftSize)
	maxBin := fftSize/2 - 1
	m := BandMapping{
		Start:   make([]int, bands),
		End:     make([]int, bands),
		Owned:   make([]bool, bands),
		Weights: make([]float64, bands),
		Edges:   make([]float64, bands+1),
		BinHz:   binHz,
	}

	ratio := maxHz / minHz
	for i := range m.Edges {
		m.Edges[i] = minHz * math.Pow(ratio, float64(i)/float64(bands))
	}

	for i := 0; i < bands; i++ {
		// Bins whose center frequency falls inside the band.
		start := max(1, int(math.Ceil(m.Edges[i]/binHz)))
		end := min(maxBin, int(math.Ceil(m.Edges[i+1]/binHz))-1)
		if end >= start {
			m.Owned[i] = true
		} else {
			nearest := max(1, min(maxBin, int(math.Round(m.Center(i)/binHz))))
			start, end = nearest, nearest
			if i > 0 {
				start = max(start, m.Start[i-1])
				end = max(start, m.End[i-1])
			}
		}
		m.Start[i] = start
		m.End[i] = end

		if bands > 1 {
			m.Weights[i] = lowBandWeight + (highBandWeight-lowBandWeight)*float64(i)/float64(bands-1)
		} else {
			m.Weights[i] = lowBandWeight
		}
	}
	return m
}

// Len returns the number of bands.
func (m BandMapping) Len() int {
	return len(m.Start)
}

// Center returns the geometric center frequency of band i.
func (m BandMapping) Center(i int) float64 {
	return math.Sqrt(m.Edges[i] * m.Edges[i+1])
}

// BandFor returns the band whose frequency range contains hz, or -1.
func (m BandMapping) BandFor(hz float64) int {
	for i := 0; i < m.Len(); i++ {
		if hz >= m.Edges[i] && hz < m.Edges[i+1] {
			return i
		}
	}
	return -1
}

// Owner returns the band bin feeds, or -1 when it feeds none.
func (m BandMapping) Owner(bin int) int {
	for i := 0; i < m.Len(); i++ {
		if m.Owned[i] && bin >= m.Start[i] && bin <= m.End[i] {
			return i
		}
	}
	return -1
}

// peak returns the largest magnitude in band i's bin range, zero when the
// band owns no bin.
func (m BandMapping) peak(i int, mags []float64) float64 {
	if !m.Owned[i] {
		return 0
	}
	return floats.Max(mags[m.Start[i] : m.End[i]+1])
}
