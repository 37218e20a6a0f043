// SPDX-License-Identifier: MIT
package buffer

import "time"

// SpectrumFrame is one analyzed frame handed to subscribers. It is pooled: a
// subscriber must not keep it past the callback. Use Clone to retain one.
type SpectrumFrame struct {
	Bands     []float64     // Per-band magnitude in [0, 1]; len == band count.
	Peak      float64       // Largest band value.
	PeakBand  int           // Index of Peak.
	RMS       float64       // RMS across bands.
	Timestamp time.Duration // Capture time of the source batch, in Ticks.
	Latency   time.Duration // Ticks at publication minus Timestamp.
}

// BandCount returns the number of bands in the frame.
func (f *SpectrumFrame) BandCount() int {
	return len(f.Bands)
}

// Clone returns a deep copy that is safe to retain.
func (f *SpectrumFrame) Clone() *SpectrumFrame {
	c := *f
	c.Bands = make([]float64, len(f.Bands))
	copy(c.Bands, f.Bands)
	return &c
}

// CopyTo copies f into dst, reusing dst.Bands when it has room.
func (f *SpectrumFrame) CopyTo(dst *SpectrumFrame) {
	bands := dst.Bands
	if cap(bands) < len(f.Bands) {
		bands = make([]float64, len(f.Bands))
	}
	*dst = *f
	dst.Bands = bands[:len(f.Bands)]
	copy(dst.Bands, f.Bands)
}

// SpectrumPool hands out SpectrumFrame values whose shape is the band count.
type SpectrumPool = Pool[*SpectrumFrame]

// NewSpectrumPool creates a warm spectrum pool for frames of bands bands.
func NewSpectrumPool(capacity, bands int) *SpectrumPool {
	return NewPool("spectrum", capacity, bands,
		func(shape int) *SpectrumFrame {
			return &SpectrumFrame{Bands: make([]float64, shape)}
		},
		func(f *SpectrumFrame) int { return len(f.Bands) },
	)
}
