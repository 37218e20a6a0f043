// SPDX-License-Identifier: MIT
package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplePoolWarm(t *testing.T) {
	p := NewSamplePool(4, 1024)

	assert.Equal(t, 4, p.Available())
	assert.Equal(t, 4, p.Capacity())
	assert.Equal(t, 1024, p.Shape())

	b := p.Acquire()
	require.Len(t, b.Samples, 1024)
	assert.Equal(t, 3, p.Available())

	p.Release(b)
	assert.Equal(t, 4, p.Available())
	assert.Zero(t, p.Stats().Misses)
}

func TestPoolHotPathZeroAllocs(t *testing.T) {
	p := NewSamplePool(2, 512)

	allocs := testing.AllocsPerRun(100, func() {
		b := p.Acquire()
		p.Release(b)
	})
	assert.Zero(t, allocs, "warm acquire/release must not allocate")
}

func TestPoolExhaustionFallsBack(t *testing.T) {
	p := NewSamplePool(2, 256)

	held := []*SampleBatch{p.Acquire(), p.Acquire()}
	extra := p.Acquire()
	require.NotNil(t, extra, "exhausted pool must allocate instead of blocking")
	assert.Len(t, extra.Samples, 256)
	assert.EqualValues(t, 1, p.Stats().Misses)

	for _, b := range append(held, extra) {
		p.Release(b)
	}
	assert.Equal(t, 2, p.Available(), "pool never retains more than its capacity")
	assert.EqualValues(t, 1, p.Stats().Discards)
}

func TestPoolReleaseShapeMismatch(t *testing.T) {
	p := NewSamplePool(2, 256)
	p.Acquire()

	p.Release(&SampleBatch{Samples: make([]float32, 128)})
	assert.Equal(t, 1, p.Available(), "foreign shape must be discarded")
	assert.EqualValues(t, 1, p.Stats().Discards)
}

func TestPoolReshape(t *testing.T) {
	p := NewSamplePool(3, 512)
	inFlight := p.Acquire()

	p.Reshape(1024)
	assert.Equal(t, 1024, p.Shape())
	assert.Equal(t, 3, p.Available())

	for range 3 {
		b := p.Acquire()
		assert.Len(t, b.Samples, 1024)
		defer p.Release(b)
	}

	// A batch from before the reshape is dropped on return.
	discards := p.Stats().Discards
	p.Release(inFlight)
	assert.Equal(t, discards+1, p.Stats().Discards)

	// Reshape to the same shape is a no-op.
	p.Reshape(1024)
	assert.Equal(t, 1024, p.Shape())
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	p := NewSpectrumPool(4, 16)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range 1000 {
				f := p.Acquire()
				f.Bands[0] = float64(w*1000 + i)
				p.Release(f)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 4, p.Available())
	s := p.Stats()
	assert.EqualValues(t, 4000, s.Gets)
	assert.Equal(t, "spectrum", s.Name)
}

func TestSampleBatchDuration(t *testing.T) {
	b := &SampleBatch{Samples: make([]float32, 1024), Len: 441, SampleRate: 44100}
	assert.Equal(t, 10*time.Millisecond, b.Duration())
	assert.Len(t, b.Valid(), 441)

	b.SampleRate = 0
	assert.Zero(t, b.Duration())
}

func TestSpectrumFrameClone(t *testing.T) {
	f := &SpectrumFrame{Bands: []float64{0.1, 1, 0.5}, Peak: 1, PeakBand: 1, RMS: 0.65}
	c := f.Clone()
	f.Bands[1] = 0

	assert.Equal(t, 1.0, c.Bands[1])
	assert.Equal(t, 3, c.BandCount())

	var dst SpectrumFrame
	c.CopyTo(&dst)
	assert.Equal(t, c.Bands, dst.Bands)
	assert.Equal(t, 1, dst.PeakBand)
}

func TestTicksMonotonic(t *testing.T) {
	a := Ticks()
	b := Ticks()
	assert.GreaterOrEqual(t, b, a)
}
