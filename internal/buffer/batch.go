// SPDX-License-Identifier: MIT
package buffer

import "time"

// epoch anchors the monotonic tick clock shared by capture and analysis.
var epoch = time.Now()

// Ticks returns monotonic time since process start. time.Since reads the
// monotonic clock, so this is safe against wall-clock jumps and does not allocate.
func Ticks() time.Duration {
	return time.Since(epoch)
}

// SampleBatch is a pooled run of normalized mono samples in [-1, 1].
// Ownership moves capture -> queue -> analyzer; the last holder releases it.
type SampleBatch struct {
	Samples    []float32     // Backing storage, len == pool shape.
	Len        int           // Number of valid samples.
	Timestamp  time.Duration // Capture time in Ticks.
	SampleRate int           // Sample rate of the session that produced it.
}

// Valid returns the populated part of the batch.
func (b *SampleBatch) Valid() []float32 {
	return b.Samples[:b.Len]
}

// Duration returns the audio time covered by the valid samples.
func (b *SampleBatch) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Len) * time.Second / time.Duration(b.SampleRate)
}

// SamplePool hands out SampleBatch values whose shape is the sample capacity.
type SamplePool = Pool[*SampleBatch]

// NewSamplePool creates a warm sample pool of batches holding shape samples each.
func NewSamplePool(capacity, shape int) *SamplePool {
	return NewPool("samples", capacity, shape,
		func(shape int) *SampleBatch {
			return &SampleBatch{Samples: make([]float32, shape)}
		},
		func(b *SampleBatch) int { return len(b.Samples) },
	)
}
