// SPDX-License-Identifier: MIT

/*
Package queue implements the bounded hand-off between the capture callback and
the analysis loop.

The queue is a fixed-capacity ring of sequence-numbered cells. Producers and
consumers claim slots with a compare-and-swap on the tail and head counters;
the per-cell sequence tells each side whether the slot is ready. Neither side
ever blocks: TryEnqueue reports false when full and TryDequeue reports false
when empty. Items leave in the order they were accepted.

The ring is allocated once. SetLimit lowers the depth at which TryEnqueue
starts refusing, so a queue sized for the worst case can be tuned to the
current batch rate without reallocating under a running producer.

Any number of producers and consumers may call concurrently.
*/
package queue

import (
	"math"
	"sync/atomic"
	"time"

	"loopviz/pkg/bitint"
)

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// Queue is a bounded lock-free FIFO.
type Queue[T any] struct {
	_     [64]byte // keep head and tail on separate cache lines
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
	_     [56]byte
	mask  uint64
	cells []cell[T]
	limit atomic.Int64
}

// New creates a queue whose capacity is size rounded up to a power of two.
func New[T any](size int) *Queue[T] {
	n := bitint.NextPowerOfTwo(size)
	q := &Queue[T]{
		mask:  uint64(n - 1),
		cells: make([]cell[T], n),
	}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// TryEnqueue appends v. It returns false without blocking if the queue is full;
// the caller keeps ownership of v in that case.
func (q *Queue[T]) TryEnqueue(v T) bool {
	// Len is approximate under concurrent producers, so the limit may be
	// overshot by the number of producers racing here. Cap still holds.
	if l := q.limit.Load(); l > 0 && q.Len() >= int(l) {
		return false
	}
	pos := q.tail.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos); {
		case dif == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = q.tail.Load()
		case dif < 0:
			return false
		default:
			pos = q.tail.Load()
		}
	}
}

// TryDequeue removes the oldest item. It returns false without blocking if the
// queue is empty.
func (q *Queue[T]) TryDequeue() (T, bool) {
	var zero T
	pos := q.head.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		switch dif := int64(seq) - int64(pos+1); {
		case dif == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.val = zero
				c.seq.Store(pos + q.mask + 1)
				return v, true
			}
			pos = q.head.Load()
		case dif < 0:
			return zero, false
		default:
			pos = q.head.Load()
		}
	}
}

// Drain dequeues every item currently available and passes it to fn.
// It returns the number of items drained.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.TryDequeue()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// Len returns an approximate item count. Exact when no operation is in flight.
func (q *Queue[T]) Len() int {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.cells)
}

// SetLimit caps the number of queued items at n, clamped to [1, Cap].
// Items already queued beyond a lowered limit stay and drain normally.
func (q *Queue[T]) SetLimit(n int) {
	n = max(1, min(n, q.Cap()))
	q.limit.Store(int64(n))
}

// Limit returns the depth at which TryEnqueue refuses. Cap when unset.
func (q *Queue[T]) Limit() int {
	if l := q.limit.Load(); l > 0 {
		return int(l)
	}
	return q.Cap()
}

// MinCapacity is the smallest queue CapacityFor will size.
const MinCapacity = 4

// CapacityFor sizes a queue to hold about window worth of batches of
// batchFrames samples at sampleRate, so backlog never exceeds that latency.
func CapacityFor(sampleRate, batchFrames int, window time.Duration) int {
	if sampleRate <= 0 || batchFrames <= 0 {
		return MinCapacity
	}
	samples := int(math.Ceil(float64(sampleRate) * window.Seconds()))
	n := (samples + batchFrames - 1) / batchFrames
	if n < MinCapacity {
		n = MinCapacity
	}
	return bitint.NextPowerOfTwo(n)
}
