// SPDX-License-Identifier: MIT

/*
Package buffer provides the fixed-shape reusable buffers that flow through the
capture and analysis pipeline.

Thread Safety:
  - Acquire and Release never block and may be called from the capture
    callback thread and the analyzer goroutine concurrently.
  - An empty pool falls back to a fresh allocation. The miss is counted, it is
    not an error.
  - Buffers whose shape no longer matches the pool are discarded on release,
    which lets a pool shrink or grow safely across reconfiguration.
*/
package buffer

import (
	"sync/atomic"

	"loopviz/internal/metrics"
)

// Pool is a shape-keyed free list of T. The free list is a buffered channel
// drained and filled with non-blocking selects.
type Pool[T any] struct {
	name    string
	free    chan T
	shape   atomic.Int64
	newFn   func(shape int) T
	shapeOf func(T) int

	gets     atomic.Int64
	misses   atomic.Int64
	discards atomic.Int64
	stats    *metrics.Pool
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Name      string
	Shape     int
	Capacity  int
	Available int
	Gets      int64
	Misses    int64
	Discards  int64
}

// NewPool creates a pool holding up to capacity buffers of the given shape.
// The pool starts warm: capacity buffers are allocated up front.
func NewPool[T any](name string, capacity, shape int, newFn func(shape int) T, shapeOf func(T) int) *Pool[T] {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool[T]{
		name:    name,
		free:    make(chan T, capacity),
		newFn:   newFn,
		shapeOf: shapeOf,
		stats:   metrics.ForPool(name),
	}
	p.shape.Store(int64(shape))
	p.fill()
	return p
}

// Acquire returns a buffer of the current shape. It never blocks.
func (p *Pool[T]) Acquire() T {
	p.gets.Add(1)
	shape := p.Shape()
	for {
		select {
		case b := <-p.free:
			if p.shapeOf(b) == shape {
				p.stats.Get(false)
				return b
			}
			// Stale shape from before a Reshape.
			p.discards.Add(1)
			p.stats.Discard()
		default:
			p.misses.Add(1)
			p.stats.Get(true)
			return p.newFn(shape)
		}
	}
}

// Release returns b for reuse when its shape matches and there is room.
func (p *Pool[T]) Release(b T) {
	if p.shapeOf(b) != p.Shape() {
		p.discards.Add(1)
		p.stats.Discard()
		return
	}
	select {
	case p.free <- b:
	default:
		p.discards.Add(1)
		p.stats.Discard()
	}
}

// Shape returns the shape buffers are currently handed out with.
func (p *Pool[T]) Shape() int {
	return int(p.shape.Load())
}

// Reshape switches the pool to a new shape, drops buffers of the old shape and
// warms the pool back up. Buffers of the old shape still in flight are
// discarded when they are released.
func (p *Pool[T]) Reshape(shape int) {
	if int(p.shape.Swap(int64(shape))) == shape {
		return
	}
drain:
	for n := len(p.free); n > 0; n-- {
		select {
		case b := <-p.free:
			p.Release(b)
		default:
			break drain
		}
	}
	p.fill()
}

func (p *Pool[T]) fill() {
	shape := p.Shape()
	for len(p.free) < cap(p.free) {
		select {
		case p.free <- p.newFn(shape):
		default:
			return
		}
	}
}

// Available returns the number of idle buffers.
func (p *Pool[T]) Available() int {
	return len(p.free)
}

// Capacity returns the maximum number of idle buffers the pool retains.
func (p *Pool[T]) Capacity() int {
	return cap(p.free)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Name:      p.name,
		Shape:     p.Shape(),
		Capacity:  p.Capacity(),
		Available: p.Available(),
		Gets:      p.gets.Load(),
		Misses:    p.misses.Load(),
		Discards:  p.discards.Load(),
	}
}
