// SPDX-License-Identifier: MIT

/*
Package transport delivers spectrum frames to consumers outside the process.

Thread Safety:
  - A Relay is the analyzer-facing side. Its Listen method copies the frame
    into a mailbox that holds only the newest frame and returns at once.
  - Each Relay runs one goroutine that calls its Transport's Send. A slow
    transport loses intermediate frames, never stalls analysis.
*/
package transport

import (
	"sync"
	"sync/atomic"

	"loopviz/internal/buffer"
	"loopviz/internal/log"

	"github.com/rs/zerolog"
)

// Transport sends spectrum frames somewhere. Send is called from a single
// goroutine; the frame is only valid for the duration of the call.
type Transport interface {
	Name() string
	Send(frame *buffer.SpectrumFrame) error
	Close() error
}

// RelayStats reports hand-off counters.
type RelayStats struct {
	Sent       int64
	Superseded int64 // Frames replaced by a newer one before they were sent.
	Errors     int64
}

// Relay hands frames from the analysis goroutine to a Transport.
type Relay struct {
	t   Transport
	log zerolog.Logger

	mu      sync.Mutex
	pending *buffer.SpectrumFrame
	spare   *buffer.SpectrumFrame

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once

	sent       atomic.Int64
	superseded atomic.Int64
	errors     atomic.Int64
}

// NewRelay starts the delivery goroutine for t.
func NewRelay(t Transport) *Relay {
	r := &Relay{
		t:     t,
		log:   log.Component("transport").With().Str("transport", t.Name()).Logger(),
		spare: &buffer.SpectrumFrame{},
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Listen copies f into the mailbox. It matches analysis.SpectrumListener.
func (r *Relay) Listen(f *buffer.SpectrumFrame) {
	r.mu.Lock()
	dst := r.pending
	if dst != nil {
		r.superseded.Add(1)
	} else if dst = r.spare; dst != nil {
		r.spare = nil
	} else {
		dst = &buffer.SpectrumFrame{}
	}
	f.CopyTo(dst)
	r.pending = dst
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case <-r.wake:
		}

		r.mu.Lock()
		f := r.pending
		r.pending = nil
		r.mu.Unlock()
		if f == nil {
			continue
		}

		if err := r.t.Send(f); err != nil {
			if r.errors.Add(1) == 1 {
				r.log.Warn().Err(err).Msg("send failed")
			} else {
				r.log.Debug().Err(err).Msg("send failed")
			}
		} else {
			r.sent.Add(1)
		}

		r.mu.Lock()
		if r.spare == nil {
			r.spare = f
		}
		r.mu.Unlock()
	}
}

// Stats returns hand-off counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{Sent: r.sent.Load(), Superseded: r.superseded.Load(), Errors: r.errors.Load()}
}

// Close stops delivery and closes the transport.
func (r *Relay) Close() error {
	var err error
	r.once.Do(func() {
		close(r.quit)
		<-r.done
		err = r.t.Close()
	})
	return err
}
