// SPDX-License-Identifier: MIT
package analysis

import (
	"math"
	"time"
)

// zeroEpsilon is the magnitude below which smoothed values snap to exactly 0.
const zeroEpsilon = 1e-6

// movingAverage keeps the last window frames per band in a flat ring.
type movingAverage struct {
	bands  int
	window int
	ring   []float64 // window rows of bands values
	sums   []float64
	row    int
	filled int
}

func newMovingAverage(bands, window int) movingAverage {
	return movingAverage{
		bands:  bands,
		window: window,
		ring:   make([]float64, bands*window),
		sums:   make([]float64, bands),
	}
}

// push adds a frame and writes the running mean into out.
func (m *movingAverage) push(in, out []float64) {
	row := m.ring[m.row*m.bands : (m.row+1)*m.bands]
	for i, v := range in {
		m.sums[i] += v - row[i]
		row[i] = v
	}
	m.row = (m.row + 1) % m.window
	if m.filled < m.window {
		m.filled++
	}
	n := float64(m.filled)
	for i := range out {
		avg := m.sums[i] / n
		if avg < zeroEpsilon {
			// Running sums accumulate rounding residue.
			avg = 0
		}
		out[i] = avg
	}
}

// scale multiplies the whole history by f.
func (m *movingAverage) scale(f float64) {
	for i := range m.ring {
		m.ring[i] *= f
	}
	for i := range m.sums {
		m.sums[i] *= f
	}
}

func (m *movingAverage) reset() {
	clear(m.ring)
	clear(m.sums)
	m.row, m.filled = 0, 0
}

// envelope shapes band values with a fast attack and a slow decay.
type envelope struct {
	state  []float64
	dt     time.Duration
	attack float64
	decay  float64
}

func newEnvelope(bands int) envelope {
	return envelope{state: make([]float64, bands)}
}

// coefficients returns the per-frame blend factors for a frame of length dt.
func coefficients(dt, attack, decay time.Duration) (float64, float64) {
	a := 1 - math.Exp(-dt.Seconds()/attack.Seconds())
	d := 1 - math.Exp(-dt.Seconds()/decay.Seconds())
	return a, d
}

// apply tracks target and writes s*envelope + (1-s)*target into out.
func (e *envelope) apply(target, out []float64, s float64, dt, attack, decay time.Duration) {
	if dt != e.dt {
		e.attack, e.decay = coefficients(dt, attack, decay)
		e.dt = dt
	}
	for i, t := range target {
		v := e.state[i]
		if t > v {
			v += e.attack * (t - v)
		} else {
			v += e.decay * (t - v)
		}
		if v < zeroEpsilon {
			v = 0
		}
		e.state[i] = v

		o := s*v + (1-s)*t
		if o < zeroEpsilon {
			o = 0
		}
		out[i] = o
	}
}

// retune forces coefficient recomputation after attack or decay change.
func (e *envelope) retune() {
	e.dt = 0
}

// fade multiplies the envelope by f and writes it into out.
func (e *envelope) fade(f float64, out []float64) {
	for i, v := range e.state {
		v *= f
		if v < zeroEpsilon {
			v = 0
		}
		e.state[i] = v
		out[i] = v
	}
}

func (e *envelope) reset() {
	clear(e.state)
}
