// SPDX-License-Identifier: MIT
package udp

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/transport"
)

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Band Count        | uint16         | 2            | Number of bands (N)     |
| Peak              | float32        | 4            | Largest band value      |
| Peak Band         | uint16         | 2            | Index of the peak       |
| RMS               | float32        | 4            | RMS across bands        |
| Bands             | []float32      | N * 4        | Band values in [0, 1]   |
+-----------------------------------------------------------------------------+
*/

// HeaderSize is the packet length without band values.
const HeaderSize = 4 + 8 + 2 + 4 + 2 + 4

// Packet is a decoded spectrum packet.
type Packet struct {
	Seq       uint32
	Timestamp int64
	Peak      float32
	PeakBand  uint16
	RMS       float32
	Bands     []float32
}

// Publisher packs spectrum frames into binary packets and sends them over UDP.
// It implements transport.Transport.
type Publisher struct {
	sender   *Sender
	interval time.Duration
	now      func() time.Time

	seq    uint32
	last   time.Time
	packet []byte // Reused between sends.
}

// NewPublisher creates a publisher sending at most one packet per interval.
// A zero interval sends every frame.
func NewPublisher(sender *Sender, interval time.Duration) (*Publisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("udp publisher: sender cannot be nil")
	}
	return &Publisher{
		sender:   sender,
		interval: interval,
		now:      time.Now,
		packet:   make([]byte, 0, HeaderSize+64*4),
	}, nil
}

func (p *Publisher) Name() string { return "udp" }

// Send packs f and sends it, unless the previous packet went out less than an
// interval ago.
func (p *Publisher) Send(f *buffer.SpectrumFrame) error {
	now := p.now()
	if p.interval > 0 && now.Sub(p.last) < p.interval {
		return nil
	}
	p.last = now
	p.seq++
	p.packet = AppendPacket(p.packet[:0], p.seq, now.UnixNano(), f)
	return p.sender.Send(p.packet)
}

// AppendPacket appends the encoding of f to dst.
func AppendPacket(dst []byte, seq uint32, timestamp int64, f *buffer.SpectrumFrame) []byte {
	be := binary.BigEndian
	dst = be.AppendUint32(dst, seq)
	dst = be.AppendUint64(dst, uint64(timestamp))
	dst = be.AppendUint16(dst, uint16(len(f.Bands)))
	dst = be.AppendUint32(dst, math.Float32bits(float32(f.Peak)))
	dst = be.AppendUint16(dst, uint16(f.PeakBand))
	dst = be.AppendUint32(dst, math.Float32bits(float32(f.RMS)))
	for _, v := range f.Bands {
		dst = be.AppendUint32(dst, math.Float32bits(float32(v)))
	}
	return dst
}

// DecodePacket parses a packet produced by AppendPacket.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < HeaderSize {
		return Packet{}, fmt.Errorf("udp packet too short: %d bytes", len(b))
	}
	be := binary.BigEndian
	n := int(be.Uint16(b[12:14]))
	if len(b) != HeaderSize+n*4 {
		return Packet{}, fmt.Errorf("udp packet length %d does not match %d bands", len(b), n)
	}
	p := Packet{
		Seq:       be.Uint32(b[0:4]),
		Timestamp: int64(be.Uint64(b[4:12])),
		Peak:      math.Float32frombits(be.Uint32(b[14:18])),
		PeakBand:  be.Uint16(b[18:20]),
		RMS:       math.Float32frombits(be.Uint32(b[20:24])),
		Bands:     make([]float32, n),
	}
	for i := range p.Bands {
		off := HeaderSize + i*4
		p.Bands[i] = math.Float32frombits(be.Uint32(b[off : off+4]))
	}
	return p, nil
}

// Close closes the underlying sender.
func (p *Publisher) Close() error {
	return p.sender.Close()
}

// Ensure Publisher satisfies the transport interface at compile time.
var _ transport.Transport = (*Publisher)(nil)
