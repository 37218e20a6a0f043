// SPDX-License-Identifier: MIT
package capture

import (
	"encoding/binary"
	"fmt"
	"math"

	"loopviz/internal/errs"

	"github.com/go-audio/audio"
)

// Encoding is the sample representation delivered by a capture backend.
type Encoding int

const (
	EncodingInt   Encoding = iota // Signed PCM integers.
	EncodingFloat                 // IEEE-754 floats.
)

func (e Encoding) String() string {
	switch e {
	case EncodingInt:
		return "int"
	case EncodingFloat:
		return "float"
	default:
		return "unknown"
	}
}

// AudioFormat describes the raw bytes a backend hands to the data callback.
// It is fixed for the lifetime of a capture session.
type AudioFormat struct {
	SampleRate int
	BitDepth   int
	Channels   int
	Encoding   Encoding
	BigEndian  bool // Byte order of every sample, integer or float.
}

func (f AudioFormat) String() string {
	order := "le"
	if f.BigEndian {
		order = "be"
	}
	return fmt.Sprintf("%dHz %d-bit %s/%s x%d", f.SampleRate, f.BitDepth, f.Encoding, order, f.Channels)
}

// BytesPerSample returns the width of one sample of one channel.
func (f AudioFormat) BytesPerSample() int {
	return f.BitDepth / 8
}

// BytesPerFrame returns the width of one interleaved frame.
func (f AudioFormat) BytesPerFrame() int {
	return f.BytesPerSample() * f.Channels
}

// Validate reports whether the converter can handle f.
func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 {
		return errs.Invalid("sample_rate", f.SampleRate, "must be positive")
	}
	if f.Channels < 1 {
		return errs.Invalid("channels", f.Channels, "must be at least 1")
	}
	switch f.Encoding {
	case EncodingInt:
		if f.BitDepth != 16 && f.BitDepth != 24 && f.BitDepth != 32 {
			return errs.Invalid("bit_depth", f.BitDepth, "integer samples must be 16, 24 or 32 bits")
		}
	case EncodingFloat:
		if f.BitDepth != 32 {
			return errs.Invalid("bit_depth", f.BitDepth, "float samples must be 32 bits")
		}
	default:
		return errs.Invalid("encoding", f.Encoding, "unsupported encoding")
	}
	return nil
}

// Scale factors. 24-bit samples sit in the low three bytes, so dividing by
// 2^23 equals placing them in the top of an int32 and dividing by 2^31.
const (
	scale16 = 1.0 / 32768.0
	scale24 = 1.0 / 8388608.0
	scale32 = 1.0 / 2147483648.0
)

type sampleDecoder func(b []byte) float32

func decodeInt16LE(b []byte) float32 {
	return float32(int16(binary.LittleEndian.Uint16(b))) * scale16
}

func decodeInt16BE(b []byte) float32 {
	return float32(int16(binary.BigEndian.Uint16(b))) * scale16
}

func decodeInt24LE(b []byte) float32 {
	return float32(audio.Int24LETo32(b[:3])) * scale24
}

func decodeInt24BE(b []byte) float32 {
	return float32(audio.Int24BETo32(b[:3])) * scale24
}

func decodeInt32LE(b []byte) float32 {
	return float32(float64(int32(binary.LittleEndian.Uint32(b))) * scale32)
}

func decodeInt32BE(b []byte) float32 {
	return float32(float64(int32(binary.BigEndian.Uint32(b))) * scale32)
}

func decodeFloat32LE(b []byte) float32 {
	return clampFloat(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

func decodeFloat32BE(b []byte) float32 {
	return clampFloat(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

func clampFloat(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	case v != v: // NaN from a misbehaving driver.
		return 0
	}
	return v
}

func decoderFor(f AudioFormat) sampleDecoder {
	switch {
	case f.Encoding == EncodingFloat && f.BigEndian:
		return decodeFloat32BE
	case f.Encoding == EncodingFloat:
		return decodeFloat32LE
	case f.BitDepth == 16 && f.BigEndian:
		return decodeInt16BE
	case f.BitDepth == 16:
		return decodeInt16LE
	case f.BitDepth == 24 && f.BigEndian:
		return decodeInt24BE
	case f.BitDepth == 24:
		return decodeInt24LE
	case f.BitDepth == 32 && f.BigEndian:
		return decodeInt32BE
	default:
		return decodeInt32LE
	}
}

// ConvertInto decodes whole interleaved frames from raw into dst as normalized
// mono samples, averaging channels. It returns the number of frames written,
// which is bounded by len(dst). A trailing partial frame is ignored.
//
// Runs on the capture callback thread: no allocation, no locks, no I/O.
func ConvertInto(dst []float32, raw []byte, f AudioFormat) int {
	bps := f.BytesPerSample()
	frameBytes := bps * f.Channels
	if frameBytes <= 0 {
		return 0
	}
	frames := len(raw) / frameBytes
	if frames > len(dst) {
		frames = len(dst)
	}

	decode := decoderFor(f)
	if f.Channels == 1 {
		for i := 0; i < frames; i++ {
			dst[i] = decode(raw[i*bps:])
		}
		return frames
	}

	inv := 1 / float32(f.Channels)
	for i := 0; i < frames; i++ {
		off := i * frameBytes
		var sum float32
		for c := 0; c < f.Channels; c++ {
			sum += decode(raw[off+c*bps:])
		}
		dst[i] = sum * inv
	}
	return frames
}
