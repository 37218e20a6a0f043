// SPDX-License-Identifier: MIT

// Package utils holds signal generators and PCM encoders shared by tests and
// the synthetic capture source.
package utils

import (
	"encoding/binary"
	"math"
)

// Tone is one sinusoid in a generated signal.
type Tone struct {
	Frequency float64
	Amplitude float64
}

// GenerateTones sums the given tones into size samples. Phase starts at 0.
func GenerateTones(size int, sampleRate float64, tones ...Tone) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		var v float64
		for _, tone := range tones {
			v += tone.Amplitude * math.Sin(2*math.Pi*tone.Frequency*t)
		}
		buffer[i] = v
	}
	return buffer
}

// GenerateSineWave returns a single sine at 0.9 of full scale.
func GenerateSineWave(size int, sampleRate, frequency float64) []float64 {
	return GenerateTones(size, sampleRate, Tone{frequency, 0.9})
}

// GenerateComplexWave returns a 440Hz fundamental with two harmonics.
func GenerateComplexWave(size int, sampleRate float64) []float64 {
	return GenerateTones(size, sampleRate,
		Tone{440, 0.5},
		Tone{880, 0.3},
		Tone{1320, 0.2},
	)
}

// ToFloat32 narrows samples for code that consumes capture batches.
func ToFloat32(samples []float64) []float32 {
	out := make([]float32, len(samples))
	for i, v := range samples {
		out[i] = float32(v)
	}
	return out
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func order(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// EncodeInt16 writes samples as interleaved 16-bit PCM, copying each sample
// into every channel.
func EncodeInt16(samples []float64, channels int, bigEndian bool) []byte {
	bo := order(bigEndian)
	out := make([]byte, len(samples)*channels*2)
	for i, v := range samples {
		s := int16(clamp(v) * math.MaxInt16)
		for c := 0; c < channels; c++ {
			bo.PutUint16(out[(i*channels+c)*2:], uint16(s))
		}
	}
	return out
}

// EncodeInt24 writes samples as interleaved packed 24-bit PCM.
func EncodeInt24(samples []float64, channels int, bigEndian bool) []byte {
	out := make([]byte, len(samples)*channels*3)
	for i, v := range samples {
		s := uint32(int32(clamp(v) * (1<<23 - 1)))
		for c := 0; c < channels; c++ {
			b := out[(i*channels+c)*3:]
			if bigEndian {
				b[0], b[1], b[2] = byte(s>>16), byte(s>>8), byte(s)
			} else {
				b[0], b[1], b[2] = byte(s), byte(s>>8), byte(s>>16)
			}
		}
	}
	return out
}

// EncodeInt32 writes samples as interleaved 32-bit PCM.
func EncodeInt32(samples []float64, channels int, bigEndian bool) []byte {
	bo := order(bigEndian)
	out := make([]byte, len(samples)*channels*4)
	for i, v := range samples {
		s := int32(clamp(v) * math.MaxInt32)
		for c := 0; c < channels; c++ {
			bo.PutUint32(out[(i*channels+c)*4:], uint32(s))
		}
	}
	return out
}

// EncodeFloat32 writes samples as interleaved IEEE floats.
func EncodeFloat32(samples []float64, channels int, bigEndian bool) []byte {
	bo := order(bigEndian)
	out := make([]byte, len(samples)*channels*4)
	for i, v := range samples {
		bits := math.Float32bits(float32(v))
		for c := 0; c < channels; c++ {
			bo.PutUint32(out[(i*channels+c)*4:], bits)
		}
	}
	return out
}

// FindPeakBin returns the index of the largest magnitude in [startBin, endBin].
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
