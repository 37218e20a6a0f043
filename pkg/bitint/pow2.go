// SPDX-License-Identifier: MIT

/*
Package bitint provides the power-of-two helpers used for FFT sizing, device
period sizing, and queue capacities. All functions are O(1), allocation free,
and safe to call from the audio callback thread.

Usage:

	// Round a latency target up to a device period
	frames := bitint.NextPowerOfTwo(44100 * 23 / 1000) // 1024

	// Validate an FFT size
	ok := bitint.IsPowerOfTwo(fftSize)

NextPowerOfTwo subtracts one before finding the highest set bit so that exact
powers of two are preserved: for 8, bits.Len(7) is 3 and 1<<3 is 8. Without the
subtraction bits.Len(8) is 4 and the result would double to 16.
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of two >= size.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of two. A power of two
// has exactly one bit set, so n&(n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
