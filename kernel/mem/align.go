package mem

import "math/bits"

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// NextPowerOfTwo returns the smallest power of two that is >= v. A zero value
// rounds up to 1. If the result does not fit in a uintptr, NextPowerOfTwo
// returns 0.
func NextPowerOfTwo(v uintptr) uintptr {
	if v <= 1 {
		return 1
	}

	shift := bits.Len(uint(v - 1))
	if shift >= bits.UintSize {
		return 0
	}
	return uintptr(1) << shift
}

// AlignUp rounds v up to the next multiple of align, which must be a power of
// two. The second return value is false if the rounded value overflows.
func AlignUp(v, align uintptr) (uintptr, bool) {
	alignMinus1 := align - 1
	if v > ^uintptr(0)-alignMinus1 {
		return 0, false
	}
	return (v + alignMinus1) &^ alignMinus1, true
}

// AlignDown rounds v down to the previous multiple of align, which must be a
// power of two.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// Align4 rounds a TLV or header length up to a 4-byte boundary.
func Align4(v uint32) uint32 {
	return (v + 3) &^ 3
}
