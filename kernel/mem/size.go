// Package mem contains the size, range and alignment primitives used by the
// kernel when reasoning about flash and RAM layouts.
package mem

import "github.com/dustin/go-humanize"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// String implements fmt.Stringer for Size using IEC units (e.g. "64 KiB").
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}
