package mem

import "fmt"

// Range describes the half-open address range [Start, Start+Length).
type Range struct {
	Start  uintptr
	Length uintptr
}

// RangeFromBounds returns the range [start, end). If end <= start the returned
// range is empty.
func RangeFromBounds(start, end uintptr) Range {
	if end <= start {
		return Range{Start: start}
	}
	return Range{Start: start, Length: end - start}
}

// End returns the first address past the range.
func (r Range) End() uintptr {
	return r.Start + r.Length
}

// Empty returns true if the range covers no bytes.
func (r Range) Empty() bool {
	return r.Length == 0
}

// Overlaps returns true if r and o share at least one byte. Empty ranges never
// overlap anything.
func (r Range) Overlaps(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Start < o.End() && o.Start < r.End()
}

// Contains returns true if o lies entirely within r.
func (r Range) Contains(o Range) bool {
	return o.Start >= r.Start && o.End() <= r.End()
}

// Size returns the range length as a Size.
func (r Range) Size() Size {
	return Size(r.Length)
}

// String implements fmt.Stringer for Range.
func (r Range) String() string {
	return fmt.Sprintf("[0x%08x - 0x%08x)", r.Start, r.End())
}
