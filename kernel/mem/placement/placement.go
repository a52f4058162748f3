// Package placement assigns aligned, non-overlapping address ranges to images
// in flash and to process memory in RAM.
//
// Memory protection units require regions whose start is aligned to their
// power-of-two size. Find therefore aligns every request to the smallest power
// of two that can hold it and scans the region first-fit, always returning the
// lowest valid address. Existing occupants are never moved.
package placement

import (
	"fmt"

	"gophertock/kernel"
	"gophertock/kernel/mem"
)

var (
	// ErrOutOfSpace is returned when no aligned position in the region can
	// hold the request.
	ErrOutOfSpace = &kernel.Error{Module: "placement", Message: "out of space"}

	// ErrInvalid is returned for zero sized requests, requests larger than
	// the region and empty regions.
	ErrInvalid = &kernel.Error{Module: "placement", Message: "invalid request"}

	errOverlap = &kernel.Error{Module: "placement", Message: "placed range overlaps an existing occupant"}
)

// Error describes a failed placement request.
type Error struct {
	// Kind is ErrOutOfSpace or ErrInvalid.
	Kind *kernel.Error

	Size   uintptr
	Region mem.Range
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("placement: %s: %d bytes in %s", e.Kind.Message, e.Size, e.Region)
}

// Unwrap returns the error kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

// Find returns the lowest address in region that is aligned to the smallest
// power of two >= size and where [start, start+size) overlaps none of the
// occupied ranges. The occupied ranges need not be sorted; ranges outside the
// region are ignored. Find is deterministic and does not modify occupied.
func Find(size uintptr, occupied []mem.Range, region mem.Range) (uintptr, error) {
	if size == 0 || region.Empty() || size > region.Length {
		return 0, &Error{Kind: ErrInvalid, Size: size, Region: region}
	}

	align := mem.NextPowerOfTwo(size)
	if align == 0 {
		return 0, &Error{Kind: ErrInvalid, Size: size, Region: region}
	}

	cand, ok := mem.AlignUp(region.Start, align)
	for ok && cand <= region.End() && region.End()-cand >= size {
		want := mem.Range{Start: cand, Length: size}

		// Every aligned candidate below the end of an overlapping
		// occupant would overlap it too, so skip past all of them.
		var (
			overlaps bool
			skipTo   uintptr
		)
		for _, o := range occupied {
			if want.Overlaps(o) {
				overlaps = true
				if o.End() > skipTo {
					skipTo = o.End()
				}
			}
		}

		if !overlaps {
			return cand, nil
		}

		cand, ok = mem.AlignUp(skipTo, align)
	}

	return 0, &Error{Kind: ErrOutOfSpace, Size: size, Region: region}
}

// Padding lists the gaps around a newly placed flash image that must be
// filled with padding images to keep the image list walkable.
type Padding struct {
	// Before spans from the end of the preceding occupant (or the region
	// start) to the new image.
	Before mem.Range

	// After spans from the end of the new image to the next occupant. It is
	// empty if no occupant follows the new image.
	After mem.Range
}

// PlanPadding computes the padding needed around placed given the other
// occupants of region.
func PlanPadding(placed mem.Range, occupied []mem.Range, region mem.Range) Padding {
	var (
		prevEnd   = region.Start
		nextStart = placed.End()
		hasNext   bool
	)

	for _, o := range occupied {
		if o.Empty() || o == placed {
			continue
		}
		if o.End() <= placed.Start && o.End() > prevEnd {
			prevEnd = o.End()
		}
		if o.Start >= placed.End() && (!hasNext || o.Start < nextStart) {
			nextStart, hasNext = o.Start, true
		}
	}

	p := Padding{Before: mem.RangeFromBounds(prevEnd, placed.Start)}
	if hasNext {
		p.After = mem.RangeFromBounds(placed.End(), nextStart)
	}
	return p
}
