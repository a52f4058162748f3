package placement

import (
	"fmt"
	"io"
	"sort"

	"gophertock/kernel"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/mem"

	"go.uber.org/zap"
)

var (
	// panicFn halts the kernel when a placement invariant is broken. It is
	// mocked by tests.
	panicFn = kfmt.Panic
)

// Engine tracks the occupied ranges of one region and places new requests
// with Find. The occupied list is kept sorted by start address.
type Engine struct {
	name     string
	region   mem.Range
	occupied []mem.Range
}

// NewEngine returns an engine for an initially empty region. The name is used
// in log entries and state dumps.
func NewEngine(name string, region mem.Range) *Engine {
	return &Engine{name: name, region: region}
}

// Region returns the region managed by the engine.
func (e *Engine) Region() mem.Range {
	return e.region
}

// Occupied returns a copy of the occupied ranges in ascending address order.
func (e *Engine) Occupied() []mem.Range {
	out := make([]mem.Range, len(e.occupied))
	copy(out, e.occupied)
	return out
}

// Find returns the address Place would use for size without reserving it.
func (e *Engine) Find(size uintptr) (uintptr, error) {
	return Find(size, e.occupied, e.region)
}

// Place finds and reserves a range of size bytes.
func (e *Engine) Place(size uintptr) (mem.Range, error) {
	start, err := Find(size, e.occupied, e.region)
	if err != nil {
		return mem.Range{}, err
	}

	placed := mem.Range{Start: start, Length: size}
	e.verify(placed)
	e.insert(placed)

	kfmt.Logger("placement").Debug("placed range",
		zap.String("engine", e.name),
		zap.Stringer("range", placed),
		zap.Stringer("size", placed.Size()),
	)
	return placed, nil
}

// verify halts the kernel if Find returned a range that breaks the engine's
// invariants.
func (e *Engine) verify(placed mem.Range) {
	var cause string

	switch {
	case !e.region.Contains(placed):
		cause = "outside of region"
	case placed.Start%mem.NextPowerOfTwo(placed.Length) != 0:
		cause = "misaligned"
	default:
		for _, o := range e.occupied {
			if o.Overlaps(placed) {
				cause = fmt.Sprintf("overlaps %s", o)
				break
			}
		}
	}

	if cause != "" {
		panicFn(&kernel.Error{
			Module:  errOverlap.Module,
			Message: fmt.Sprintf("%s engine: range %s %s", e.name, placed, cause),
		}, e)
	}
}

// Reserve marks r as occupied. It is used for ranges that were not placed by
// the engine, such as images already present in flash. Reserve fails with
// ErrInvalid if r is empty, lies outside the region or overlaps an occupant.
func (e *Engine) Reserve(r mem.Range) error {
	if r.Empty() || !e.region.Contains(r) {
		return &Error{Kind: ErrInvalid, Size: r.Length, Region: e.region}
	}
	for _, o := range e.occupied {
		if o.Overlaps(r) {
			return &Error{Kind: ErrInvalid, Size: r.Length, Region: e.region}
		}
	}

	e.insert(r)
	return nil
}

// Release frees a range previously returned by Place or passed to Reserve. It
// returns false if r is not occupied.
func (e *Engine) Release(r mem.Range) bool {
	for i, o := range e.occupied {
		if o == r {
			e.occupied = append(e.occupied[:i], e.occupied[i+1:]...)
			return true
		}
	}
	return false
}

// Reset releases every occupied range.
func (e *Engine) Reset() {
	e.occupied = e.occupied[:0]
}

func (e *Engine) insert(r mem.Range) {
	i := sort.Search(len(e.occupied), func(i int) bool {
		return e.occupied[i].Start >= r.Start
	})
	e.occupied = append(e.occupied, mem.Range{})
	copy(e.occupied[i+1:], e.occupied[i:])
	e.occupied[i] = r
}

// DumpState implements kfmt.StateDumper.
func (e *Engine) DumpState(w io.Writer) {
	fmt.Fprintf(w, "%s engine: region %s (%s)\n", e.name, e.region, e.region.Size())
	for _, o := range e.occupied {
		fmt.Fprintf(w, "  %s %s\n", o, o.Size())
	}
}
