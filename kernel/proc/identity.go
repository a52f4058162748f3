package proc

import "fmt"

// Identity names one execution instance of a process. The slot locates the
// record in the process table; the generation is drawn from a table-wide
// monotonically increasing counter so a restarted process never reuses an
// identity and stale handles are detected.
type Identity struct {
	Slot       int
	Generation uint64
}

// String implements fmt.Stringer for Identity.
func (id Identity) String() string {
	return fmt.Sprintf("%d.%d", id.Slot, id.Generation)
}

// Valid returns false for the zero Identity, which is never handed out.
func (id Identity) Valid() bool {
	return id.Generation != 0
}
