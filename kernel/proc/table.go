package proc

import (
	"fmt"
	"io"
)

// Table is a fixed-capacity arena of process records indexed by slot. It is
// owned by the kernel goroutine and is not safe for concurrent use.
type Table struct {
	slots []*Record

	// generation is the last generation handed out. It never decreases,
	// even when records are erased.
	generation uint64
}

// NewTable returns a table with the given number of slots.
func NewTable(capacity int) *Table {
	return &Table{slots: make([]*Record, capacity)}
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	var n int
	for _, r := range t.slots {
		if r != nil {
			n++
		}
	}
	return n
}

// NextIdentity returns a fresh identity for slot.
func (t *Table) NextIdentity(slot int) Identity {
	t.generation++
	return Identity{Slot: slot, Generation: t.generation}
}

// Add stores r in the lowest free slot and assigns it a fresh identity.
func (t *Table) Add(r *Record) (Identity, error) {
	for slot, cur := range t.slots {
		if cur != nil {
			continue
		}

		r.ID = t.NextIdentity(slot)
		t.slots[slot] = r
		return r.ID, nil
	}
	return Identity{}, ErrNoFreeSlot
}

// Get returns the record named by id. It returns ErrStaleIdentity if the slot
// is empty or holds a different execution instance.
func (t *Table) Get(id Identity) (*Record, error) {
	r := t.Slot(id.Slot)
	if r == nil || r.ID != id {
		return nil, ErrStaleIdentity
	}
	return r, nil
}

// Slot returns the record stored in slot i or nil.
func (t *Table) Slot(i int) *Record {
	if i < 0 || i >= len(t.slots) {
		return nil
	}
	return t.slots[i]
}

// Runnable returns the identity of the record in slot if it may be scheduled.
func (t *Table) Runnable(slot int) (Identity, bool) {
	r := t.Slot(slot)
	if r == nil || !r.Runnable() {
		return Identity{}, false
	}
	return r.ID, true
}

// Each invokes fn for every record in slot order until fn returns false.
func (t *Table) Each(fn func(*Record) bool) {
	for _, r := range t.slots {
		if r != nil && !fn(r) {
			return
		}
	}
}

// Restart restarts the record named by id under a new identity and returns
// the new identity.
func (t *Table) Restart(id Identity) (Identity, error) {
	r, err := t.Get(id)
	if err != nil {
		return Identity{}, err
	}

	// Validate the transition before consuming a generation.
	if r.State != Terminated && r.State != Faulted {
		return Identity{}, r.reject(OpRestart)
	}

	if err := r.Restart(t.NextIdentity(id.Slot)); err != nil {
		return Identity{}, err
	}
	return r.ID, nil
}

// Erasable returns the record named by id if it can be erased. Only records
// that are not executing (Unstarted, Faulted or Terminated) can be erased.
// The table is not modified.
func (t *Table) Erasable(id Identity) (*Record, error) {
	r, err := t.Get(id)
	if err != nil {
		return nil, err
	}

	switch r.State {
	case Unstarted, Faulted, Terminated:
		return r, nil
	default:
		return nil, r.reject(OpErase)
	}
}

// Erase removes the record named by id and frees its slot. It fails for the
// same records Erasable rejects.
func (t *Table) Erase(id Identity) (*Record, error) {
	r, err := t.Erasable(id)
	if err != nil {
		return nil, err
	}

	t.slots[id.Slot] = nil
	return r, nil
}

// DumpState implements kfmt.StateDumper.
func (t *Table) DumpState(w io.Writer) {
	fmt.Fprintf(w, "process table: %d/%d slots used\n", t.Len(), t.Capacity())
	t.Each(func(r *Record) bool {
		r.DumpState(w)
		return true
	})
}
