// Package sched defines the contract between the kernel main loop and a
// scheduling policy, together with the round robin, priority and cooperative
// policies.
package sched

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gophertock/kernel/proc"
)

// DefaultTimeslice is the timeslice used when none is configured.
const DefaultTimeslice = 10 * time.Millisecond

// KernelWork reports whether deferred kernel work (interrupt bottom halves,
// timer callbacks) is waiting to be serviced.
type KernelWork interface {
	HasPendingWork() bool
}

// ProcessSource gives policies read-only access to the processes they
// schedule. It is implemented by *proc.Table.
type ProcessSource interface {
	// Runnable returns the identity of the process in slot if it is
	// Running or Unstarted.
	Runnable(slot int) (proc.Identity, bool)
}

// DecisionKind tells the kernel what to do next.
type DecisionKind uint8

const (
	// Idle means no process is runnable.
	Idle DecisionKind = iota

	// RunProcess means the process in Decision.ID should run.
	RunProcess
)

// Decision is returned by Scheduler.Next.
type Decision struct {
	Kind DecisionKind
	ID   proc.Identity

	// Timeslice bounds the run; zero means the process runs until it
	// yields or the kernel preempts it.
	Timeslice time.Duration
}

// StoppedReason explains why a process stopped executing.
type StoppedReason uint8

// The reasons a process stops executing.
const (
	Yielded StoppedReason = iota
	TimesliceExpired
	Faulted
	Terminated
	KernelPreempted
	Stopped

	numReasons
)

// String implements fmt.Stringer for StoppedReason.
func (r StoppedReason) String() string {
	switch r {
	case Yielded:
		return "yielded"
	case TimesliceExpired:
		return "timeslice_expired"
	case Faulted:
		return "faulted"
	case Terminated:
		return "terminated"
	case KernelPreempted:
		return "kernel_preempted"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("StoppedReason(%d)", uint8(r))
	}
}

// Scheduler is implemented by scheduling policies. All methods are called
// from the kernel goroutine.
type Scheduler interface {
	// Register adds the process in slot to the ring. Processes are ordered
	// by order, which the kernel sets to the image's flash address.
	Register(slot int, order uintptr)

	// Unregister removes the process in slot from the ring.
	Unregister(slot int)

	// Next selects the next process to run. Only Running or Unstarted
	// processes may be selected.
	Next() Decision

	// Result reports why the last selected process stopped and for how
	// long it ran. measured is false if the platform could not time the
	// run.
	Result(reason StoppedReason, executed time.Duration, measured bool)

	// DoKernelWorkNow returns true if the kernel should service deferred
	// work before running another process.
	DoKernelWorkNow(work KernelWork) bool

	// ContinueProcess returns false if the running process should be
	// preempted before its timeslice expires.
	ContinueProcess(id proc.Identity, work KernelWork) bool

	// Stats returns the scheduling statistics collected so far.
	Stats() Stats
}

// Stats holds scheduling statistics.
type Stats struct {
	Decisions  uint64
	IdleCycles uint64
	Executed   time.Duration
	Unmeasured uint64

	stopped [numReasons]uint64
}

// StoppedCount returns the number of runs that ended for reason.
func (s Stats) StoppedCount(reason StoppedReason) uint64 {
	if reason >= numReasons {
		return 0
	}
	return s.stopped[reason]
}

func (s *Stats) recordDecision(d Decision) {
	if d.Kind == Idle {
		s.IdleCycles++
		return
	}
	s.Decisions++
}

func (s *Stats) recordResult(reason StoppedReason, executed time.Duration, measured bool) {
	if reason < numReasons {
		s.stopped[reason]++
	}
	if !measured {
		s.Unmeasured++
		return
	}
	s.Executed += executed
}

type ringEntry struct {
	slot  int
	order uintptr
}

// ring holds registered slots sorted by order.
type ring []ringEntry

// register inserts slot in order position. It returns the position slot was
// removed from (-1 if it was not registered) and the position it now holds.
func (r *ring) register(slot int, order uintptr) (removed, inserted int) {
	removed = r.unregister(slot)
	i := sort.Search(len(*r), func(i int) bool { return (*r)[i].order > order })
	*r = append(*r, ringEntry{})
	copy((*r)[i+1:], (*r)[i:])
	(*r)[i] = ringEntry{slot: slot, order: order}
	return removed, i
}

// moveCursor keeps cursor on the same entry across a register call, so an
// entry inserted behind the cursor waits for the next rotation.
func (r ring) moveCursor(cursor, removed, inserted int) int {
	if removed >= 0 && removed < cursor {
		cursor--
	}
	if inserted < cursor {
		cursor++
	}
	if cursor >= len(r) {
		cursor = 0
	}
	return cursor
}

// unregister removes slot and returns its former position or -1.
func (r *ring) unregister(slot int) int {
	for i, e := range *r {
		if e.slot == slot {
			*r = append((*r)[:i], (*r)[i+1:]...)
			return i
		}
	}
	return -1
}

// New returns the policy registered under name. Recognized names are
// "round-robin", "priority" and "cooperative". A zero timeslice selects
// DefaultTimeslice.
func New(name string, src ProcessSource, timeslice time.Duration) (Scheduler, error) {
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}

	switch strings.ToLower(name) {
	case "round-robin", "roundrobin", "rr", "":
		return NewRoundRobin(src, timeslice), nil
	case "priority":
		return NewPriority(src), nil
	case "cooperative", "coop":
		return NewCooperative(src), nil
	default:
		return nil, fmt.Errorf("sched: unknown scheduler %q", name)
	}
}
