package proc

import (
	"fmt"
	"io"

	"gophertock/kernel/mem"
	"gophertock/tbf"
)

// DefaultUpcallQueueDepth is the number of upcalls a record can hold when no
// depth is configured.
const DefaultUpcallQueueDepth = 10

// Upcall is an event delivered from the kernel into a process.
type Upcall struct {
	// Driver is the driver number that scheduled the upcall.
	Driver uint32

	// Subscribe is the subscription number within the driver.
	Subscribe uint32

	Args [3]uint32
}

// Record is the kernel's bookkeeping for one loaded process. Records are
// owned by a Table and only change state through the transition methods
// below, each of which rejects invalid transitions with a *TransitionError.
type Record struct {
	ID     Identity
	Name   string
	Code   mem.Range
	Memory mem.Range

	// Header is the decoded image header, kept for restarts.
	Header *tbf.Header

	State State

	// RestartCount is incremented on every restart and never reset.
	RestartCount uint64

	SyscallCount         uint64
	TimesliceExpirations uint64
	DroppedUpcalls       uint64
	FaultCount           uint64

	upcalls     []Upcall
	upcallDepth int
}

// NewRecord returns an Unstarted record. The identity is assigned when the
// record is added to a Table. A depth <= 0 selects DefaultUpcallQueueDepth.
func NewRecord(name string, code, memory mem.Range, hdr *tbf.Header, upcallDepth int) *Record {
	if upcallDepth <= 0 {
		upcallDepth = DefaultUpcallQueueDepth
	}
	return &Record{
		Name:        name,
		Code:        code,
		Memory:      memory,
		Header:      hdr,
		State:       Unstarted,
		upcallDepth: upcallDepth,
	}
}

func (r *Record) reject(op Op) error {
	return &TransitionError{ID: r.ID, Op: op, From: r.State}
}

// Runnable returns true if the scheduler may select the record.
func (r *Record) Runnable() bool {
	return r.State == Running || r.State == Unstarted
}

// Start moves an Unstarted record to Running.
func (r *Record) Start() error {
	if r.State != Unstarted {
		return r.reject(OpStart)
	}
	r.State = Running
	return nil
}

// Yield suspends a Running record. If an upcall arrived while the process was
// executing, the record returns to Running immediately so that the upcall is
// delivered on its next run.
func (r *Record) Yield() error {
	if r.State != Running {
		return r.reject(OpYield)
	}

	r.State = Yielded
	if len(r.upcalls) != 0 {
		r.State = Running
	}
	return nil
}

// DeliverUpcall queues u for the process. A Yielded record becomes Running.
// Upcalls to Running or stopped records are queued and delivered once the
// process next suspends or is resumed. Unstarted, Faulted and Terminated
// records reject upcalls.
func (r *Record) DeliverUpcall(u Upcall) error {
	switch r.State {
	case Running, Yielded, StoppedRunning, StoppedYielded:
	default:
		return r.reject(OpUpcall)
	}

	if len(r.upcalls) >= r.upcallDepth {
		r.DroppedUpcalls++
		return ErrUpcallQueueFull
	}

	r.upcalls = append(r.upcalls, u)
	if r.State == Yielded {
		r.State = Running
	}
	return nil
}

// TakeUpcall removes the oldest pending upcall. It is called by the executor
// when it switches to the process.
func (r *Record) TakeUpcall() (Upcall, bool) {
	if len(r.upcalls) == 0 {
		return Upcall{}, false
	}
	u := r.upcalls[0]
	r.upcalls = r.upcalls[1:]
	return u, true
}

// PendingUpcalls returns the number of queued upcalls.
func (r *Record) PendingUpcalls() int {
	return len(r.upcalls)
}

// Stop suspends a Running or Yielded record, remembering which of the two it
// was in.
func (r *Record) Stop() error {
	switch r.State {
	case Running:
		r.State = StoppedRunning
	case Yielded:
		r.State = StoppedYielded
	default:
		return r.reject(OpStop)
	}
	return nil
}

// Resume returns a stopped record to the state it was stopped in. A record
// stopped while Yielded resumes as Running if an upcall arrived meanwhile.
func (r *Record) Resume() error {
	switch r.State {
	case StoppedRunning:
		r.State = Running
	case StoppedYielded:
		r.State = Yielded
		if len(r.upcalls) != 0 {
			r.State = Running
		}
	default:
		return r.reject(OpResume)
	}
	return nil
}

// Fault marks the record as Faulted and drops its pending upcalls. Only
// started, non-terminal records can fault.
func (r *Record) Fault() error {
	switch r.State {
	case Running, Yielded, StoppedRunning, StoppedYielded:
	default:
		return r.reject(OpFault)
	}

	r.State = Faulted
	r.FaultCount++
	r.upcalls = r.upcalls[:0]
	return nil
}

// Terminate moves any started record to Terminated. The identity and restart
// count are kept until the record is restarted or erased. Terminating an
// already Terminated record is a no-op.
func (r *Record) Terminate() error {
	if r.State == Unstarted {
		return r.reject(OpTerminate)
	}

	r.State = Terminated
	r.upcalls = r.upcalls[:0]
	return nil
}

// Restart moves a Terminated or Faulted record back to Unstarted under a new
// identity. Every counter except RestartCount is reset; RestartCount is
// incremented. The new identity must name the same slot and a later
// generation.
func (r *Record) Restart(newID Identity) error {
	if r.State != Terminated && r.State != Faulted {
		return r.reject(OpRestart)
	}
	if newID.Slot != r.ID.Slot || newID.Generation <= r.ID.Generation {
		return ErrStaleIdentity
	}

	r.ID = newID
	r.State = Unstarted
	r.RestartCount++
	r.SyscallCount = 0
	r.TimesliceExpirations = 0
	r.DroppedUpcalls = 0
	r.FaultCount = 0
	r.upcalls = r.upcalls[:0]
	return nil
}

// RecordSyscalls adds n to the system call counter.
func (r *Record) RecordSyscalls(n uint64) {
	r.SyscallCount += n
}

// RecordTimesliceExpired counts a forced preemption. The record stays Running.
func (r *Record) RecordTimesliceExpired() {
	r.TimesliceExpirations++
}

// Info is a snapshot of a record used by listings.
type Info struct {
	ID                   Identity
	Name                 string
	State                State
	Code                 mem.Range
	Memory               mem.Range
	RestartCount         uint64
	SyscallCount         uint64
	TimesliceExpirations uint64
	DroppedUpcalls       uint64
	FaultCount           uint64
	PendingUpcalls       int
}

// Info returns a snapshot of the record.
func (r *Record) Info() Info {
	return Info{
		ID:                   r.ID,
		Name:                 r.Name,
		State:                r.State,
		Code:                 r.Code,
		Memory:               r.Memory,
		RestartCount:         r.RestartCount,
		SyscallCount:         r.SyscallCount,
		TimesliceExpirations: r.TimesliceExpirations,
		DroppedUpcalls:       r.DroppedUpcalls,
		FaultCount:           r.FaultCount,
		PendingUpcalls:       len(r.upcalls),
	}
}

// DumpState implements kfmt.StateDumper.
func (r *Record) DumpState(w io.Writer) {
	fmt.Fprintf(w, "process %q (%s) state %s\n", r.Name, r.ID, r.State)
	fmt.Fprintf(w, "  flash %s %s\n", r.Code, r.Code.Size())
	fmt.Fprintf(w, "  ram   %s %s\n", r.Memory, r.Memory.Size())
	fmt.Fprintf(w, "  restarts %d syscalls %d timeslice expirations %d faults %d pending upcalls %d dropped upcalls %d\n",
		r.RestartCount, r.SyscallCount, r.TimesliceExpirations, r.FaultCount, len(r.upcalls), r.DroppedUpcalls)
}
