// Package proc contains the kernel's bookkeeping for loaded processes: the
// process record, its lifecycle state machine, fault policies and the
// fixed-capacity process table.
package proc

import (
	"fmt"

	"gophertock/kernel"
)

// State is the lifecycle state of a process.
type State uint8

// The lifecycle states of a process.
const (
	// Unstarted processes have been loaded but never scheduled.
	Unstarted State = iota

	// Running processes are eligible for scheduling.
	Running

	// Yielded processes wait for an upcall.
	Yielded

	// StoppedRunning and StoppedYielded processes were stopped by an
	// administrator and remember the state they were stopped in.
	StoppedRunning
	StoppedYielded

	// Faulted processes performed an illegal operation.
	Faulted

	// Terminated processes exited or were terminated by an administrator.
	Terminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Unstarted:
		return "Unstarted"
	case Running:
		return "Running"
	case Yielded:
		return "Yielded"
	case StoppedRunning:
		return "StoppedRunning"
	case StoppedYielded:
		return "StoppedYielded"
	case Faulted:
		return "Faulted"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Stopped returns true for both stopped states.
func (s State) Stopped() bool {
	return s == StoppedRunning || s == StoppedYielded
}

// Op names a lifecycle operation.
type Op string

// Lifecycle operations.
const (
	OpStart     Op = "start"
	OpYield     Op = "yield"
	OpUpcall    Op = "deliver upcall to"
	OpStop      Op = "stop"
	OpResume    Op = "resume"
	OpFault     Op = "fault"
	OpTerminate Op = "terminate"
	OpRestart   Op = "restart"
	OpErase     Op = "erase"
)

var (
	// ErrInvalidTransition is the kind of every *TransitionError.
	ErrInvalidTransition = &kernel.Error{Module: "proc", Message: "invalid lifecycle transition"}

	// ErrStaleIdentity is returned when an identity no longer names a live
	// execution instance.
	ErrStaleIdentity = &kernel.Error{Module: "proc", Message: "stale process identity"}

	// ErrUpcallQueueFull is returned when an upcall cannot be queued.
	ErrUpcallQueueFull = &kernel.Error{Module: "proc", Message: "upcall queue full"}

	// ErrNoFreeSlot is returned when the process table is full.
	ErrNoFreeSlot = &kernel.Error{Module: "proc", Message: "no free process slot"}
)

// TransitionError is returned when an operation is not allowed in the current
// state of a process. Invalid transitions are rejected, never coerced.
type TransitionError struct {
	ID   Identity
	Op   Op
	From State
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("proc: cannot %s process %s in state %s", e.Op, e.ID, e.From)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
