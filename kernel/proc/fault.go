package proc

import (
	"fmt"
	"strings"
)

// FaultAction tells the kernel what to do with a record that just faulted.
type FaultAction uint8

const (
	// FaultStop leaves the record Faulted for inspection.
	FaultStop FaultAction = iota

	// FaultRestart restarts the record under a new identity.
	FaultRestart

	// FaultPanic halts the kernel.
	FaultPanic
)

// String implements fmt.Stringer for FaultAction.
func (a FaultAction) String() string {
	switch a {
	case FaultStop:
		return "stop"
	case FaultRestart:
		return "restart"
	case FaultPanic:
		return "panic"
	default:
		return fmt.Sprintf("FaultAction(%d)", uint8(a))
	}
}

// FaultPolicy decides how the kernel reacts to a process fault. Action is
// called after the record has moved to Faulted.
type FaultPolicy interface {
	Action(r *Record) FaultAction
}

// StopFaultPolicy leaves every faulted process in the Faulted state.
type StopFaultPolicy struct{}

// Action implements FaultPolicy.
func (StopFaultPolicy) Action(*Record) FaultAction { return FaultStop }

// PanicFaultPolicy halts the kernel on any process fault. It is useful while
// debugging applications.
type PanicFaultPolicy struct{}

// Action implements FaultPolicy.
func (PanicFaultPolicy) Action(*Record) FaultAction { return FaultPanic }

// ThresholdRestartFaultPolicy restarts a faulted process until it has been
// restarted Threshold times; after that the process stays Faulted.
type ThresholdRestartFaultPolicy struct {
	Threshold uint64
}

// Action implements FaultPolicy.
func (p ThresholdRestartFaultPolicy) Action(r *Record) FaultAction {
	if r.RestartCount < p.Threshold {
		return FaultRestart
	}
	return FaultStop
}

// ThresholdRestartThenPanicFaultPolicy restarts a faulted process until it has
// been restarted Threshold times and then halts the kernel.
type ThresholdRestartThenPanicFaultPolicy struct {
	Threshold uint64
}

// Action implements FaultPolicy.
func (p ThresholdRestartThenPanicFaultPolicy) Action(r *Record) FaultAction {
	if r.RestartCount < p.Threshold {
		return FaultRestart
	}
	return FaultPanic
}

// NewFaultPolicy returns the policy registered under name. Recognized names
// are "stop", "panic", "restart" and "restart-then-panic"; the threshold is
// only used by the last two.
func NewFaultPolicy(name string, threshold uint64) (FaultPolicy, error) {
	switch strings.ToLower(name) {
	case "stop", "":
		return StopFaultPolicy{}, nil
	case "panic":
		return PanicFaultPolicy{}, nil
	case "restart":
		return ThresholdRestartFaultPolicy{Threshold: threshold}, nil
	case "restart-then-panic":
		return ThresholdRestartThenPanicFaultPolicy{Threshold: threshold}, nil
	default:
		return nil, fmt.Errorf("proc: unknown fault policy %q", name)
	}
}
