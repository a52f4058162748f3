package kmain

import (
	"context"
	"strings"
	"time"

	"gophertock/kernel/proc"
	"gophertock/kernel/sched"
)

// RunResult describes how a process run ended.
type RunResult struct {
	Reason sched.StoppedReason

	// Elapsed is the time the process executed. It is only meaningful if
	// Measured is true.
	Elapsed  time.Duration
	Measured bool

	// Syscalls is the number of system calls the process made.
	Syscalls uint64
}

// Executor switches to a process and runs it until it yields, exhausts its
// timeslice, faults, exits or cont returns false. A zero timeslice means the
// run is unbounded. Executors must not change the record's state; the kernel
// applies the result.
type Executor interface {
	Execute(ctx context.Context, rec *proc.Record, timeslice time.Duration, cont func() bool) RunResult
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, rec *proc.Record, timeslice time.Duration, cont func() bool) RunResult

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, rec *proc.Record, timeslice time.Duration, cont func() bool) RunResult {
	return f(ctx, rec, timeslice, cont)
}

// SimulatedExecutor runs processes without executing any code. It drains
// one pending upcall per run and then acts on the process name:
//
//   - names starting with "fault" fault on their FaultAfter-th run;
//   - names starting with "exit" terminate on their first run;
//   - names starting with "busy" always exhaust their timeslice;
//   - every other process yields.
type SimulatedExecutor struct {
	// FaultAfter is the run on which faulting processes fault. Zero means
	// the first run.
	FaultAfter int

	runs map[proc.Identity]int
}

// Execute implements Executor.
func (e *SimulatedExecutor) Execute(_ context.Context, rec *proc.Record, timeslice time.Duration, cont func() bool) RunResult {
	if e.runs == nil {
		e.runs = make(map[proc.Identity]int)
	}
	e.runs[rec.ID]++

	if !cont() {
		return RunResult{Reason: sched.KernelPreempted, Measured: true}
	}

	res := RunResult{Syscalls: 1, Measured: timeslice > 0, Elapsed: timeslice / 2}
	if _, ok := rec.TakeUpcall(); ok {
		res.Syscalls++
	}

	switch {
	case strings.HasPrefix(rec.Name, "fault") && e.runs[rec.ID] > e.FaultAfter:
		res.Reason = sched.Faulted
	case strings.HasPrefix(rec.Name, "exit"):
		res.Reason = sched.Terminated
	case strings.HasPrefix(rec.Name, "busy"):
		res.Reason = sched.TimesliceExpired
		res.Elapsed = timeslice
	default:
		res.Reason = sched.Yielded
	}
	return res
}
