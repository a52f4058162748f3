package sched

import (
	"time"

	"gophertock/kernel/proc"
)

// Priority always runs the runnable process closest to the head of the ring.
// Processes run without a timeslice; a running process is preempted as soon
// as kernel work is pending or a higher priority process becomes runnable.
type Priority struct {
	src   ProcessSource
	ring  ring
	stats Stats
}

// NewPriority returns a priority policy.
func NewPriority(src ProcessSource) *Priority {
	return &Priority{src: src}
}

// Register implements Scheduler.
func (s *Priority) Register(slot int, order uintptr) {
	s.ring.register(slot, order)
}

// Unregister implements Scheduler.
func (s *Priority) Unregister(slot int) {
	s.ring.unregister(slot)
}

// highest returns the position and identity of the highest priority runnable
// process.
func (s *Priority) highest() (int, proc.Identity, bool) {
	for pos, e := range s.ring {
		if id, ok := s.src.Runnable(e.slot); ok {
			return pos, id, true
		}
	}
	return -1, proc.Identity{}, false
}

// Next implements Scheduler.
func (s *Priority) Next() Decision {
	d := Decision{Kind: Idle}
	if _, id, ok := s.highest(); ok {
		d = Decision{Kind: RunProcess, ID: id}
	}
	s.stats.recordDecision(d)
	return d
}

// Result implements Scheduler.
func (s *Priority) Result(reason StoppedReason, executed time.Duration, measured bool) {
	s.stats.recordResult(reason, executed, measured)
}

// DoKernelWorkNow implements Scheduler.
func (s *Priority) DoKernelWorkNow(work KernelWork) bool {
	return work.HasPendingWork()
}

// ContinueProcess implements Scheduler.
func (s *Priority) ContinueProcess(id proc.Identity, work KernelWork) bool {
	if work.HasPendingWork() {
		return false
	}

	_, top, ok := s.highest()
	return !ok || top == id
}

// Stats implements Scheduler.
func (s *Priority) Stats() Stats {
	return s.stats
}
