package sched

import (
	"time"

	"gophertock/kernel/proc"
)

// Cooperative runs processes in ring order without a timeslice. A process
// only gives up the CPU by yielding, stopping or faulting. If the kernel
// preempts it to service deferred work it is selected again next.
type Cooperative struct {
	src ProcessSource

	ring    ring
	cursor  int
	lastPos int
	stats   Stats
}

// NewCooperative returns a cooperative policy.
func NewCooperative(src ProcessSource) *Cooperative {
	return &Cooperative{src: src, lastPos: -1}
}

// Register implements Scheduler.
func (s *Cooperative) Register(slot int, order uintptr) {
	removed, inserted := s.ring.register(slot, order)
	s.cursor = s.ring.moveCursor(s.cursor, removed, inserted)
	s.lastPos = -1
}

// Unregister implements Scheduler.
func (s *Cooperative) Unregister(slot int) {
	if pos := s.ring.unregister(slot); pos >= 0 && pos < s.cursor {
		s.cursor--
	}
	s.lastPos = -1
	if s.cursor >= len(s.ring) {
		s.cursor = 0
	}
}

// Next implements Scheduler.
func (s *Cooperative) Next() Decision {
	d := Decision{Kind: Idle}
	s.lastPos = -1

	for i, n := 0, len(s.ring); i < n; i++ {
		pos := (s.cursor + i) % n
		if id, ok := s.src.Runnable(s.ring[pos].slot); ok {
			s.cursor = (pos + 1) % n
			s.lastPos = pos
			d = Decision{Kind: RunProcess, ID: id}
			break
		}
	}

	s.stats.recordDecision(d)
	return d
}

// Result implements Scheduler.
func (s *Cooperative) Result(reason StoppedReason, executed time.Duration, measured bool) {
	s.stats.recordResult(reason, executed, measured)

	// Put the preempted process back at the head of the ring.
	if reason == KernelPreempted && s.lastPos >= 0 {
		s.cursor = s.lastPos
	}
}

// DoKernelWorkNow implements Scheduler.
func (s *Cooperative) DoKernelWorkNow(work KernelWork) bool {
	return work.HasPendingWork()
}

// ContinueProcess implements Scheduler.
func (s *Cooperative) ContinueProcess(_ proc.Identity, work KernelWork) bool {
	return !work.HasPendingWork()
}

// Stats implements Scheduler.
func (s *Cooperative) Stats() Stats {
	return s.stats
}
