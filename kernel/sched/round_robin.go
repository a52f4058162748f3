package sched

import (
	"time"

	"gophertock/kernel/proc"
)

// RoundRobin gives every runnable process a fixed timeslice in ring order.
// The cursor advances exactly once per call to Next, so with n equally
// eligible processes each one runs once before any runs twice.
type RoundRobin struct {
	src       ProcessSource
	timeslice time.Duration

	ring   ring
	cursor int
	stats  Stats
}

// NewRoundRobin returns a round robin policy.
func NewRoundRobin(src ProcessSource, timeslice time.Duration) *RoundRobin {
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	return &RoundRobin{src: src, timeslice: timeslice}
}

// Register implements Scheduler.
func (s *RoundRobin) Register(slot int, order uintptr) {
	removed, inserted := s.ring.register(slot, order)
	s.cursor = s.ring.moveCursor(s.cursor, removed, inserted)
}

// Unregister implements Scheduler.
func (s *RoundRobin) Unregister(slot int) {
	if pos := s.ring.unregister(slot); pos >= 0 && pos < s.cursor {
		s.cursor--
	}
	if s.cursor >= len(s.ring) {
		s.cursor = 0
	}
}

// Next implements Scheduler.
func (s *RoundRobin) Next() Decision {
	d := Decision{Kind: Idle}

	for i, n := 0, len(s.ring); i < n; i++ {
		pos := (s.cursor + i) % n
		if id, ok := s.src.Runnable(s.ring[pos].slot); ok {
			s.cursor = (pos + 1) % n
			d = Decision{Kind: RunProcess, ID: id, Timeslice: s.timeslice}
			break
		}
	}

	s.stats.recordDecision(d)
	return d
}

// Result implements Scheduler. Round robin keeps no per-process bookkeeping;
// the result only feeds the statistics.
func (s *RoundRobin) Result(reason StoppedReason, executed time.Duration, measured bool) {
	s.stats.recordResult(reason, executed, measured)
}

// DoKernelWorkNow implements Scheduler.
func (s *RoundRobin) DoKernelWorkNow(work KernelWork) bool {
	return work.HasPendingWork()
}

// ContinueProcess implements Scheduler.
func (s *RoundRobin) ContinueProcess(_ proc.Identity, work KernelWork) bool {
	return !work.HasPendingWork()
}

// Stats implements Scheduler.
func (s *RoundRobin) Stats() Stats {
	return s.stats
}
