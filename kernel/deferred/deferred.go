// Package deferred implements the kernel's bottom halves: work that is
// requested from outside the kernel goroutine (interrupt simulation, storage
// watchers, timers) and serviced by the kernel loop between timeslices.
//
// Handlers are registered once while the kernel is constructed and are
// referred to by Handle afterwards, so components that need to schedule work
// hold a small index instead of a reference to the kernel.
package deferred

import (
	"math/bits"

	"gophertock/kernel"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/sync"

	"go.uber.org/zap"
)

// MaxHandlers is the number of handlers a Queue can hold.
const MaxHandlers = 32

var (
	errTooManyHandlers = &kernel.Error{Module: "deferred", Message: "too many deferred call handlers"}
)

// Handler is invoked by the kernel goroutine when its work is pending.
type Handler interface {
	HandleDeferredCall()
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func()

// HandleDeferredCall implements Handler.
func (f HandlerFunc) HandleDeferredCall() { f() }

// Handle identifies a registered handler.
type Handle uint8

// Queue tracks registered handlers and their pending flags. Set and
// HasPendingWork may be called from any goroutine; Register and Service must
// only be called from the kernel goroutine.
type Queue struct {
	lock    sync.Spinlock
	pending uint32

	handlers []registered

	// next is the handler serviced first by the next call to Service.
	next int
}

type registered struct {
	name    string
	handler Handler
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Register adds h and returns the handle used to schedule it.
func (q *Queue) Register(name string, h Handler) (Handle, error) {
	if len(q.handlers) == MaxHandlers {
		return 0, errTooManyHandlers
	}

	q.handlers = append(q.handlers, registered{name: name, handler: h})
	return Handle(len(q.handlers) - 1), nil
}

// Set marks the handler as having pending work. Setting an already pending
// handler has no further effect. Unknown handles are ignored.
func (q *Queue) Set(h Handle) {
	q.lock.Acquire()
	if int(h) < len(q.handlers) {
		q.pending |= 1 << h
	}
	q.lock.Release()
}

// HasPendingWork returns true if any handler is pending.
func (q *Queue) HasPendingWork() bool {
	q.lock.Acquire()
	defer q.lock.Release()
	return q.pending != 0
}

// Service runs one pending handler and returns false if none was pending.
// Handlers are serviced in rotating order so a handler that keeps
// rescheduling itself cannot starve the others.
func (q *Queue) Service() bool {
	q.lock.Acquire()
	pending := q.pending
	if pending == 0 || len(q.handlers) == 0 {
		q.lock.Release()
		return false
	}

	// Rotate so that bit 0 corresponds to q.next.
	n := uint(len(q.handlers))
	rotated := (pending>>uint(q.next) | pending<<(n-uint(q.next))) & (1<<n - 1)
	idx := (q.next + bits.TrailingZeros32(rotated)) % len(q.handlers)
	q.pending &^= 1 << uint(idx)
	q.next = (idx + 1) % len(q.handlers)
	q.lock.Release()

	kfmt.Logger("deferred").Debug("servicing deferred call", zap.String("handler", q.handlers[idx].name))
	q.handlers[idx].handler.HandleDeferredCall()
	return true
}

// ServiceAll runs pending handlers until none is pending or limit handlers
// have run. It returns the number of handlers run.
func (q *Queue) ServiceAll(limit int) int {
	var n int
	for n < limit && q.Service() {
		n++
	}
	return n
}
