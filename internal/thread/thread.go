// Package thread declares the minimal scheduler contract that the lower
// layers (internal/sync, internal/channel) need in order to find the
// calling thread and suspend/resume it. The concrete round-robin scheduler
// lives in internal/sched and implements Scheduler; keeping the contract in
// its own leaf package avoids an import cycle between internal/sync (which
// blocks by delegating to the scheduler) and internal/sched (which uses
// internal/sync's per-CPU state for its dispatch loops).
package thread

import (
	"context"

	"github.com/anillo-os/anillo/internal/waitq"
)

// State is a thread's scheduling state, per spec §3.
type State int

const (
	Ready State = iota
	Running
	Waiting
	Suspended
	Dying
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Suspended:
		return "suspended"
	case Dying:
		return "dying"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ID is a thread's stable, process-wide identifier. MaxID is the reserved
// sentinel value, matching the descriptor sentinel of §6.
type ID uint64

const MaxID ID = ^ID(0)

// Thread is the view of a schedulable unit of execution that lower layers
// need: enough to mark it interrupted and to check that mark cooperatively.
type Thread interface {
	ID() ID
	State() State

	// MarkInterrupted flags the thread for cancellation. The thread
	// observes the mark the next time it would block (§5 "Cancellation").
	MarkInterrupted()

	// MarkedInterrupted reports whether the thread was marked before
	// the caller is about to sleep; it is checked atomically with the
	// sleep itself, which is why Scheduler.WaitLocked takes the wait
	// queue's lock as part of the same critical section.
	MarkedInterrupted() bool
}

type ctxKey struct{}

// WithThread returns a context carrying t as the calling thread. Every
// simulated thread's dispatch goroutine runs with such a context, the way a
// real kernel's per-CPU "current thread" pointer is implicit in which stack
// is active.
func WithThread(ctx context.Context, t Thread) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext extracts the calling thread from ctx, or nil if ctx carries
// none -- which is the case during boot, before any thread exists, or when
// a primitive is used from a context the spec calls "interrupt context".
func FromContext(ctx context.Context) Thread {
	t, _ := ctx.Value(ctxKey{}).(Thread)
	return t
}

// Scheduler is the contract a blocking primitive needs: a way to suspend
// the calling thread on a wait queue, atomically with respect to that wait
// queue's own lock, plus administrative control over any thread.
type Scheduler interface {
	// WaitLocked suspends the thread named by ctx on wq. wq must already
	// be locked by the caller; WaitLocked unlocks it as the thread
	// blocks, and returns once the thread is re-dispatched. It reports
	// true if the thread was woken normally, false if cancellation was
	// observed instead of sleeping.
	WaitLocked(ctx context.Context, wq *waitq.WaitQueue) bool

	// Resume moves a waiting or suspended thread back to ready.
	Resume(t Thread)

	// Suspend moves a ready or running thread to suspended.
	Suspend(t Thread)

	// Kill marks t dying; the thread exits through its own return path.
	Kill(t Thread)
}
