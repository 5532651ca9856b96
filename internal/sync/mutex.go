package sync

import (
	"context"
	stdsync "sync"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	"github.com/anillo-os/anillo/internal/thread"
	"github.com/anillo-os/anillo/internal/waitq"
)

// Mutex is an owner-tracked, recursive lock, per §4.4. The owning thread may
// relock it (incrementing a recursion depth); any other thread blocks. The
// first-come waiter is woken, FIFO, on release. Using a Mutex outside
// threaded context -- i.e. when ctx carries no current thread -- is a
// programmer error. The scheduler may be nil, in which case a contended
// Lock spins instead of parking.
type Mutex struct {
	mu    stdsync.Mutex
	held  bool
	owner thread.ID
	depth int

	wq    *waitq.WaitQueue
	sched thread.Scheduler
}

func NewMutex(sched thread.Scheduler, logger *log.Logger) *Mutex {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Mutex{
		wq:    waitq.New(logger),
		sched: sched,
	}
}

// Lock acquires the mutex, blocking through the scheduler on contention.
func (m *Mutex) Lock(ctx context.Context) {
	cur := m.currentOrPanic(ctx, "mutex.lock")

	for {
		m.mu.Lock()

		if !m.held {
			m.held = true
			m.owner = cur.ID()
			m.depth = 1
			m.mu.Unlock()

			return
		}

		if m.owner == cur.ID() {
			m.depth++
			m.mu.Unlock()

			return
		}

		if m.sched == nil {
			m.mu.Unlock()
			spinYield()

			continue
		}

		w := waitq.NewWaiter(func() {})

		m.wq.Lock()
		m.wq.AddLocked(w)
		m.mu.Unlock()

		m.sched.WaitLocked(ctx, m.wq)
	}
}

// Unlock releases one level of recursion, waking the next FIFO waiter once
// the mutex is fully released. Unlocking a mutex the caller does not own is
// a fatal invariant violation.
func (m *Mutex) Unlock(ctx context.Context) {
	cur := m.currentOrPanic(ctx, "mutex.unlock")

	m.mu.Lock()

	if !m.held || m.owner != cur.ID() {
		m.mu.Unlock()
		errs.Panic("mutex.unlock", "unlock by non-owner")

		return
	}

	m.depth--

	if m.depth > 0 {
		m.mu.Unlock()
		return
	}

	m.held = false
	m.mu.Unlock()
	m.wq.WakeN(1)
}

func (m *Mutex) currentOrPanic(ctx context.Context, op string) thread.Thread {
	cur := thread.FromContext(ctx)
	if cur == nil {
		errs.Panic(op, "mutex used outside threaded context")
		return nil
	}

	return cur
}
