package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	"github.com/anillo-os/anillo/internal/thread"
	"github.com/anillo-os/anillo/internal/waitq"
)

// Semaphore is an unsigned counter guarded by a wait queue, per §4.4. Up
// increments and wakes exactly one waiter iff the count transitioned from
// zero; Down decrements when positive, else enrolls and suspends through
// the scheduler.
type Semaphore struct {
	mu    stdsync.Mutex
	count int

	wq    *waitq.WaitQueue
	sched thread.Scheduler
	log   *log.Logger
}

// NewSemaphore creates a semaphore with the given initial count. sched may
// be nil during early boot, before the scheduler singleton exists; Down
// then busy-idles instead of enrolling a thread the scheduler doesn't know
// about yet (§4.4, §5).
func NewSemaphore(initial int, sched thread.Scheduler, logger *log.Logger) *Semaphore {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Semaphore{
		count: initial,
		wq:    waitq.New(logger),
		sched: sched,
		log:   logger,
	}
}

// Count returns the current counter value. Intended for tests and
// diagnostics; the value may be stale the instant it is read.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

// Up increments the counter and, iff the transition was 0->1, wakes one
// waiter.
func (s *Semaphore) Up() {
	s.mu.Lock()
	s.count++
	transitioned := s.count == 1
	s.mu.Unlock()

	if transitioned {
		s.wq.WakeN(1)
	}
}

// Down blocks until the counter is positive, then decrements it. It
// returns errs.Signaled if a wait through the scheduler ends without a
// wake, i.e. the thread is marked interrupted while parked or ctx is
// cancelled.
func (s *Semaphore) Down(ctx context.Context) error {
	return s.down(ctx, false)
}

// DownInterruptible is Down, but returns errs.Signaled if the calling
// thread was marked for interruption before going to sleep. The mark is
// checked atomically with the decision to sleep.
func (s *Semaphore) DownInterruptible(ctx context.Context) error {
	return s.down(ctx, true)
}

// TryDown decrements the counter without blocking, or returns
// errs.TemporaryOutage if it is not positive.
func (s *Semaphore) TryDown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count <= 0 {
		return errs.New(errs.TemporaryOutage, "semaphore.try_down")
	}

	s.count--

	return nil
}

func (s *Semaphore) down(ctx context.Context, interruptible bool) error {
	for {
		s.mu.Lock()

		if s.count > 0 {
			s.count--
			s.mu.Unlock()

			return nil
		}

		cur := thread.FromContext(ctx)

		if s.sched == nil || cur == nil {
			s.mu.Unlock()
			s.busyIdle()

			continue
		}

		if interruptible && cur.MarkedInterrupted() {
			s.mu.Unlock()

			return errs.New(errs.Signaled, "semaphore.down")
		}

		w := waitq.NewWaiter(func() {})

		s.wq.Lock()
		s.wq.AddLocked(w)
		s.mu.Unlock()

		if woke := s.sched.WaitLocked(ctx, s.wq); !woke {
			return errs.New(errs.Signaled, "semaphore.down")
		}
		// Spurious wakes retry the loop rather than assume the count
		// is still positive (§7 propagation policy, item 2).
	}
}

// busyIdle is the interrupt-context/pre-scheduler fallback: spin on a flag
// flipped by the wake callback instead of delegating to a scheduler that
// may not exist yet.
func (s *Semaphore) busyIdle() {
	var woke atomic.Bool

	w := waitq.NewWaiter(func() { woke.Store(true) })
	s.wq.Add(w)

	for !woke.Load() {
		spinYield()
	}
}
