// Package waitq implements the wait queue that underlies every blocking
// primitive in the kernel core: semaphores, mutexes, reader/writer locks,
// and channel back-pressure all enroll a waiter here and are woken from
// here. The shape follows the teacher's vm.Interrupt: a small fixed
// structure guarded by its own lock, with callbacks invoked while the lock
// is held so wakes and enqueues stay ordered with respect to one another.
package waitq

import (
	"container/list"
	"sync"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
)

// Callback is invoked exactly once when a waiter is woken, with the queue's
// lock held. It must not block and must not re-enter the same queue.
type Callback func()

// Waiter is a single suspended caller enrolled on at most one WaitQueue at a
// time.
type Waiter struct {
	cb Callback

	mu      sync.Mutex
	queue   *WaitQueue
	element *list.Element
}

// NewWaiter creates a waiter with the given wake callback.
func NewWaiter(cb Callback) *Waiter {
	return &Waiter{cb: cb}
}

// Enrolled reports whether the waiter is currently linked into a queue.
func (w *Waiter) Enrolled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.queue != nil
}

// WaitQueue is a locked, ordered list of suspended waiters.
type WaitQueue struct {
	mu      sync.Mutex
	waiters list.List

	log *log.Logger
}

// New creates an empty wait queue.
func New(logger *log.Logger) *WaitQueue {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	wq := &WaitQueue{log: logger}
	wq.waiters.Init()

	return wq
}

// Lock acquires the queue's internal lock so a caller can chain wait-queue
// edits under an external invariant (e.g. a channel send checking a close
// flag and enqueueing a waiter atomically).
func (wq *WaitQueue) Lock() { wq.mu.Lock() }

// Unlock releases the queue's internal lock.
func (wq *WaitQueue) Unlock() { wq.mu.Unlock() }

// Add enrolls a waiter at the back of the queue. The caller must not hold
// wq's lock; use AddLocked under Lock/Unlock instead.
func (wq *WaitQueue) Add(w *Waiter) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	wq.AddLocked(w)
}

// AddLocked is Add, assuming wq is already locked by the caller.
func (wq *WaitQueue) AddLocked(w *Waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.queue != nil {
		errs.Panic("waitq: add", "waiter already enrolled on a queue")
	}

	w.queue = wq
	w.element = wq.waiters.PushBack(w)
}

// Remove unlinks a waiter without invoking its callback. It is a no-op if
// the waiter is not enrolled on wq.
func (wq *WaitQueue) Remove(w *Waiter) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	wq.removeLocked(w)
}

func (wq *WaitQueue) removeLocked(w *Waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.queue != wq {
		return
	}

	wq.waiters.Remove(w.element)
	w.queue = nil
	w.element = nil
}

// WakeN wakes up to n waiters, invoking each callback exactly once while
// wq's lock is held, then unlinking it. n may be larger than the queue
// length, in which case every waiter is woken; pass a negative n to wake
// every waiter (the wake-unbounded case in §4.4).
func (wq *WaitQueue) WakeN(n int) int {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	return wq.wakeNLocked(n)
}

func (wq *WaitQueue) wakeNLocked(n int) int {
	woken := 0

	for n < 0 || woken < n {
		front := wq.waiters.Front()
		if front == nil {
			break
		}

		w := front.Value.(*Waiter)

		wq.waiters.Remove(front)

		w.mu.Lock()
		w.queue = nil
		w.element = nil
		cb := w.cb
		w.mu.Unlock()

		if cb != nil {
			cb()
		}

		woken++
	}

	return woken
}

// WakeNLocked is WakeN, assuming wq is already locked by the caller.
func (wq *WaitQueue) WakeNLocked(n int) int {
	return wq.wakeNLocked(n)
}

// Len reports the number of enrolled waiters. Intended for tests and
// diagnostics.
func (wq *WaitQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	return wq.waiters.Len()
}
