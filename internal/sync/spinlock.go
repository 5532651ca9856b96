package sync

import (
	"runtime"
	stdsync "sync/atomic"

	"github.com/anillo-os/anillo/internal/errs"
)

// Spinlock is a single-word atomic flag with acquire-release semantics. It
// busy-waits rather than suspending, so it must only ever be held across a
// bounded number of instructions.
type Spinlock struct {
	held stdsync.Bool
}

// Lock spins until the lock is acquired.
func (s *Spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning.
func (s *Spinlock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an unheld spinlock is a fatal
// invariant violation (§7).
func (s *Spinlock) Unlock() {
	if !s.held.CompareAndSwap(true, false) {
		errs.Panic("spinlock.unlock", "unlock of unheld spinlock")
	}
}

// spinYield gives other goroutines a chance to run while a primitive is
// busy-waiting. It is a thin wrapper so busy-wait call sites read as
// intentional spins, not accidental tight loops.
func spinYield() { runtime.Gosched() }

// IntSpinlock is the interrupt-safe spinlock of §4.4: it additionally masks
// interrupts on the owning CPU for the duration of the critical section and
// drains that CPU's pending IPI work items while spinning, so that a paging
// lock can never deadlock with a TLB shootdown sent to the same CPU.
type IntSpinlock struct {
	Spinlock

	cpu *CPU
}

// NewIntSpinlock creates an interrupt-safe spinlock bound to cpu.
func NewIntSpinlock(cpu *CPU) *IntSpinlock {
	return &IntSpinlock{cpu: cpu}
}

// Lock masks interrupts on the owning CPU, then spins -- draining pending
// IPI work on every pass -- until the lock is free. It returns the prior
// interrupt-mask state, which callers pass back to Unlock.
func (s *IntSpinlock) Lock() bool {
	prev := s.cpu.disableInterrupts()

	for !s.held.CompareAndSwap(false, true) {
		s.cpu.Drain()
		runtime.Gosched()
	}

	return prev
}

// Unlock releases the lock and restores the interrupt mask to prev, the
// value Lock returned.
func (s *IntSpinlock) Unlock(prev bool) {
	s.Spinlock.Unlock()
	s.cpu.restoreInterrupts(prev)
}
