package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	"github.com/anillo-os/anillo/internal/thread"
	"github.com/anillo-os/anillo/internal/waitq"
)

// RWState is the packed state word described in §4.4: bit 63 is
// write-locked, bit 62 is writers-waiting, and the low 62 bits count active
// readers. It mirrors the teacher's packed ProcessorStatus word
// (internal/cpu/words.go) -- a small value type with its own String, rather
// than three separate fields.
type RWState uint64

const (
	rwWriteLocked    RWState = 1 << 63
	rwWritersWaiting RWState = 1 << 62
	rwReaderMask     RWState = rwWritersWaiting - 1
)

func (s RWState) WriteLocked() bool    { return s&rwWriteLocked != 0 }
func (s RWState) WritersWaiting() bool { return s&rwWritersWaiting != 0 }
func (s RWState) Readers() uint64      { return uint64(s & rwReaderMask) }

func (s RWState) String() string {
	return fmt.Sprintf("RW(write=%v waiting=%v readers=%d)", s.WriteLocked(), s.WritersWaiting(), s.Readers())
}

// RWLock is the reader/writer lock of §4.4. In writer-preferred mode,
// readers additionally park while writers are queued, so a steady stream of
// readers cannot starve a writer.
type RWLock struct {
	mu    stdsync.Mutex
	state RWState

	writerPreferred bool

	readersWQ *waitq.WaitQueue
	writersWQ *waitq.WaitQueue
	sched     thread.Scheduler
}

func NewRWLock(sched thread.Scheduler, writerPreferred bool, logger *log.Logger) *RWLock {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &RWLock{
		writerPreferred: writerPreferred,
		readersWQ:       waitq.New(logger),
		writersWQ:       waitq.New(logger),
		sched:           sched,
	}
}

// State returns a snapshot of the packed state word, for diagnostics.
func (l *RWLock) State() RWState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// RLock acquires a read lock, parking behind an active or (in
// writer-preferred mode) queued writer.
func (l *RWLock) RLock(ctx context.Context) {
	for {
		l.mu.Lock()

		blocked := l.state.WriteLocked() || (l.writerPreferred && l.state.WritersWaiting())
		if !blocked {
			l.state++
			l.mu.Unlock()

			return
		}

		w := waitq.NewWaiter(func() {})

		l.readersWQ.Lock()
		l.readersWQ.AddLocked(w)
		l.mu.Unlock()

		l.sched.WaitLocked(ctx, l.readersWQ)
	}
}

// RUnlock releases a read lock. If the reader count drops to zero and a
// writer is queued, exactly one writer is woken.
func (l *RWLock) RUnlock() {
	l.mu.Lock()

	if l.state.Readers() == 0 {
		l.mu.Unlock()
		errs.Panic("rwlock.runlock", "unlock of unheld read lock")

		return
	}

	l.state--
	readersZero := l.state.Readers() == 0
	writersWaiting := l.state.WritersWaiting()
	l.mu.Unlock()

	if readersZero && writersWaiting {
		l.writersWQ.WakeN(1)
	}
}

// Lock acquires the write lock, parking while any reader is active or
// another writer holds it.
func (l *RWLock) Lock(ctx context.Context) {
	l.mu.Lock()
	l.state |= rwWritersWaiting

	for l.state.WriteLocked() || l.state.Readers() > 0 {
		w := waitq.NewWaiter(func() {})

		l.writersWQ.Lock()
		l.writersWQ.AddLocked(w)
		l.mu.Unlock()

		l.sched.WaitLocked(ctx, l.writersWQ)

		l.mu.Lock()
	}

	l.state |= rwWriteLocked

	if l.writersWQ.Len() == 0 {
		l.state &^= rwWritersWaiting
	}

	l.mu.Unlock()
}

// Unlock releases the write lock. On unlock: if a writer is queued, wake
// exactly one; otherwise wake every parked reader.
func (l *RWLock) Unlock() {
	l.mu.Lock()

	if !l.state.WriteLocked() {
		l.mu.Unlock()
		errs.Panic("rwlock.unlock", "unlock of unheld write lock")

		return
	}

	l.state &^= rwWriteLocked
	writersWaiting := l.state.WritersWaiting()
	l.mu.Unlock()

	if writersWaiting {
		l.writersWQ.WakeN(1)
	} else {
		l.readersWQ.WakeN(-1)
	}
}
