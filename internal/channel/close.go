package channel

import (
	"context"

	"github.com/anillo-os/anillo/internal/errs"
)

// Close closes this endpoint, per §4.5 "Close semantics": it marks the
// peer closed-for-receive, wakes the peer's pending senders and
// receivers (who will observe the flag and return errs.PermanentOutage),
// and wakes the peer's close wait queue. Close is idempotent on the same
// side (a second call returns errs.AlreadyInProgress) and returns
// errs.PermanentOutage if the peer already closed this side first.
func (e *Endpoint) Close(ctx context.Context) error {
	return e.closeLocked(false)
}

// closeLocked implements Close. viaRelease is true when called from
// Release() dropping the last reference rather than from an explicit
// Close call; in that case an already-in-progress or already-closed state
// is not an error, since finalization is best-effort.
func (e *Endpoint) closeLocked(viaRelease bool) error {
	if e.closedForReceive.Load() {
		if viaRelease {
			return nil
		}

		return errs.New(errs.PermanentOutage, "channel.close")
	}

	if !e.ownClosed.CompareAndSwap(false, true) {
		if viaRelease {
			return nil
		}

		return errs.New(errs.AlreadyInProgress, "channel.close")
	}

	peer := e.peer
	peer.closedForReceive.Store(true)

	peer.removalSem.Up()
	peer.insertionSem.Up()

	peer.closeWQ.WakeN(-1)

	e.pair.finalize()

	return nil
}

// finalize decrements the pair's shared destruction refcount; at zero it
// drains and destroys every undelivered message still queued in either
// ring (§4.5 "Lifecycle").
func (p *Pair) finalize() {
	if p.destructionRefcount.Add(-1) > 0 {
		return
	}

	for _, e := range []*Endpoint{p.A, p.B} {
		for _, m := range e.ring {
			m.Destroy()
		}

		e.ring = nil
	}
}

// Closed reports whether this endpoint has been closed, by either side.
func (e *Endpoint) Closed() bool {
	return e.closedForReceive.Load() || e.ownClosed.Load()
}

// Len reports the number of messages currently queued in this endpoint's
// ring. Intended for diagnostics and tests; the authoritative occupancy
// check is the invariant relating the semaphores to send/receive counts.
func (e *Endpoint) Len() int {
	return len(e.ring)
}

// Invariant reports whether this endpoint's semaphore/ring bookkeeping
// still satisfies the channel conservation law: the insertion semaphore
// plus the queued count equals the ring capacity, since every
// successful send consumes exactly one insertion-semaphore unit and
// contributes exactly one queued message, and every receive reverses
// both. Equivalent to the removal-semaphore form of the invariant, since
// removal_semaphore == sends_so_far - receives_so_far == queued. Both
// stop holding once the peer closes this endpoint: Close adds one unit to
// each semaphore to wake pending senders and receivers.
func (e *Endpoint) Invariant() bool {
	return e.insertionSem.Count()+len(e.ring) == e.capacity
}
