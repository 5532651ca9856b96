// Package channel implements the bidirectional, ordered, bounded message
// channel of §3 "Channel" and §4.5: a pair of endpoints, each backed by an
// in-RAM ring, a mutex, and a pair of semaphores providing back-pressure
// and wakeup ordering.
//
// The endpoint's locking shape is grounded on the teacher's device model
// (internal/vm/dev.go's Device interface plus its DataRegister/StatusRegister
// pairing) generalized from a single-slot handshake register to a bounded
// ring, and on internal/sync's semaphore/mutex/wait-queue trio for the
// blocking protocol itself.
package channel

import (
	"context"
	"sync/atomic"

	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/log"
	isync "github.com/anillo-os/anillo/internal/sync"
	"github.com/anillo-os/anillo/internal/thread"
	"github.com/anillo-os/anillo/internal/waitq"
)

// DefaultCapacity is the default ring capacity of a new channel pair
// endpoint (§3 "default capacity 64").
const DefaultCapacity = 64

// Flags control the blocking behavior of Send and Receive (§5 "Suspension
// points").
type Flags uint8

// FlagBlocking waits indefinitely for the operation to proceed. It is the
// zero value; passing no other flag blocks.
const FlagBlocking Flags = 0

const (
	// FlagNoWait fails immediately with errs.NoWait rather than blocking.
	FlagNoWait Flags = 1 << iota
	// FlagInterruptible blocks, but returns errs.Signaled if the calling
	// thread is marked for interruption.
	FlagInterruptible
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// downSem applies flags to one semaphore wait, per §5 "Suspension points":
// FlagNoWait tries without blocking, FlagInterruptible blocks but honors
// cancellation, and the zero value blocks unconditionally.
func downSem(ctx context.Context, sem *isync.Semaphore, flags Flags) error {
	switch {
	case flags.has(FlagNoWait):
		if err := sem.TryDown(); err != nil {
			return errs.New(errs.NoWait, "channel.no_wait")
		}

		return nil
	case flags.has(FlagInterruptible):
		return sem.DownInterruptible(ctx)
	default:
		return sem.Down(ctx)
	}
}

// Pair is a freshly created pair of connected endpoints, A and B. The pair
// itself holds the shared destruction refcount and the monotonic
// conversation/message id generators used by both endpoints.
type Pair struct {
	destructionRefcount atomic.Int32

	nextConversationID atomic.Uint64
	nextMessageID       atomic.Uint64

	A, B *Endpoint
}

// Endpoint is one side of a channel pair (§3 "Channel"). Sends on an
// endpoint enqueue onto its peer's ring; receives dequeue from its own
// ring.
type Endpoint struct {
	pair *Pair
	peer *Endpoint

	objRefcount atomic.Int64

	mu       *isync.Mutex
	ring     []*Message
	capacity int

	sendsSoFar, receivesSoFar uint64

	closedForReceive atomic.Bool // set by the peer's Close
	ownClosed        atomic.Bool // set by this endpoint's own Close

	removalSem   *isync.Semaphore // count of messages queued, ready to receive
	insertionSem *isync.Semaphore // count of free ring slots

	arrivalWQ *waitq.WaitQueue // wake: message enqueued
	emptyWQ   *waitq.WaitQueue // wake: ring drained to zero
	removalWQ *waitq.WaitQueue // wake: any dequeue
	fullWQ    *waitq.WaitQueue // wake: enqueue filled the ring
	closeWQ   *waitq.WaitQueue // wake: this endpoint was closed by its peer

	log *log.Logger
}

// NewPair creates a connected pair of endpoints with the default ring
// capacity, scheduled via sched.
func NewPair(sched thread.Scheduler, logger *log.Logger) *Pair {
	return NewPairCapacity(DefaultCapacity, sched, logger)
}

// NewPairCapacity is NewPair with an explicit ring capacity.
func NewPairCapacity(capacity int, sched thread.Scheduler, logger *log.Logger) *Pair {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	p := &Pair{}
	p.destructionRefcount.Store(2)

	a := newEndpoint(p, capacity, sched, logger)
	b := newEndpoint(p, capacity, sched, logger)
	a.peer = b
	b.peer = a

	p.A, p.B = a, b

	return p
}

func newEndpoint(pair *Pair, capacity int, sched thread.Scheduler, logger *log.Logger) *Endpoint {
	e := &Endpoint{
		pair:         pair,
		mu:           isync.NewMutex(sched, logger),
		capacity:     capacity,
		removalSem:   isync.NewSemaphore(0, sched, logger),
		insertionSem: isync.NewSemaphore(capacity, sched, logger),
		arrivalWQ:    waitq.New(logger),
		emptyWQ:      waitq.New(logger),
		removalWQ:    waitq.New(logger),
		fullWQ:       waitq.New(logger),
		closeWQ:      waitq.New(logger),
		log:          logger,
	}
	e.objRefcount.Store(1)

	return e
}

// Peer returns the other endpoint of the pair.
func (e *Endpoint) Peer() *Endpoint { return e.peer }

// Retain increments the endpoint's object reference count (§6 "retain").
func (e *Endpoint) Retain() { e.objRefcount.Add(1) }

// Release decrements the endpoint's object reference count. At zero, the
// endpoint closes itself if it has not already (e.g. because it was never
// explicitly closed by its owner before the last reference went away).
func (e *Endpoint) Release() {
	if e.objRefcount.Add(-1) > 0 {
		return
	}

	_ = e.closeLocked(true)
}

func (p *Pair) nextConversation() uint64 {
	for {
		id := p.nextConversationID.Add(1)
		if id != 0 {
			return id
		}
	}
}

func (p *Pair) nextMessage() uint64 {
	for {
		id := p.nextMessageID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// NextConversationID returns the next monotonic, non-zero conversation id
// for this pair (§4.5).
func (e *Endpoint) NextConversationID() uint64 { return e.pair.nextConversation() }

// NextMessageID returns the next monotonic, non-zero message id for this
// pair.
func (e *Endpoint) NextMessageID() uint64 { return e.pair.nextMessage() }

// Send enqueues msg onto this endpoint's peer, per the protocol of §4.5.
// Ownership of msg (and its attachments) transfers to the channel on
// success.
func (e *Endpoint) Send(ctx context.Context, flags Flags, msg *Message) error {
	if err := validateAttachments(msg.Attachments); err != nil {
		return err
	}

	target := e.peer

	if err := downSem(ctx, target.insertionSem, flags); err != nil {
		return err
	}

	if target.peerClosed() {
		target.insertionSem.Up()
		return errs.New(errs.PermanentOutage, "channel.send")
	}

	target.mu.Lock(ctx)

	if target.peerClosed() {
		target.mu.Unlock(ctx)
		target.insertionSem.Up()
		return errs.New(errs.PermanentOutage, "channel.send")
	}

	if msg.ConversationID == 0 {
		msg.ConversationID = e.NextConversationID()
	}

	msg.MessageID = e.NextMessageID()

	target.ring = append(target.ring, msg)
	target.sendsSoFar++
	filled := len(target.ring) == target.capacity

	target.removalSem.Up()

	target.arrivalWQ.WakeN(1)

	if filled {
		target.fullWQ.WakeN(-1)
	}

	target.mu.Unlock(ctx)

	return nil
}

// Receive dequeues the oldest message from this endpoint's own ring. On
// success the caller owns the returned message and its attachments.
func (e *Endpoint) Receive(ctx context.Context, flags Flags) (*Message, error) {
	if err := downSem(ctx, e.removalSem, flags); err != nil {
		return nil, err
	}

	if e.selfClosedEmpty() {
		e.removalSem.Up()
		return nil, errs.New(errs.PermanentOutage, "channel.receive")
	}

	e.mu.Lock(ctx)
	defer e.mu.Unlock(ctx)

	if len(e.ring) == 0 {
		// Woken by a close broadcast rather than an arrival.
		return nil, errs.New(errs.PermanentOutage, "channel.receive")
	}

	msg := e.ring[0]
	e.ring = e.ring[1:]
	e.receivesSoFar++

	e.insertionSem.Up()
	e.removalWQ.WakeN(-1)

	if len(e.ring) == 0 {
		e.emptyWQ.WakeN(-1)
	}

	return msg, nil
}

// Peek returns the oldest message without removing it from the ring, or
// errs.NoSuchResource if the ring is empty.
func (e *Endpoint) Peek(ctx context.Context) (*Message, error) {
	e.mu.Lock(ctx)
	defer e.mu.Unlock(ctx)

	if len(e.ring) == 0 {
		return nil, errs.New(errs.NoSuchResource, "channel.peek")
	}

	return e.ring[0], nil
}

// peerClosed reports whether this endpoint has been closed by its peer.
func (e *Endpoint) peerClosed() bool { return e.closedForReceive.Load() }

// selfClosedEmpty reports whether this endpoint was closed by its peer and
// its ring has drained -- the condition under which a blocked receiver
// that was woken by a close (rather than an arrival) should give up rather
// than recheck the ring.
func (e *Endpoint) selfClosedEmpty() bool {
	return e.closedForReceive.Load() && len(e.ring) == 0
}
