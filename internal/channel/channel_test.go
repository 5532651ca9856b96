package channel_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/anillo-os/anillo/internal/channel"
	"github.com/anillo-os/anillo/internal/errs"
	"github.com/anillo-os/anillo/internal/sched"
)

// runThreaded runs fn as a scheduled thread and waits for it to finish,
// since every channel operation requires a current thread in its context
// (internal/sync.Mutex panics otherwise). fn must report failures by
// returning an error rather than calling t.Fatal itself: it runs on the
// scheduler's goroutine, not the test's.
func runThreaded(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()

	s := sched.New(2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Run(ctx)

	th := s.NewThread()
	done := s.Spawn(ctx, th, fn)

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("thread did not finish")
	}

	cancel()
	_ = s.Wait()
}

func kindOf(err error) errs.Kind { return errs.KindOf(err) }

func wantKind(op string, err error, want errs.Kind) error {
	if got := kindOf(err); got != want {
		return fmt.Errorf("%s: want %s, got %v", op, want, err)
	}

	return nil
}

// S1: new pair, ring capacity 64; sending 65 messages with no_wait without
// any receive succeeds for the first 64 and fails the 65th with no_wait.
func TestScenarioS1FillsRingThenNoWait(t *testing.T) {
	runThreaded(t, func(ctx context.Context) error {
		pair := channel.NewPairCapacity(64, nil, nil)

		for i := 0; i < 64; i++ {
			msg := channel.NewMessage([]byte("x"))
			if err := pair.A.Send(ctx, channel.FlagNoWait, msg); err != nil {
				return fmt.Errorf("send %d: %w", i, err)
			}
		}

		msg := channel.NewMessage([]byte("overflow"))
		err := pair.A.Send(ctx, channel.FlagNoWait, msg)

		if err := wantKind("send 65", err, errs.NoWait); err != nil {
			return err
		}

		if !pair.B.Invariant() {
			return fmt.Errorf("channel invariant violated")
		}

		return nil
	})
}

// S2: receiving with no_wait on an empty ring fails, then a send/receive
// round-trips the body.
func TestScenarioS2EmptyReceiveThenRoundTrip(t *testing.T) {
	runThreaded(t, func(ctx context.Context) error {
		pair := channel.NewPairCapacity(64, nil, nil)

		_, err := pair.B.Receive(ctx, channel.FlagNoWait)
		if err := wantKind("empty receive", err, errs.NoWait); err != nil {
			return err
		}

		sent := channel.NewMessage([]byte("hi"))
		if err := pair.A.Send(ctx, channel.FlagBlocking, sent); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		got, err := pair.B.Receive(ctx, channel.FlagBlocking)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		if string(got.Body) != "hi" {
			return fmt.Errorf("want body %q, got %q", "hi", got.Body)
		}

		return nil
	})
}

// S3: a blocking receiver wakes with permanent_outage when the peer
// closes; a subsequent send also returns permanent_outage.
func TestScenarioS3CloseWakesBlockedReceiver(t *testing.T) {
	s := sched.New(2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Run(ctx)

	pair := channel.NewPairCapacity(64, nil, nil)

	receiver := s.NewThread()
	recvDone := s.Spawn(ctx, receiver, func(tctx context.Context) error {
		_, err := pair.B.Receive(tctx, channel.FlagBlocking)
		return wantKind("receive after close", err, errs.PermanentOutage)
	})

	closer := s.NewThread()
	closeDone := s.Spawn(ctx, closer, func(tctx context.Context) error {
		time.Sleep(50 * time.Millisecond) // let the receiver enroll first
		return pair.A.Close(tctx)
	})

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("closer did not finish")
	}

	select {
	case err := <-recvDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not wake")
	}

	sender := s.NewThread()
	sendDone := s.Spawn(ctx, sender, func(tctx context.Context) error {
		msg := channel.NewMessage([]byte("late"))
		err := pair.A.Send(tctx, channel.FlagNoWait, msg)

		return wantKind("send after close", err, errs.PermanentOutage)
	})

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not finish")
	}

	cancel()
	_ = s.Wait()
}

// Closing the same side twice returns already_in_progress.
func TestCloseIdempotence(t *testing.T) {
	runThreaded(t, func(ctx context.Context) error {
		pair := channel.NewPairCapacity(4, nil, nil)

		if err := pair.A.Close(ctx); err != nil {
			return fmt.Errorf("first close: %w", err)
		}

		err := pair.A.Close(ctx)

		return wantKind("second close", err, errs.AlreadyInProgress)
	})
}

// Message ids are never the reserved zero and never repeat.
func TestIDsNeverZero(t *testing.T) {
	runThreaded(t, func(ctx context.Context) error {
		pair := channel.NewPairCapacity(8, nil, nil)

		seen := map[uint64]bool{}

		for i := 0; i < 8; i++ {
			msg := channel.NewMessage([]byte("m"))

			if err := pair.A.Send(ctx, channel.FlagBlocking, msg); err != nil {
				return fmt.Errorf("send %d: %w", i, err)
			}

			if msg.MessageID == 0 {
				return fmt.Errorf("message id must never be zero")
			}

			if seen[msg.MessageID] {
				return fmt.Errorf("duplicate message id %d", msg.MessageID)
			}

			seen[msg.MessageID] = true
		}

		return nil
	})
}

// Send/receive round-trips a message with a copied-data attachment
// bytewise equal to what was sent, with ownership transferred.
func TestAttachmentRoundTrip(t *testing.T) {
	runThreaded(t, func(ctx context.Context) error {
		pair := channel.NewPairCapacity(4, nil, nil)

		msg := channel.NewMessage([]byte("body"))
		msg.AttachDataCopied([]byte{0xAA, 0xBB, 0xCC, 0xDD})

		if err := pair.A.Send(ctx, channel.FlagBlocking, msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		got, err := pair.B.Receive(ctx, channel.FlagBlocking)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		if len(got.Attachments) != 1 {
			return fmt.Errorf("want 1 attachment, got %d", len(got.Attachments))
		}

		want := []byte{0xAA, 0xBB, 0xCC, 0xDD}

		if string(got.Attachments[0].Data) != string(want) {
			return fmt.Errorf("want attachment %v, got %v", want, got.Attachments[0].Data)
		}

		got.Destroy()

		return nil
	})
}
