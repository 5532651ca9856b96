// Package errs defines the closed set of error kinds returned throughout the
// kernel core, and the single panic entry point for invariant violations.
package errs

import (
	"fmt"
)

// Kind is one of the closed set of error kinds the core returns. Callers
// switch on Kind, never on error strings.
type Kind int

const (
	OK Kind = iota
	Unknown
	InvalidArgument
	TemporaryOutage
	PermanentOutage
	NoSuchResource
	ResourceUnavailable
	Forbidden
	Unsupported
	TooBig
	TooSmall
	AlreadyInProgress
	Cancelled
	Signaled
	NoWait
	ShouldRestart
	Aborted
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Unknown:
		return "unknown"
	case InvalidArgument:
		return "invalid_argument"
	case TemporaryOutage:
		return "temporary_outage"
	case PermanentOutage:
		return "permanent_outage"
	case NoSuchResource:
		return "no_such_resource"
	case ResourceUnavailable:
		return "resource_unavailable"
	case Forbidden:
		return "forbidden"
	case Unsupported:
		return "unsupported"
	case TooBig:
		return "too_big"
	case TooSmall:
		return "too_small"
	case AlreadyInProgress:
		return "already_in_progress"
	case Cancelled:
		return "cancelled"
	case Signaled:
		return "signaled"
	case NoWait:
		return "no_wait"
	case ShouldRestart:
		return "should_restart"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with the operation that produced it and, optionally, an
// underlying cause. It implements errors.Is/As via Unwrap and a Kind
// comparison, the same two-level pattern the teacher uses for
// vm.MemoryError wrapping ErrAccessControl.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.PermanentOutage, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}

	return other.Kind == e.Kind
}

// KindOf extracts the Kind carried by err, or Unknown if err does not carry
// one.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}

	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}

	return Unknown
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}

// PanicFunc is the single panic entry point for invariant violations
// detected at runtime: double free, unlock by a non-owner, freeing
// unallocated memory. It is a variable, not a bare call to panic, so tests
// can substitute a recoverable stand-in the way the teacher's CLI
// substitutes os.Exit.
var PanicFunc = func(reason string) {
	panic(reason)
}

// Panic reports a fatal invariant violation. It never returns.
func Panic(op, reason string) {
	PanicFunc(fmt.Sprintf("%s: fatal: %s", op, reason))
}
