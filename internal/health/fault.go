package health

import (
	"context"
	"errors"
	"time"
)

// FaultKind tells apart the ways a probe can fail.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	// FaultConnection: the dependency could not be reached.
	FaultConnection
	// FaultExecution: connected, but the validation step failed.
	FaultExecution
	// FaultCancellation: the caller's context ended first.
	FaultCancellation
	// FaultDisposed: the probe or its client was already closed.
	FaultDisposed
)

func (k FaultKind) String() string {
	switch k {
	case FaultConnection:
		return "connection"
	case FaultExecution:
		return "execution"
	case FaultCancellation:
		return "cancellation"
	case FaultDisposed:
		return "disposed"
	default:
		return "none"
	}
}

// ErrDisposed is returned by probes used after Close.
var ErrDisposed = errors.New("probe has been disposed")

// Fault is the error carried by an unhealthy Result.
type Fault struct {
	Kind FaultKind
	// Op names the step that failed, e.g. "connect" or "query".
	Op  string
	Err error
}

func (f *Fault) Error() string {
	msg := "<nil>"
	if f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Op == "" {
		return msg
	}
	return f.Op + ": " + msg
}

func (f *Fault) Unwrap() error { return f.Err }

func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// KindOf reports the fault kind found in err's chain. Errors that are not
// wrapped in a Fault are still recognized when they are ErrDisposed or a
// context error.
func KindOf(err error) FaultKind {
	if err == nil {
		return FaultNone
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrDisposed):
		return FaultDisposed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FaultCancellation
	}
	return FaultNone
}

// Classify wraps err as a Fault for the step op. The phase kind applies
// unless the error says otherwise: ErrDisposed or any of the driver's
// closed sentinels give FaultDisposed, and a context error or an ended ctx
// gives FaultCancellation. An err that already is a Fault is returned as is.
func Classify(ctx context.Context, phase FaultKind, op string, err error, closed ...error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrDisposed) {
		return NewFault(FaultDisposed, op, err)
	}
	for _, c := range closed {
		if c != nil && errors.Is(err, c) {
			return NewFault(FaultDisposed, op, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ended(ctx) {
		return NewFault(FaultCancellation, op, err)
	}
	return NewFault(phase, op, err)
}

// ended also reports a deadline that has passed but whose timer has not
// fired yet; drivers that copy the deadline onto a socket can fail first.
func ended(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}
