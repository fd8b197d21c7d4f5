package offload

import (
	"context"
	"errors"
	"fmt"

	"heavy-http-go/internal/transport"
)

// Kind is the category of an offload failure.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindProbe         Kind = "probe"
	KindTransfer      Kind = "transfer"
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindAbort         Kind = "abort"
)

// Error describes a failed offload phase.
type Error struct {
	Kind Kind
	// Op is the phase that failed, for example "probe" or "finalize".
	Op     string
	Status int
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrProbe) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinel values for errors.Is.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrProbe         = &Error{Kind: KindProbe}
	ErrTransfer      = &Error{Kind: KindTransfer}
	ErrNetwork       = &Error{Kind: KindNetwork}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrAbort         = &Error{Kind: KindAbort}
)

// newCancelError converts a cancellation cause into an abort or timeout error.
func newCancelError(op string, cause error) *Error {
	if errors.Is(cause, transport.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: cause}
	}
	return &Error{Kind: KindAbort, Op: op, Err: cause}
}

// outcomeError converts a non-load outcome of a phase into an error of the given kind.
func outcomeError(kind Kind, op string, o transport.Outcome, status int) *Error {
	switch o {
	case transport.OutcomeLoad:
		return &Error{Kind: kind, Op: op, Status: status}
	case transport.OutcomeTimeout:
		return &Error{Kind: KindTimeout, Op: op, Err: transport.ErrTimeout}
	case transport.OutcomeAbort:
		return &Error{Kind: KindAbort, Op: op, Err: transport.ErrAborted}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("%s ended with %s", op, o)}
}
