// Package transport defines the event-driven request object the offload layer wraps, and a host
// implementation of it on top of net/http.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"heavy-http-go/internal/body"
	"heavy-http-go/internal/event"
)

// ReadyState mirrors the lifecycle of a request object.
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current ready state.
	ErrInvalidState = errors.New("transport: invalid state")
	// ErrAborted is the cancellation cause of a caller-initiated abort.
	ErrAborted = errors.New("transport: request aborted")
	// ErrTimeout is the cancellation cause of an expired request timeout.
	ErrTimeout = errors.New("transport: request timed out")
)

// Credentials are the user name and password given to Open.
type Credentials struct {
	Username string
	Password string
}

// OpenOption configures Open.
type OpenOption func(*openOptions)

type openOptions struct {
	creds *Credentials
}

// WithCredentials attaches basic-auth credentials to the request.
func WithCredentials(username, password string) OpenOption {
	return func(o *openOptions) {
		o.creds = &Credentials{Username: username, Password: password}
	}
}

// CredentialsFrom returns the credentials carried by opts, or nil.
func CredentialsFrom(opts ...OpenOption) *Credentials {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.creds
}

// Request is an event-driven HTTP request object. Whole-request events are dispatched on the
// request itself; upload progress is dispatched on Upload().
type Request interface {
	event.Target

	Open(method, rawURL string, opts ...OpenOption) error
	SetRequestHeader(key, value string) error
	// Send starts the transfer and returns immediately; completion is reported through events.
	Send(b body.Body) error
	Abort()
	Upload() event.Target

	SetTimeout(d time.Duration)
	Timeout() time.Duration

	ReadyState() ReadyState
	Status() int
	StatusText() string
	Response() []byte
	ResponseText() string
	ResponseHeader(key string) string
	ResponseHeaders() http.Header
}

// Factory creates request objects.
type Factory interface {
	NewRequest() Request
}

// Outcome is the terminal event a request reached.
type Outcome int

const (
	OutcomeLoad Outcome = iota + 1
	OutcomeError
	OutcomeAbort
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoad:
		return "load"
	case OutcomeError:
		return "error"
	case OutcomeAbort:
		return "abort"
	case OutcomeTimeout:
		return "timeout"
	}
	return "none"
}

var terminalEvents = map[event.Type]Outcome{
	event.Load:    OutcomeLoad,
	event.Error:   OutcomeError,
	event.Abort:   OutcomeAbort,
	event.Timeout: OutcomeTimeout,
}

// Do sends r and blocks until it reaches a terminal event. When ctx is done first, r is aborted
// and Do still waits for the abort to be dispatched before returning context.Cause(ctx). A host
// request aborted by an expired deadline dispatches timeout instead of abort.
// Do must not be called from a callback running on the event loop.
func Do(ctx context.Context, r Request, b body.Body) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, context.Cause(ctx)
	}

	ch := make(chan Outcome, 1)
	var once sync.Once
	bound := make(map[event.Type]*event.Listener, len(terminalEvents))
	for t, o := range terminalEvents {
		l := event.NewListener(func(*event.Event) {
			once.Do(func() { ch <- o })
		})
		bound[t] = l
		r.AddEventListener(t, l)
	}
	defer func() {
		for t, l := range bound {
			r.RemoveEventListener(t, l)
		}
	}()

	if err := r.Send(b); err != nil {
		return 0, err
	}

	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if ca, ok := r.(causeAborter); ok {
			ca.abort(cause)
		} else {
			r.Abort()
		}
		return <-ch, cause
	}
}

// causeAborter is implemented by requests that report an expired deadline as timeout.
type causeAborter interface {
	abort(cause error)
}

func isTimeout(cause error) bool {
	return errors.Is(cause, ErrTimeout) || errors.Is(cause, context.DeadlineExceeded)
}

// IsSuccess reports whether status is a 2xx code.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
