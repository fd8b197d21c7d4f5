package offload

import (
	"context"
	"net/http"
	"sync"
	"time"

	"heavy-http-go/internal/body"
	"heavy-http-go/internal/event"
	"heavy-http-go/internal/protocol"
	"heavy-http-go/internal/transport"
)

type headerField struct {
	key   string
	value string
}

// requestContext is what Open and SetRequestHeader captured; every sub-request is built from it.
type requestContext struct {
	method string
	url    string
	creds  *transport.Credentials
	header []headerField
}

func (rc requestContext) clone() requestContext {
	rc.header = append([]headerField(nil), rc.header...)
	return rc
}

func (rc requestContext) get(key string) string {
	key = http.CanonicalHeaderKey(key)
	for _, h := range rc.header {
		if http.CanonicalHeaderKey(h.key) == key {
			return h.value
		}
	}
	return ""
}

func (rc requestContext) hasID() bool {
	return rc.get(protocol.HeaderID) != ""
}

func (rc requestContext) openOptions() []transport.OpenOption {
	if rc.creds == nil {
		return nil
	}
	return []transport.OpenOption{transport.WithCredentials(rc.creds.Username, rc.creds.Password)}
}

// applyHeaders copies the caller's headers onto r, leaving protocol headers out.
func (rc requestContext) applyHeaders(r transport.Request) error {
	for _, h := range rc.header {
		if protocol.IsProtocolHeader(h.key) {
			continue
		}
		if err := r.SetRequestHeader(h.key, h.value); err != nil {
			return err
		}
	}
	return nil
}

// Request is the transparency proxy. It implements transport.Request in front of a host
// request and decides at Send whether the body travels inline or out of band.
type Request struct {
	c      *Client
	inner  transport.Request
	upload uploadTarget

	mu          sync.Mutex
	uploadReg   event.Registry
	responseReg event.Registry
	rc          *requestContext
	timeout     time.Duration
	sent        bool
	sentAt      time.Time
	// passEnvelope is set when a body that looked like an envelope is delivered as is.
	passEnvelope bool
	// uploadSink carries upload listeners once the decision is made: the host upload channel
	// on pass-through, the transfer sub-request's channel after Attach.
	uploadSink event.Target
	up         *uploadState
	down       *downloadState
}

var _ transport.Request = (*Request)(nil)

func newRequest(c *Client) *Request {
	p := &Request{c: c, inner: c.host.NewRequest()}
	p.upload.p = p
	// Registered before any caller listener can be replayed onto inner, so they run first.
	screen := event.NewListener(p.screenEnvelope)
	p.inner.AddEventListener(event.ReadyStateChange, screen)
	p.inner.AddEventListener(event.Progress, screen)
	p.inner.AddEventListener(event.Load, event.NewListener(p.detectHeavy))
	return p
}

// Open initializes the request. A pending offloaded upload is canceled and a running secondary
// download is aborted; neither reports events to the caller.
func (p *Request) Open(method, rawURL string, opts ...transport.OpenOption) error {
	p.mu.Lock()
	up, down, sink := p.up, p.down, p.uploadSink
	p.up, p.down, p.uploadSink = nil, nil, nil
	p.sent, p.passEnvelope = false, false
	if up != nil {
		up.cancel(errReopened)
	}
	p.mu.Unlock()

	if up != nil && sink != nil && sink != p.inner.Upload() {
		p.uploadReg.Revert(sink)
		event.MoveHandlers(p.inner.Upload(), sink)
	}
	if down != nil {
		p.responseReg.Revert(down.sec)
		event.MoveHandlers(p.inner, down.sec)
		down.sec.Abort()
	}

	if err := p.inner.Open(method, rawURL, opts...); err != nil {
		return err
	}
	p.mu.Lock()
	p.rc = &requestContext{method: method, url: rawURL, creds: transport.CredentialsFrom(opts...)}
	p.mu.Unlock()
	return nil
}

// SetRequestHeader records a header. Only allowed after Open and before Send.
func (p *Request) SetRequestHeader(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rc == nil || p.sent {
		return transport.ErrInvalidState
	}
	if err := p.inner.SetRequestHeader(key, value); err != nil {
		return err
	}
	p.rc.header = append(p.rc.header, headerField{key: key, value: value})
	return nil
}

// SetTimeout sets the limit for the whole logical operation, sub-requests included.
func (p *Request) SetTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Timeout returns the configured timeout.
func (p *Request) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// Send transmits the request. Bodies estimated above the client threshold are offloaded unless
// the caller already set a correlation header.
func (p *Request) Send(b body.Body) error {
	p.mu.Lock()
	if p.rc == nil || p.sent {
		p.mu.Unlock()
		return transport.ErrInvalidState
	}
	rc := p.rc.clone()
	size := body.Estimate(b)
	heavy := b != nil && !rc.hasID() && size > p.c.threshold

	p.sent, p.passEnvelope = true, false
	p.sentAt = time.Now()
	p.responseReg.Replay(p.inner)

	if !heavy {
		up := p.inner.Upload()
		p.uploadReg.Replay(up)
		p.uploadSink = up
		p.inner.SetTimeout(p.timeout)
		p.mu.Unlock()

		if err := p.inner.Send(b); err != nil {
			p.mu.Lock()
			p.sent = false
			p.mu.Unlock()
			return err
		}
		return nil
	}

	u := newUploadState(rc, b, size, p.timeout)
	p.up = u
	p.mu.Unlock()

	p.c.logger.Debug("offloading upload", "id", u.id, "method", rc.method, "url", redact(rc.url), "estimate", size)
	go p.runUpload(u)
	return nil
}

// Abort cancels whatever phase is in flight. The caller observes abort and loadend once.
func (p *Request) Abort() {
	p.mu.Lock()
	if d := p.down; d != nil {
		d.aborted = true
		p.mu.Unlock()
		d.sec.Abort()
		return
	}
	if u := p.up; u != nil && !u.terminal {
		u.forcedDone = true
		p.mu.Unlock()
		u.cancel(transport.ErrAborted)
		return
	}
	p.mu.Unlock()
	p.inner.Abort()
}

// Upload returns the upload progress channel.
func (p *Request) Upload() event.Target { return &p.upload }

// source is the request whose response state the caller sees.
func (p *Request) source() transport.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down != nil {
		return p.down.sec
	}
	return p.inner
}

// carrier is the target whole-request listeners are currently applied to, or nil before Send.
func (p *Request) carrierLocked() event.Target {
	switch {
	case p.down != nil:
		return p.down.sec
	case p.sent:
		return p.inner
	}
	return nil
}

func (p *Request) forcedDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up != nil && p.up.forcedDone
}

// AddEventListener records l and applies it to the current carrier.
func (p *Request) AddEventListener(t event.Type, l *event.Listener, opts ...event.Option) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseReg.Record(event.OpAdd, t, l, opts...)
	if tg := p.carrierLocked(); tg != nil {
		tg.AddEventListener(t, l, opts...)
	}
}

// RemoveEventListener records the removal and applies it to the current carrier.
func (p *Request) RemoveEventListener(t event.Type, l *event.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseReg.Record(event.OpRemove, t, l)
	if tg := p.carrierLocked(); tg != nil {
		tg.RemoveEventListener(t, l)
	}
}

// SetHandler assigns the on<t> property on the request that currently carries the response.
func (p *Request) SetHandler(t event.Type, fn func(*event.Event)) {
	p.source().SetHandler(t, fn)
}

// Handler returns the on<t> property.
func (p *Request) Handler(t event.Type) func(*event.Event) {
	return p.source().Handler(t)
}

// DispatchEvent dispatches e on the request that currently carries the response.
func (p *Request) DispatchEvent(e *event.Event) {
	p.source().DispatchEvent(e)
}

// ReadyState reports Loading while a heavy envelope is being received and while a secondary
// download has not received headers yet, and Done after a forced upload abort.
func (p *Request) ReadyState() transport.ReadyState {
	if p.forcedDone() {
		return transport.Done
	}
	src, hidden := p.view()
	if hidden {
		return transport.Loading
	}
	s := src.ReadyState()
	if src != p.inner && s < transport.HeadersReceived {
		return transport.Loading
	}
	return s
}

// view returns the request whose response state the caller sees. hidden is true when nothing
// of it may be shown: after a forced upload abort and while an envelope is being received.
func (p *Request) view() (src transport.Request, hidden bool) {
	if p.forcedDone() || p.envelopePending() {
		return nil, true
	}
	return p.source(), false
}

func (p *Request) Status() int {
	src, hidden := p.view()
	if hidden {
		return 0
	}
	return src.Status()
}

func (p *Request) StatusText() string {
	src, hidden := p.view()
	if hidden {
		return ""
	}
	return src.StatusText()
}

func (p *Request) Response() []byte {
	src, hidden := p.view()
	if hidden {
		return nil
	}
	return src.Response()
}

func (p *Request) ResponseText() string {
	src, hidden := p.view()
	if hidden {
		return ""
	}
	return src.ResponseText()
}

func (p *Request) ResponseHeader(key string) string {
	src, hidden := p.view()
	if hidden {
		return ""
	}
	return src.ResponseHeader(key)
}

func (p *Request) ResponseHeaders() http.Header {
	src, hidden := p.view()
	if hidden {
		return nil
	}
	return src.ResponseHeaders()
}

// remainingLocked returns what is left of the timeout since Send, zero meaning no limit.
func (p *Request) remainingLocked() time.Duration {
	if p.timeout <= 0 {
		return 0
	}
	return max(p.timeout-time.Since(p.sentAt), time.Millisecond)
}

// uploadTarget is the caller-facing upload channel. Operations before the offload decision are
// recorded and replayed onto whichever channel ends up carrying the body.
type uploadTarget struct {
	p *Request
}

func (u *uploadTarget) AddEventListener(t event.Type, l *event.Listener, opts ...event.Option) {
	p := u.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploadReg.Record(event.OpAdd, t, l, opts...)
	if p.uploadSink != nil {
		p.uploadSink.AddEventListener(t, l, opts...)
	}
}

func (u *uploadTarget) RemoveEventListener(t event.Type, l *event.Listener) {
	p := u.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploadReg.Record(event.OpRemove, t, l)
	if p.uploadSink != nil {
		p.uploadSink.RemoveEventListener(t, l)
	}
}

func (u *uploadTarget) SetHandler(t event.Type, fn func(*event.Event)) {
	u.sink().SetHandler(t, fn)
}

func (u *uploadTarget) Handler(t event.Type) func(*event.Event) {
	return u.sink().Handler(t)
}

func (u *uploadTarget) DispatchEvent(e *event.Event) {
	u.sink().DispatchEvent(e)
}

// sink holds on<type> properties, which live on the host upload channel until Attach moves them.
func (u *uploadTarget) sink() event.Target {
	u.p.mu.Lock()
	defer u.p.mu.Unlock()
	if u.p.uploadSink != nil {
		return u.p.uploadSink
	}
	return u.p.inner.Upload()
}

// withDeadline derives the context of one offloaded operation from the caller's timeout.
func withDeadline(timeout time.Duration) (context.Context, context.CancelCauseFunc, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	if timeout <= 0 {
		return ctx, cancel, func() {}
	}
	ctx, stop := context.WithTimeoutCause(ctx, timeout, transport.ErrTimeout)
	return ctx, cancel, stop
}
