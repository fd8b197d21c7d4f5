package offload

import (
	"context"
	"errors"
	"strconv"
	"time"

	"heavy-http-go/internal/body"
	"heavy-http-go/internal/event"
	"heavy-http-go/internal/protocol"
	"heavy-http-go/internal/transport"
)

const directionUpload = "upload"

var (
	errReopened = errors.New("offload: request reopened")
	errAttached = errors.New("offload: transfer already attached")
)

// uploadState is one offloaded upload. The mutable fields are guarded by the owning Request's
// mutex.
type uploadState struct {
	id     string
	rc     requestContext
	body   body.Body
	size   int64
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc

	// terminal is set once a terminal action has been claimed for transmission.
	terminal        bool
	transferStarted bool
	forcedDone      bool
}

func newUploadState(rc requestContext, b body.Body, size int64, timeout time.Duration) *uploadState {
	ctx, cancel, stop := withDeadline(timeout)
	return &uploadState{
		id:     protocol.NewCorrelationID(),
		rc:     rc,
		body:   b,
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		stop:   stop,
	}
}

// runUpload drives probe, transfer and finalize on its own goroutine.
func (p *Request) runUpload(u *uploadState) {
	defer u.stop()
	logger := p.c.logger.With("id", u.id, "method", u.rc.method, "url", redact(u.rc.url))

	loc, err := p.probe(u)
	if u.ctx.Err() != nil {
		p.abortUpload(u)
		return
	}
	if err != nil {
		logger.Warn("probe failed", "err", err)
		p.c.metrics.ObserveTransfer(directionUpload, "probe_error")
		p.finalize(u, protocol.ActionSendError, nil)
		return
	}

	t := &Transfer{
		ID:          u.id,
		Location:    loc,
		Body:        u.body,
		ContentType: u.rc.get("Content-Type"),
		Size:        u.size,
		attach:      func(r transport.Request) error { return p.attach(u, r) },
	}
	err = p.c.transferer.Transfer(u.ctx, t)
	if u.ctx.Err() != nil {
		p.abortUpload(u)
		return
	}
	action := protocol.ActionSendSuccess
	if err != nil {
		logger.Warn("transfer failed", "location", redact(loc), "err", err)
		p.c.metrics.ObserveTransfer(directionUpload, "transfer_error")
		action = protocol.ActionSendError
	} else {
		p.c.metrics.ObserveTransfer(directionUpload, "success")
	}
	p.finalize(u, action, body.Text(" "))
}

// probe announces the upload and returns the resolved transfer location.
func (p *Request) probe(u *uploadState) (string, error) {
	r := p.c.host.NewRequest()
	if err := r.Open(u.rc.method, u.rc.url, u.rc.openOptions()...); err != nil {
		return "", &Error{Kind: KindProbe, Op: "probe", Err: err}
	}
	if err := u.rc.applyHeaders(r); err != nil {
		return "", &Error{Kind: KindProbe, Op: "probe", Err: err}
	}
	_ = r.SetRequestHeader(protocol.HeaderID, u.id)
	_ = r.SetRequestHeader(protocol.HeaderAction, protocol.ActionInit.String())
	_ = r.SetRequestHeader(protocol.HeaderContentLength, strconv.FormatInt(u.size, 10))

	p.c.metrics.ObserveAction(directionUpload, protocol.ActionInit.String())
	o, err := transport.Do(u.ctx, r, nil)
	if err != nil {
		return "", newCancelError("probe", err)
	}
	if o != transport.OutcomeLoad || !transport.IsSuccess(r.Status()) {
		return "", outcomeError(KindProbe, "probe", o, r.Status())
	}
	loc, err := resolveLocation(u.rc.url, r.ResponseText())
	if err != nil {
		return "", &Error{Kind: KindProbe, Op: "probe", Status: r.Status(), Err: err}
	}
	return loc, nil
}

// attach makes r the carrier of the caller's upload channel.
func (p *Request) attach(u *uploadState, r transport.Request) error {
	if err := p.attachable(u); err != nil {
		return err
	}
	if err := r.SetRequestHeader(protocol.HeaderID, u.id); err != nil {
		return err
	}
	if ct := u.rc.get("Content-Type"); ct != "" {
		if err := r.SetRequestHeader("Content-Type", ct); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.attachableLocked(u); err != nil {
		return err
	}
	event.MoveHandlers(r.Upload(), p.inner.Upload())
	p.uploadReg.Replay(r.Upload())
	p.uploadSink = r.Upload()
	u.transferStarted = true
	return nil
}

func (p *Request) attachable(u *uploadState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attachableLocked(u)
}

func (p *Request) attachableLocked(u *uploadState) error {
	if p.up != u || u.ctx.Err() != nil {
		return context.Cause(u.ctx)
	}
	if u.transferStarted {
		return errAttached
	}
	return nil
}

// finalize transmits the original request carrying the terminal action. A nil body is sent when
// the probe failed.
func (p *Request) finalize(u *uploadState, action protocol.Action, b body.Body) {
	p.mu.Lock()
	if u.terminal {
		p.mu.Unlock()
		return
	}
	if u.ctx.Err() != nil {
		p.mu.Unlock()
		p.abortUpload(u)
		return
	}
	u.terminal = true
	deadline, hasDeadline := u.ctx.Deadline()
	p.mu.Unlock()

	_ = p.inner.SetRequestHeader(protocol.HeaderID, u.id)
	_ = p.inner.SetRequestHeader(protocol.HeaderAction, action.String())
	if hasDeadline {
		p.inner.SetTimeout(max(time.Until(deadline), time.Millisecond))
	} else {
		p.inner.SetTimeout(0)
	}

	p.c.metrics.ObserveAction(directionUpload, action.String())
	if err := p.inner.Send(b); err != nil {
		p.c.logger.Error("finalize not sent", "id", u.id, "action", action, "err", err)
		p.inner.DispatchEvent(event.New(event.ReadyStateChange))
		p.inner.DispatchEvent(event.New(event.Error))
		p.inner.DispatchEvent(event.New(event.LoadEnd))
	}
}

// abortUpload reports a canceled upload: notify the peer, then dispatch abort or timeout and
// loadend once on the caller's channels.
func (p *Request) abortUpload(u *uploadState) {
	p.mu.Lock()
	if u.terminal {
		p.mu.Unlock()
		return
	}
	u.terminal = true
	u.forcedDone = true
	started := u.transferStarted
	p.mu.Unlock()

	cause := context.Cause(u.ctx)
	typ := event.Abort
	if errors.Is(cause, transport.ErrTimeout) {
		typ = event.Timeout
	}
	p.c.logger.Info("upload canceled", "id", u.id, "event", typ, "cause", cause)
	p.c.metrics.ObserveTransfer(directionUpload, string(typ))

	p.c.notify(directionUpload, u.rc, u.id, protocol.ActionSendAbort)
	if errors.Is(cause, errReopened) {
		return
	}

	if !started {
		up := p.inner.Upload()
		p.mu.Lock()
		if p.up == u {
			p.uploadReg.Replay(up)
			p.uploadSink = up
		}
		p.mu.Unlock()
		up.DispatchEvent(event.New(typ))
		up.DispatchEvent(event.New(event.LoadEnd))
	}
	p.inner.DispatchEvent(event.New(event.ReadyStateChange))
	p.inner.DispatchEvent(event.New(typ))
	p.inner.DispatchEvent(event.New(event.LoadEnd))
}
