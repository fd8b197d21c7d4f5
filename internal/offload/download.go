package offload

import (
	"net/http"
	"sync"

	"heavy-http-go/internal/event"
	"heavy-http-go/internal/protocol"
	"heavy-http-go/internal/transport"
)

const directionDownload = "download"

// downloadState is a secondary download replacing a heavy envelope response.
type downloadState struct {
	id  string
	rc  requestContext
	sec transport.Request
	// aborted is guarded by the owning Request's mutex.
	aborted bool
	once    sync.Once
}

// screenEnvelope runs first on the host request's readystatechange and progress. The caller
// does not see them while the response is a heavy envelope.
func (p *Request) screenEnvelope(e *event.Event) {
	if p.envelopePending() {
		e.StopImmediatePropagation()
	}
}

// envelopePending reports whether the host request is receiving a heavy envelope. The action
// header decides as soon as headers arrive; without it the first body bytes do.
func (p *Request) envelopePending() bool {
	p.mu.Lock()
	idle := !p.sent || p.down != nil || p.passEnvelope
	p.mu.Unlock()
	if idle {
		return false
	}
	state := p.inner.ReadyState()
	if state < transport.HeadersReceived {
		return false
	}
	h, b := p.inner.ResponseHeaders(), p.inner.Response()
	if protocol.IsHeavyResponse(h, b) {
		return true
	}
	return state != transport.Done && protocol.IsEnvelopeFragment(b)
}

// deliverEnvelope gives up on an envelope and lets the caller see the host response as is.
func (p *Request) deliverEnvelope() {
	p.mu.Lock()
	p.passEnvelope = true
	p.mu.Unlock()
}

// detectHeavy runs first on the host request's load. A heavy envelope response is swallowed and
// the caller's listeners move to a secondary request fetching the real body.
func (p *Request) detectHeavy(e *event.Event) {
	h, b := p.inner.ResponseHeaders(), p.inner.Response()
	if !protocol.IsHeavyResponse(h, b) {
		return
	}

	p.mu.Lock()
	if p.rc == nil || p.down != nil {
		p.mu.Unlock()
		return
	}
	rc := p.rc.clone()
	p.mu.Unlock()
	logger := p.c.logger.With("method", rc.method, "url", redact(rc.url))

	env, err := protocol.ParseEnvelope(b)
	if err != nil {
		logger.Warn("heavy response without envelope, delivering as is", "err", err)
		p.deliverEnvelope()
		return
	}
	loc, err := resolveLocation(rc.url, env.Location)
	if err != nil {
		logger.Warn("heavy response with bad location, delivering as is", "id", env.ID, "err", err)
		p.deliverEnvelope()
		return
	}

	sec := p.c.NewRequest()
	if err := sec.Open(http.MethodGet, loc); err != nil {
		logger.Warn("secondary download not opened", "id", env.ID, "err", err)
		p.deliverEnvelope()
		return
	}
	_ = sec.SetRequestHeader(protocol.HeaderID, env.ID)
	_ = sec.SetRequestHeader(protocol.HeaderAction, protocol.ActionDownload.String())

	// The caller already saw the lifecycle start on the original request.
	hide := event.NewListener(func(e *event.Event) { e.StopImmediatePropagation() })
	sec.AddEventListener(event.ReadyStateChange, hide, event.Once())
	sec.AddEventListener(event.LoadStart, hide, event.Once())

	d := &downloadState{id: env.ID, rc: rc, sec: sec}
	sec.AddEventListener(event.Load, event.NewListener(func(*event.Event) {
		if transport.IsSuccess(sec.Status()) {
			p.endDownload(d, protocol.ActionDownloadEnd, "success")
			return
		}
		logger.Warn("secondary download rejected", "id", env.ID, "status", sec.Status())
		p.endDownload(d, protocol.ActionDownloadAbort, "transfer_error")
	}))
	for _, t := range []event.Type{event.Error, event.Abort, event.Timeout} {
		sec.AddEventListener(t, event.NewListener(func(*event.Event) {
			p.endDownload(d, protocol.ActionDownloadAbort, string(t))
		}))
	}

	p.mu.Lock()
	sec.SetTimeout(p.remainingLocked())
	p.mu.Unlock()
	// Events of sec are dispatched on the loop we are running on, so none can fire before the
	// caller's listeners are relocated below.
	if err := sec.Send(nil); err != nil {
		logger.Error("secondary download not sent, delivering envelope", "id", env.ID, "err", err)
		p.deliverEnvelope()
		return
	}
	e.StopImmediatePropagation()

	p.mu.Lock()
	p.down = d
	p.responseReg.Revert(p.inner)
	event.MoveHandlers(sec, p.inner)
	p.responseReg.Replay(sec)
	p.mu.Unlock()

	logger.Debug("fetching offloaded response", "id", env.ID, "location", redact(loc))
	p.c.metrics.ObserveAction(directionDownload, protocol.ActionDownload.String())
}

// endDownload sends the closing notification once. A secondary download that was not a 2xx
// success closes with download-abort. It runs on the loop, so the notification goes out on its
// own goroutine.
func (p *Request) endDownload(d *downloadState, action protocol.Action, outcome string) {
	p.mu.Lock()
	if d.aborted {
		action, outcome = protocol.ActionDownloadAbort, "abort"
	}
	p.mu.Unlock()

	d.once.Do(func() {
		p.c.metrics.ObserveTransfer(directionDownload, outcome)
		go p.c.notify(directionDownload, d.rc, d.id, action)
	})
}
