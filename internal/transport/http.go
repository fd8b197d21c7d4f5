package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"heavy-http-go/internal/body"
	"heavy-http-go/internal/event"
)

// readChunk is the response read size; one progress event is dispatched per chunk.
const readChunk = 32 * 1024

var errReopened = errors.New("transport: request reopened")

// normalizedMethods are upper-cased on Open regardless of the caller's casing.
var normalizedMethods = map[string]bool{
	"DELETE": true, "GET": true, "HEAD": true, "OPTIONS": true, "POST": true, "PUT": true, "PATCH": true,
}

// Host creates requests that share one *http.Client and one event Loop.
type Host struct {
	client *http.Client
	loop   *Loop
	logger *slog.Logger
}

// NewHost returns a Host. A nil client means http.DefaultClient.
func NewHost(client *http.Client, loop *Loop, logger *slog.Logger) *Host {
	if client == nil {
		client = http.DefaultClient
	}
	return &Host{
		client: client,
		loop:   loop,
		logger: logger.With("component", "host_transport"),
	}
}

// Loop returns the loop events are dispatched on.
func (h *Host) Loop() *Loop { return h.loop }

// NewRequest returns an unsent request.
func (h *Host) NewRequest() Request {
	return &HTTPRequest{
		loopTarget: loopTarget{loop: h.loop},
		upload:     loopTarget{loop: h.loop},
		host:       h,
	}
}

// loopTarget is a Dispatcher whose DispatchEvent queues the event on the loop.
type loopTarget struct {
	event.Dispatcher
	loop *Loop
}

// DispatchEvent queues e on the host loop.
func (t *loopTarget) DispatchEvent(e *event.Event) {
	t.loop.Post(func() { t.Dispatcher.DispatchEvent(e) })
}

// HTTPRequest is the net/http implementation of Request.
type HTTPRequest struct {
	loopTarget
	upload loopTarget
	host   *Host

	mu         sync.Mutex
	gen        uint64
	state      ReadyState
	method     string
	url        *url.URL
	creds      *Credentials
	header     http.Header
	timeout    time.Duration
	sent       bool
	done       bool
	uploading  bool
	uploadDone bool
	cancel     context.CancelCauseFunc

	status     int
	statusText string
	respHeader http.Header
	resp       []byte
}

// Upload returns the upload progress target.
func (r *HTTPRequest) Upload() event.Target { return &r.upload }

// Open initializes the request. An in-flight transfer is terminated without events.
func (r *HTTPRequest) Open(method, rawURL string, opts ...OpenOption) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("transport: parse url: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("transport: url %q is not absolute", rawURL)
	}
	if method == "" {
		return fmt.Errorf("transport: empty method")
	}
	if up := strings.ToUpper(method); normalizedMethods[up] {
		method = up
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	if r.sent && !r.done && r.cancel != nil {
		r.cancel(errReopened)
	}
	r.gen++
	r.state = Opened
	r.method = method
	r.url = u
	r.creds = o.creds
	r.header = make(http.Header)
	r.sent, r.done, r.uploading, r.uploadDone = false, false, false, false
	r.cancel = nil
	r.resetResponseLocked()
	r.mu.Unlock()

	r.DispatchEvent(event.New(event.ReadyStateChange))
	return nil
}

// SetRequestHeader adds a request header. Only allowed after Open and before Send.
func (r *HTTPRequest) SetRequestHeader(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Opened || r.sent {
		return ErrInvalidState
	}
	r.header.Add(key, value)
	return nil
}

// SetTimeout sets the time limit for the whole transfer; zero disables it.
// It applies to the next Send.
func (r *HTTPRequest) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Timeout returns the configured timeout.
func (r *HTTPRequest) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Send starts the transfer on a new goroutine.
func (r *HTTPRequest) Send(b body.Body) error {
	r.mu.Lock()
	if r.state != Opened || r.sent {
		r.mu.Unlock()
		return ErrInvalidState
	}
	method, u, creds, header := r.method, *r.url, r.creds, r.header.Clone()
	timeout := r.timeout
	r.mu.Unlock()

	var enc body.Encoded
	if method != http.MethodGet && method != http.MethodHead {
		var err error
		if enc, err = body.Encode(b); err != nil {
			return err
		}
	}
	uploading := enc.Reader != nil
	if uploading && enc.ContentType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", enc.ContentType)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	stop := func() {}
	if timeout > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		stop()
		cancel(nil)
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header = header
	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	r.mu.Lock()
	if r.state != Opened || r.sent {
		r.mu.Unlock()
		stop()
		cancel(nil)
		return ErrInvalidState
	}
	r.sent = true
	r.uploading = uploading
	r.cancel = cancel
	gen := r.gen
	r.mu.Unlock()

	if uploading {
		req.ContentLength = enc.Length
		req.Body = io.NopCloser(&progressReader{
			r: enc.Reader,
			onRead: func(n int64) {
				r.mu.Lock()
				live := r.gen == gen && !r.uploadDone
				r.mu.Unlock()
				if live {
					r.upload.DispatchEvent(event.NewProgress(event.Progress, n, enc.Length))
				}
			},
		})
	}

	r.DispatchEvent(event.NewProgress(event.LoadStart, 0, -1))
	if uploading {
		r.upload.DispatchEvent(event.NewProgress(event.LoadStart, 0, enc.Length))
	}

	r.host.logger.Debug("request sent", "method", method, "url", u.Redacted())
	go func() {
		defer stop()
		defer cancel(nil)
		r.run(ctx, gen, req, enc.Length)
	}()
	return nil
}

func (r *HTTPRequest) run(ctx context.Context, gen uint64, req *http.Request, uploadLen int64) {
	resp, err := r.host.client.Do(req) //nolint:bodyclose // closed below
	if err != nil {
		r.fail(ctx, gen, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	r.mu.Lock()
	if r.gen != gen || r.done {
		r.mu.Unlock()
		return
	}
	finishUpload := r.uploading && !r.uploadDone
	r.uploadDone = true
	r.state = HeadersReceived
	r.status = resp.StatusCode
	r.statusText = strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	r.respHeader = resp.Header.Clone()
	r.mu.Unlock()

	if finishUpload {
		r.upload.DispatchEvent(event.NewProgress(event.Progress, max(uploadLen, 0), uploadLen))
		r.upload.DispatchEvent(event.NewProgress(event.Load, max(uploadLen, 0), uploadLen))
		r.upload.DispatchEvent(event.NewProgress(event.LoadEnd, max(uploadLen, 0), uploadLen))
	}
	r.DispatchEvent(event.New(event.ReadyStateChange))

	total := resp.ContentLength
	var loaded int64
	buf := make([]byte, readChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			r.mu.Lock()
			if r.gen != gen || r.done {
				r.mu.Unlock()
				return
			}
			r.resp = append(r.resp, buf[:n]...)
			first := r.state != Loading
			r.state = Loading
			r.mu.Unlock()

			loaded += int64(n)
			if first {
				r.DispatchEvent(event.New(event.ReadyStateChange))
			}
			r.DispatchEvent(event.NewProgress(event.Progress, loaded, total))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			r.fail(ctx, gen, rerr)
			return
		}
	}

	r.mu.Lock()
	if r.gen != gen || r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.state = Done
	r.mu.Unlock()

	r.host.logger.Debug("request completed", "method", req.Method, "url", req.URL.Redacted(), "status", resp.StatusCode, "bytes", loaded)
	r.DispatchEvent(event.New(event.ReadyStateChange))
	r.DispatchEvent(event.NewProgress(event.Load, loaded, total))
	r.DispatchEvent(event.NewProgress(event.LoadEnd, loaded, total))
}

// fail reports a network error or an expired timeout. Aborts are reported by Abort itself.
func (r *HTTPRequest) fail(ctx context.Context, gen uint64, err error) {
	typ := event.Error
	if isTimeout(context.Cause(ctx)) {
		typ = event.Timeout
	}

	r.mu.Lock()
	if r.gen != gen || r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.state = Done
	r.resetResponseLocked()
	failUpload := r.uploading && !r.uploadDone
	r.uploadDone = true
	r.mu.Unlock()

	r.host.logger.Debug("request failed", "event", typ, "err", err)
	r.DispatchEvent(event.New(event.ReadyStateChange))
	if failUpload {
		r.upload.DispatchEvent(event.New(typ))
		r.upload.DispatchEvent(event.New(event.LoadEnd))
	}
	r.DispatchEvent(event.New(typ))
	r.DispatchEvent(event.New(event.LoadEnd))
}

// Abort cancels an in-flight transfer. The request is flagged synchronously; abort and loadend
// events are queued on the loop. Aborting a request that is not in flight dispatches nothing.
func (r *HTTPRequest) Abort() {
	r.abort(ErrAborted)
}

// abort cancels the transfer with cause. An expired deadline is reported as timeout on both
// channels, anything else as abort.
func (r *HTTPRequest) abort(cause error) {
	r.mu.Lock()
	if !r.sent || r.done {
		if r.state == Done {
			r.state = Unsent
			r.resetResponseLocked()
		}
		r.mu.Unlock()
		return
	}
	r.done = true
	r.state = Done
	r.resetResponseLocked()
	abortUpload := r.uploading && !r.uploadDone
	r.uploadDone = true
	cancel := r.cancel
	r.mu.Unlock()

	cancel(cause)

	typ := event.Abort
	if isTimeout(cause) {
		typ = event.Timeout
	}
	r.DispatchEvent(event.New(event.ReadyStateChange))
	if abortUpload {
		r.upload.DispatchEvent(event.New(typ))
		r.upload.DispatchEvent(event.New(event.LoadEnd))
	}
	r.DispatchEvent(event.New(typ))
	r.DispatchEvent(event.New(event.LoadEnd))
}

func (r *HTTPRequest) resetResponseLocked() {
	r.status = 0
	r.statusText = ""
	r.respHeader = nil
	r.resp = nil
}

// ReadyState returns the current lifecycle state.
func (r *HTTPRequest) ReadyState() ReadyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the response status code, or 0 before headers arrive and after failures.
func (r *HTTPRequest) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusText returns the reason phrase.
func (r *HTTPRequest) StatusText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusText
}

// Response returns the bytes received so far. The slice must not be modified.
func (r *HTTPRequest) Response() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp
}

// ResponseText returns the body received so far as a string.
func (r *HTTPRequest) ResponseText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.resp)
}

// ResponseHeader returns the first value of a response header.
func (r *HTTPRequest) ResponseHeader(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respHeader.Get(key)
}

// ResponseHeaders returns a copy of the response headers.
func (r *HTTPRequest) ResponseHeaders() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respHeader.Clone()
}

type progressReader struct {
	r      io.Reader
	n      int64
	onRead func(n int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.onRead(p.n)
	}
	return n, err
}
