package offload

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"heavy-http-go/internal/event"
	"heavy-http-go/internal/protocol"
	"heavy-http-go/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, threshold int64) (*Client, *transport.Loop) {
	t.Helper()
	logger := discardLogger()
	loop := transport.NewLoop(logger)
	t.Cleanup(loop.Close)
	host := transport.NewHost(&http.Client{Timeout: 10 * time.Second}, loop, logger)
	c, err := New(host, Config{Threshold: threshold, NotifyTimeout: 2 * time.Second, Logger: logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, loop
}

// call is one request seen by the test peer on its API endpoint.
type call struct {
	method string
	action string
	id     string
	header http.Header
	body   string
}

// testPeer emulates the server half of the protocol on /api, stores transfers under /blob/ and
// serves heavy envelopes on /heavy (action header), /bare-heavy (body only) and /heavy-missing
// (secondary location answers 404).
type testPeer struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []call
	blobs map[string]string

	probeStatus int
	putStatus   int
	blockInit   bool
	blockPut    bool
	started     chan struct{}
	release     chan struct{}
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	p := &testPeer{
		blobs:   map[string]string{"big": strings.Repeat("payload-", 64)},
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serveHTTP))
	t.Cleanup(func() {
		close(p.release)
		p.srv.Close()
	})
	return p
}

func (p *testPeer) block(r *http.Request) {
	p.started <- struct{}{}
	select {
	case <-r.Context().Done():
	case <-p.release:
	}
}

func (p *testPeer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	if id, ok := strings.CutPrefix(r.URL.Path, "/blob/"); ok {
		switch r.Method {
		case http.MethodPut:
			if p.blockPut {
				p.block(r)
				return
			}
			if p.putStatus != 0 {
				w.WriteHeader(p.putStatus)
				return
			}
			p.mu.Lock()
			p.blobs[id] = string(data)
			p.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			p.mu.Lock()
			blob, found := p.blobs[id]
			p.mu.Unlock()
			if !found {
				http.NotFound(w, r)
				return
			}
			_, _ = io.WriteString(w, blob)
		}
		return
	}

	c := call{
		method: r.Method,
		action: r.Header.Get(protocol.HeaderAction),
		id:     r.Header.Get(protocol.HeaderID),
		header: r.Header.Clone(),
		body:   string(data),
	}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()

	switch c.action {
	case "init":
		if p.blockInit {
			p.block(r)
			return
		}
		if p.probeStatus != 0 {
			w.WriteHeader(p.probeStatus)
			return
		}
		_, _ = io.WriteString(w, "/blob/"+c.id)
	case "send-success":
		p.mu.Lock()
		blob := p.blobs[c.id]
		p.mu.Unlock()
		_, _ = io.WriteString(w, "stored:"+blob)
	case "send-error":
		_, _ = io.WriteString(w, "upload failed")
	case "send-abort", "download-end", "download-abort":
		w.WriteHeader(http.StatusNoContent)
	default:
		if r.URL.Path == "/heavy" {
			w.Header().Set(protocol.HeaderAction, "download")
			w.Header().Set(protocol.HeaderID, "id123")
			_, _ = io.WriteString(w, "HEAVY|id123|/blob/big")
			return
		}
		if r.URL.Path == "/bare-heavy" {
			_, _ = io.WriteString(w, "HEAVY|id456|/blob/big")
			return
		}
		if r.URL.Path == "/heavy-missing" {
			w.Header().Set(protocol.HeaderAction, "download")
			_, _ = io.WriteString(w, "HEAVY|id789|/blob/missing")
			return
		}
		if r.URL.Path == "/fake-heavy" {
			w.Header().Set(protocol.HeaderAction, "download")
			_, _ = io.WriteString(w, "not an envelope")
			return
		}
		_, _ = io.WriteString(w, "plain:"+c.body)
	}
}

func (p *testPeer) url(path string) string { return p.srv.URL + path }

func (p *testPeer) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		if c.action != "" {
			out = append(out, c.action)
		}
	}
	return out
}

func (p *testPeer) callsFor(action string) []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []call
	for _, c := range p.calls {
		if c.action == action {
			out = append(out, c)
		}
	}
	return out
}

func (p *testPeer) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the peer to receive the request")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// recorder collects event types dispatched on a target and signals loadend.
type recorder struct {
	mu     sync.Mutex
	events []event.Type
	done   chan struct{}
	once   sync.Once
}

func record(target event.Target, types ...event.Type) *recorder {
	rec := &recorder{done: make(chan struct{})}
	for _, typ := range types {
		target.AddEventListener(typ, event.NewListener(func(e *event.Event) {
			rec.mu.Lock()
			rec.events = append(rec.events, e.Type)
			rec.mu.Unlock()
			if e.Type == event.LoadEnd {
				rec.once.Do(func() { close(rec.done) })
			}
		}))
	}
	return rec
}

func (rec *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loadend")
	}
}

func (rec *recorder) got() []event.Type {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]event.Type(nil), rec.events...)
}
