package offload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"heavy-http-go/internal/metrics"
	"heavy-http-go/internal/protocol"
)

// maxEnvelopeSize bounds how much of a heavy response body is read as the envelope.
const maxEnvelopeSize = 64 * 1024

// RoundTripper offloads large request bodies and resolves heavy responses for plain net/http
// clients. Requests with an unknown ContentLength are never offloaded.
type RoundTripper struct {
	base      http.RoundTripper
	threshold int64
	notifyTO  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Offload
}

// NewRoundTripper wraps base, http.DefaultTransport when nil. cfg.Transferer is not used: the
// transfer is always a PUT through base.
func NewRoundTripper(base http.RoundTripper, cfg Config) (*RoundTripper, error) {
	if cfg.Threshold < 0 {
		return nil, &Error{Kind: KindConfiguration, Op: "init", Err: fmt.Errorf("threshold must be >= 0, got %d", cfg.Threshold)}
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RoundTripper{
		base:      base,
		threshold: cfg.Threshold,
		notifyTO:  cfg.NotifyTimeout,
		logger:    cfg.Logger.With("component", "offload_roundtripper"),
		metrics:   cfg.Metrics,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)
	if req.Body != nil && req.Body != http.NoBody && req.ContentLength > rt.threshold && req.Header.Get(protocol.HeaderID) == "" {
		resp, err = rt.upload(req)
	} else {
		resp, err = rt.base.RoundTrip(req)
	}
	if err != nil {
		return nil, err
	}
	return rt.download(req, resp)
}

func (rt *RoundTripper) upload(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	id := protocol.NewCorrelationID()
	logger := rt.logger.With("id", id, "method", req.Method, "url", req.URL.Redacted())
	closeBody := func() { _ = req.Body.Close() }

	probe := rt.derive(ctx, req, id, protocol.ActionInit)
	probe.Header.Set(protocol.HeaderContentLength, strconv.FormatInt(req.ContentLength, 10))
	rt.metrics.ObserveAction(directionUpload, protocol.ActionInit.String())
	loc, err := rt.probe(probe)
	if err != nil {
		closeBody()
		logger.Warn("probe failed", "err", err)
		rt.metrics.ObserveTransfer(directionUpload, "probe_error")
		rt.notify(req, id, protocol.ActionSendAbort, directionUpload)
		if ctx.Err() != nil {
			return nil, newCancelError("probe", context.Cause(ctx))
		}
		return nil, err
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, loc, req.Body)
	if err != nil {
		closeBody()
		rt.notify(req, id, protocol.ActionSendAbort, directionUpload)
		return nil, &Error{Kind: KindTransfer, Op: "transfer", Err: err}
	}
	put.ContentLength = req.ContentLength
	put.Header.Set(protocol.HeaderID, id)
	if ct := req.Header.Get("Content-Type"); ct != "" {
		put.Header.Set("Content-Type", ct)
	}
	if err := rt.send(put, KindTransfer, "transfer"); err != nil {
		logger.Warn("transfer failed", "location", put.URL.Redacted(), "err", err)
		rt.metrics.ObserveTransfer(directionUpload, "transfer_error")
		rt.notify(req, id, protocol.ActionSendAbort, directionUpload)
		if ctx.Err() != nil {
			return nil, newCancelError("transfer", context.Cause(ctx))
		}
		return nil, err
	}
	rt.metrics.ObserveTransfer(directionUpload, "success")

	fin := rt.derive(ctx, req, id, protocol.ActionSendSuccess)
	fin.Body = io.NopCloser(strings.NewReader(" "))
	fin.ContentLength = 1
	fin.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(" ")), nil }
	rt.metrics.ObserveAction(directionUpload, protocol.ActionSendSuccess.String())
	resp, err := rt.base.RoundTrip(fin)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newCancelError("finalize", context.Cause(ctx))
		}
		return nil, &Error{Kind: KindNetwork, Op: "finalize", Err: err}
	}
	return resp, nil
}

// derive clones req without its body, replacing protocol headers with id and action.
func (rt *RoundTripper) derive(ctx context.Context, req *http.Request, id string, action protocol.Action) *http.Request {
	r := req.Clone(ctx)
	r.Body = http.NoBody
	r.GetBody = nil
	r.ContentLength = 0
	for key := range r.Header {
		if protocol.IsProtocolHeader(key) {
			r.Header.Del(key)
		}
	}
	r.Header.Set(protocol.HeaderID, id)
	r.Header.Set(protocol.HeaderAction, action.String())
	return r
}

func (rt *RoundTripper) probe(r *http.Request) (string, error) {
	resp, err := rt.base.RoundTrip(r)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Op: "probe", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	text, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeSize))
	if err != nil {
		return "", &Error{Kind: KindNetwork, Op: "probe", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Kind: KindProbe, Op: "probe", Status: resp.StatusCode}
	}
	loc, err := resolveLocation(r.URL.String(), string(text))
	if err != nil {
		return "", &Error{Kind: KindProbe, Op: "probe", Status: resp.StatusCode, Err: err}
	}
	return loc, nil
}

// send performs r and discards the response, failing on transport errors and non-2xx status.
func (rt *RoundTripper) send(r *http.Request, kind Kind, op string) error {
	resp, err := rt.base.RoundTrip(r)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEnvelopeSize))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: kind, Op: op, Status: resp.StatusCode}
	}
	return nil
}

// notify sends a best-effort action to the original endpoint. It outlives the caller's context
// so an abort is still reported after cancellation.
func (rt *RoundTripper) notify(orig *http.Request, id string, action protocol.Action, direction string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(orig.Context()), rt.notifyTO)
	defer cancel()

	rt.metrics.ObserveAction(direction, action.String())
	logger := rt.logger.With("id", id, "action", action, "url", orig.URL.Redacted())
	resp, err := rt.base.RoundTrip(rt.derive(ctx, orig, id, action))
	if err != nil {
		logger.Warn("notification failed", "err", err)
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEnvelopeSize))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn("notification rejected", "status", resp.StatusCode)
	}
}

// download replaces a heavy envelope response with the secondary response.
func (rt *RoundTripper) download(req *http.Request, resp *http.Response) (*http.Response, error) {
	signalled := func() bool {
		a, _ := protocol.ParseAction(resp.Header.Get(protocol.HeaderAction))
		return a == protocol.ActionDownload
	}()
	if !signalled {
		br := bufio.NewReaderSize(resp.Body, protocol.EnvelopePrefixLen())
		peek, _ := br.Peek(protocol.EnvelopePrefixLen())
		resp.Body = readCloser{Reader: br, Closer: resp.Body}
		if !protocol.HasEnvelopePrefix(peek) {
			return resp, nil
		}
	}

	orig := resp.Body
	data, err := io.ReadAll(io.LimitReader(orig, maxEnvelopeSize))
	if err != nil {
		_ = orig.Close()
		return nil, &Error{Kind: KindNetwork, Op: "download", Err: err}
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		rt.logger.Warn("heavy response without envelope, delivering as is", "url", req.URL.Redacted(), "err", err)
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), orig), Closer: orig}
		return resp, nil
	}
	_ = orig.Close()

	loc, err := resolveLocation(req.URL.String(), env.Location)
	if err != nil {
		rt.notify(req, env.ID, protocol.ActionDownloadAbort, directionDownload)
		return nil, &Error{Kind: KindTransfer, Op: "download", Err: err}
	}

	ctx := req.Context()
	sec, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		rt.notify(req, env.ID, protocol.ActionDownloadAbort, directionDownload)
		return nil, &Error{Kind: KindTransfer, Op: "download", Err: err}
	}
	sec.Header.Set(protocol.HeaderID, env.ID)
	sec.Header.Set(protocol.HeaderAction, protocol.ActionDownload.String())
	rt.metrics.ObserveAction(directionDownload, protocol.ActionDownload.String())

	sresp, err := rt.base.RoundTrip(sec)
	if err != nil {
		rt.metrics.ObserveTransfer(directionDownload, "abort")
		rt.notify(req, env.ID, protocol.ActionDownloadAbort, directionDownload)
		if ctx.Err() != nil {
			return nil, newCancelError("download", context.Cause(ctx))
		}
		return nil, &Error{Kind: KindNetwork, Op: "download", Err: err}
	}
	if sresp.StatusCode < 200 || sresp.StatusCode >= 300 {
		_ = sresp.Body.Close()
		rt.metrics.ObserveTransfer(directionDownload, "transfer_error")
		rt.notify(req, env.ID, protocol.ActionDownloadAbort, directionDownload)
		return nil, &Error{Kind: KindTransfer, Op: "download", Status: sresp.StatusCode}
	}

	sresp.Request = req
	sresp.Body = &downloadBody{
		ReadCloser: sresp.Body,
		finish: func(a protocol.Action) {
			outcome := "success"
			if a == protocol.ActionDownloadAbort {
				outcome = "abort"
			}
			rt.metrics.ObserveTransfer(directionDownload, outcome)
			go rt.notify(req, env.ID, a, directionDownload)
		},
	}
	return sresp, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// downloadBody reports download-end on EOF and download-abort when closed or failed earlier.
type downloadBody struct {
	io.ReadCloser
	once   sync.Once
	finish func(protocol.Action)
}

func (b *downloadBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		b.once.Do(func() { b.finish(protocol.ActionDownloadEnd) })
	case err != nil:
		b.once.Do(func() { b.finish(protocol.ActionDownloadAbort) })
	}
	return n, err
}

func (b *downloadBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.finish(protocol.ActionDownloadAbort) })
	return err
}
