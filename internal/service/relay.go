// Package service implements the server half of the offload protocol in front of an upstream origin.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"heavy-http-go/internal/client"
	"heavy-http-go/internal/config"
	"heavy-http-go/internal/metrics"
	"heavy-http-go/internal/model"
	"heavy-http-go/internal/protocol"
	"heavy-http-go/internal/store"
)

var (
	// ErrNoUpstream is returned when the relay has no origin to forward to.
	ErrNoUpstream = errors.New("upstream.base_url is required to relay requests")
	// ErrMissingID is returned for a protocol action without a correlation id.
	ErrMissingID = errors.New("missing " + protocol.HeaderID + " header")
	// ErrUnknownAction is returned for an unrecognised action marker.
	ErrUnknownAction = errors.New("unknown " + protocol.HeaderAction + " value")
	// ErrUnexpectedAction is returned for an action the relay route never receives.
	ErrUnexpectedAction = errors.New("action not accepted on this route")
	// ErrUnknownTransfer is returned when the id was never reserved or has expired.
	ErrUnknownTransfer = errors.New("unknown or expired transfer id")
	// ErrUploadFailed is returned when the client reports a failed transfer round.
	ErrUploadFailed = errors.New("client reported a failed upload")
)

// hopHeaders are never forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
}

const userAgent = "heavy-http-relay/1.0"

// pendingUpload is a reserved transfer waiting for its payload and finalize round.
type pendingUpload struct {
	Method string
	Path   string
	Size   string
}

// RelayService tracks pending transfers and forwards finalized requests upstream.
type RelayService struct {
	client    *client.UpstreamClient
	store     store.Store
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	baseURL   *url.URL
	pending   *expirable.LRU[string, pendingUpload]
	threshold int64
}

// NewRelayService creates a RelayService. The metrics parameter may be nil.
func NewRelayService(c *client.UpstreamClient, st store.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	if cfg.Upstream.BaseURL == "" {
		return nil, ErrNoUpstream
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &RelayService{
		client:    c,
		store:     st,
		cfg:       cfg,
		logger:    logger.With("component", "relay_service"),
		metrics:   m,
		baseURL:   u,
		pending:   expirable.NewLRU[string, pendingUpload](cfg.Store.MaxEntries, nil, cfg.Store.TTL()),
		threshold: cfg.Server.ResponseThresholdBytes,
	}, nil
}

// Pending returns the number of reserved transfers not yet finalized.
func (s *RelayService) Pending() int { return s.pending.Len() }

// StoreType returns the configured blob store kind.
func (s *RelayService) StoreType() string { return s.cfg.Store.Type }

// ResponseThreshold returns the size above which upstream responses become heavy envelopes.
func (s *RelayService) ResponseThreshold() int64 { return s.threshold }

// Handle dispatches an inbound relay request on its action marker.
// The caller is responsible for closing the response body.
func (s *RelayService) Handle(pr *model.RelayRequest) (*model.RelayResponse, error) {
	raw := pr.Header.Get(protocol.HeaderAction)
	if raw == "" {
		return s.forward(pr, pr.Body, pr.ContentLength, "")
	}

	action, ok := protocol.ParseAction(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	id := pr.Header.Get(protocol.HeaderID)
	if id == "" {
		return nil, ErrMissingID
	}
	if s.metrics != nil {
		s.metrics.ProtocolActions.WithLabelValues(string(action)).Inc()
	}
	s.logger.Debug("protocol action", "action", action, "id", id, "method", pr.Method, "path", pr.Path)

	switch action {
	case protocol.ActionInit:
		return s.reserve(pr, id)
	case protocol.ActionSendSuccess:
		return s.complete(pr, id)
	case protocol.ActionSendError:
		s.discard(pr.Ctx, id)
		return nil, ErrUploadFailed
	case protocol.ActionSendAbort:
		s.discard(pr.Ctx, id)
		return noContent(), nil
	case protocol.ActionDownloadEnd, protocol.ActionDownloadAbort:
		if err := s.store.Delete(pr.Ctx, id); err != nil {
			s.logger.Warn("delete downloaded blob", "id", id, "error", err)
		}
		return noContent(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedAction, action)
}

// AcceptUpload stores the payload of a reserved transfer.
func (s *RelayService) AcceptUpload(ctx context.Context, id string, blob model.Blob) error {
	p, ok := s.pending.Get(id)
	if !ok {
		_ = blob.Body.Close()
		return ErrUnknownTransfer
	}
	body := &countingReader{r: blob.Body}
	blob.Body = body
	if err := s.store.Put(ctx, id, blob); err != nil {
		return fmt.Errorf("store upload %s: %w", id, err)
	}
	if s.metrics != nil {
		s.metrics.BlobBytes.WithLabelValues("in").Add(float64(body.n))
	}
	s.logger.Debug("upload stored", "id", id, "bytes", body.n, "announced", p.Size)
	return nil
}

// OpenBlob returns a stored blob for the download route. The caller closes Body.
func (s *RelayService) OpenBlob(ctx context.Context, id string) (*model.Blob, error) {
	blob, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil && blob.Size > 0 {
		s.metrics.BlobBytes.WithLabelValues("out").Add(float64(blob.Size))
	}
	return blob, nil
}

func (s *RelayService) reserve(pr *model.RelayRequest, id string) (*model.RelayResponse, error) {
	drain(pr.Body)
	loc, err := s.store.UploadURL(pr.Ctx, id)
	if err != nil {
		return nil, fmt.Errorf("upload location: %w", err)
	}
	s.pending.Add(id, pendingUpload{
		Method: pr.Method,
		Path:   pr.Path,
		Size:   pr.Header.Get(protocol.HeaderContentLength),
	})
	return textResponse(http.StatusOK, loc, nil), nil
}

func (s *RelayService) complete(pr *model.RelayRequest, id string) (*model.RelayResponse, error) {
	drain(pr.Body)
	// With a pre-signing store the payload bypasses the relay, so only the reservation is checked.
	if _, ok := s.pending.Get(id); !ok {
		return nil, ErrUnknownTransfer
	}
	blob, err := s.store.Get(pr.Ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load upload %s: %w", id, err)
	}
	defer blob.Body.Close()
	defer s.discard(context.WithoutCancel(pr.Ctx), id)

	return s.forward(pr, blob.Body, blob.Size, blob.ContentType)
}

func (s *RelayService) discard(ctx context.Context, id string) {
	s.pending.Remove(id)
	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Warn("delete upload", "id", id, "error", err)
	}
}

func (s *RelayService) forward(pr *model.RelayRequest, body io.Reader, size int64, contentType string) (*model.RelayResponse, error) {
	header := s.filterRequestHeaders(pr.Header)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead {
		body, size = nil, 0
	}

	s.logger.Debug("forwarding request", "method", pr.Method, "path", pr.Path)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, s.buildUpstreamURL(pr.Path, pr.Query), header, body, size)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	resp.Header = s.filterResponseHeaders(resp.Header)
	return s.maybeHeavy(pr.Ctx, resp)
}

// maybeHeavy replaces a successful response larger than the threshold with an envelope.
func (s *RelayService) maybeHeavy(ctx context.Context, resp *model.RelayResponse) (*model.RelayResponse, error) {
	if s.threshold <= 0 || resp.Body == nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	size := parseLength(resp.Header.Get("Content-Length"))
	if size >= 0 && size <= s.threshold {
		return resp, nil
	}

	var payload io.Reader = resp.Body
	if size < 0 {
		head, err := io.ReadAll(io.LimitReader(resp.Body, s.threshold+1))
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("read upstream response: %w", err)
		}
		if int64(len(head)) <= s.threshold {
			resp.Body = readCloser{bytes.NewReader(head), resp.Body}
			resp.Header.Set("Content-Length", strconv.Itoa(len(head)))
			return resp, nil
		}
		payload = io.MultiReader(bytes.NewReader(head), resp.Body)
	}
	defer resp.Body.Close()

	id := protocol.NewCorrelationID()
	if err := s.store.Put(ctx, id, model.Blob{
		ContentType: resp.Header.Get("Content-Type"),
		Size:        size,
		Body:        io.NopCloser(payload),
	}); err != nil {
		return nil, fmt.Errorf("store heavy response: %w", err)
	}
	loc, err := s.store.DownloadURL(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("download location: %w", err)
	}
	if s.metrics != nil {
		s.metrics.HeavyResponses.Inc()
	}
	s.logger.Debug("heavy response stored", "id", id, "size", size)

	h := make(http.Header)
	h.Set(protocol.HeaderAction, string(protocol.ActionDownload))
	h.Set(protocol.HeaderID, id)
	return textResponse(http.StatusOK, protocol.Envelope{ID: id, Location: loc}.String(), h), nil
}

func (s *RelayService) buildUpstreamURL(path string, query url.Values) string {
	u := *s.baseURL
	u.Path = strings.TrimSuffix(s.baseURL.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *RelayService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if hopHeaders[key] || protocol.IsProtocolHeader(key) {
			continue
		}
		dst[key] = vals
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *RelayService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if (hopHeaders[key] && key != "Content-Length") || protocol.IsProtocolHeader(key) {
			continue
		}
		dst[key] = vals
	}
	return dst
}

func textResponse(status int, text string, h http.Header) *model.RelayResponse {
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(text)))
	return &model.RelayResponse{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(text))}
}

func noContent() *model.RelayResponse {
	return &model.RelayResponse{StatusCode: http.StatusNoContent, Header: make(http.Header)}
}

func drain(r io.ReadCloser) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
	_ = r.Close()
}

func parseLength(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

type readCloser struct {
	io.Reader
	io.Closer
}

type countingReader struct {
	r io.ReadCloser
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Close() error { return c.r.Close() }
