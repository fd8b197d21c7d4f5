// Package offload transparently moves large HTTP request and response bodies out of band: an
// upload above the threshold is announced, transferred to a secondary location and finalized;
// a response carrying a heavy envelope is fetched from its secondary location. Callers keep
// using the ordinary event-driven request API.
package offload

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"heavy-http-go/internal/metrics"
	"heavy-http-go/internal/protocol"
	"heavy-http-go/internal/transport"
)

// DefaultNotifyTimeout bounds the best-effort abort and download notifications.
const DefaultNotifyTimeout = 10 * time.Second

// Config configures the offload client.
type Config struct {
	// Threshold is the estimated body size in bytes above which uploads are offloaded.
	Threshold int64
	// NotifyTimeout bounds send-abort, download-end and download-abort notifications.
	NotifyTimeout time.Duration
	// Transferer performs the out-of-band transfer. Defaults to a PutTransferer on the host.
	Transferer Transferer
	Logger     *slog.Logger
	Metrics    *metrics.Offload
}

// Client wraps a host transport and returns request objects that offload large bodies.
type Client struct {
	host       transport.Factory
	threshold  int64
	notifyTO   time.Duration
	transferer Transferer
	logger     *slog.Logger
	metrics    *metrics.Offload
}

// New validates cfg and returns a client on top of host.
func New(host transport.Factory, cfg Config) (*Client, error) {
	if host == nil {
		return nil, &Error{Kind: KindConfiguration, Op: "init", Err: fmt.Errorf("nil host transport")}
	}
	if cfg.Threshold < 0 {
		return nil, &Error{Kind: KindConfiguration, Op: "init", Err: fmt.Errorf("threshold must be >= 0, got %d", cfg.Threshold)}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transferer == nil {
		cfg.Transferer = &PutTransferer{Factory: host}
	}

	return &Client{
		host:       host,
		threshold:  cfg.Threshold,
		notifyTO:   cfg.NotifyTimeout,
		transferer: cfg.Transferer,
		logger:     cfg.Logger.With("component", "offload"),
		metrics:    cfg.Metrics,
	}, nil
}

// Threshold returns the configured offload threshold in bytes.
func (c *Client) Threshold() int64 { return c.threshold }

// NewRequest returns an unopened request object. It satisfies transport.Factory, so a Client
// can itself serve as the host of another component.
func (c *Client) NewRequest() transport.Request {
	return newRequest(c)
}

// notify sends a body-less action request to the original endpoint and waits for it within the
// notify timeout. Failures are logged and otherwise ignored.
func (c *Client) notify(direction string, rc requestContext, id string, action protocol.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), c.notifyTO)
	defer cancel()

	logger := c.logger.With("id", id, "action", action, "url", redact(rc.url))
	c.metrics.ObserveAction(direction, action.String())

	r := c.host.NewRequest()
	if err := r.Open(rc.method, rc.url, rc.openOptions()...); err != nil {
		logger.Warn("notification not sent", "err", err)
		return
	}
	if err := rc.applyHeaders(r); err != nil {
		logger.Warn("notification not sent", "err", err)
		return
	}
	_ = r.SetRequestHeader(protocol.HeaderID, id)
	_ = r.SetRequestHeader(protocol.HeaderAction, action.String())

	o, err := transport.Do(ctx, r, nil)
	switch {
	case err != nil:
		logger.Warn("notification failed", "err", err)
	case o != transport.OutcomeLoad:
		logger.Warn("notification failed", "outcome", o)
	case !transport.IsSuccess(r.Status()):
		logger.Warn("notification rejected", "status", r.Status())
	default:
		logger.Debug("notification delivered", "status", r.Status())
	}
}

// resolveLocation resolves a location returned by the peer against the original request URL.
func resolveLocation(base, loc string) (string, error) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", fmt.Errorf("empty location")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
