package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"heavy-http-go/internal/body"
	"heavy-http-go/internal/client"
	"heavy-http-go/internal/config"
	"heavy-http-go/internal/event"
	"heavy-http-go/internal/metrics"
	"heavy-http-go/internal/offload"
	"heavy-http-go/internal/transport"
)

// requestFlags are shared by the send and fetch commands.
type requestFlags struct {
	URL     string        `arg:"" help:"Target URL."`
	Method  string        `short:"X" default:"POST" help:"HTTP method."`
	Data    string        `short:"d" help:"Request body text." xor:"body"`
	File    string        `short:"f" type:"existingfile" help:"Read the request body from a file." xor:"body"`
	Header  []string      `short:"H" help:"Extra request header as 'Key: Value'."`
	Timeout time.Duration `help:"Request timeout (overrides client.timeout_seconds)."`
}

func (f *requestFlags) headers() (http.Header, error) {
	h := make(http.Header)
	for _, raw := range f.Header {
		key, value, err := parseHeader(raw)
		if err != nil {
			return nil, err
		}
		h.Add(key, value)
	}
	return h, nil
}

func (f *requestFlags) timeout(cfg *config.Config) time.Duration {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return cfg.Client.Timeout()
}

func parseHeader(raw string) (string, string, error) {
	key, value, ok := strings.Cut(raw, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid header %q: want 'Key: Value'", raw)
	}
	return key, strings.TrimSpace(value), nil
}

// openFile returns the file as a sized blob body. The caller closes the file.
func openFile(path string) (*os.File, *body.Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, &body.Blob{Type: mime.TypeByExtension(filepath.Ext(path)), Size: st.Size(), R: f}, nil
}

// logOffloadMetrics writes the non-zero client counters at debug level.
func logOffloadMetrics(logger *slog.Logger, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		return
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if v := m.GetCounter().GetValue(); v > 0 {
				attrs := []any{"metric", f.GetName(), "value", v}
				for _, l := range m.GetLabel() {
					attrs = append(attrs, l.GetName(), l.GetValue())
				}
				logger.Debug("offload counter", attrs...)
			}
		}
	}
}

func loadClientConfig(cli *config.CLI) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cli)
	if err != nil {
		return nil, nil, err
	}
	return cfg, buildLogger(cfg, os.Stderr), nil
}

type sendCmd struct {
	requestFlags
}

// Run drives one request object through its event lifecycle and prints the response body.
func (s *sendCmd) Run(cli *config.CLI) error {
	cfg, logger, err := loadClientConfig(cli)
	if err != nil {
		return err
	}
	header, err := s.headers()
	if err != nil {
		return err
	}

	loop := transport.NewLoop(logger)
	defer loop.Close()
	host := transport.NewHost(&http.Client{Transport: client.NewTransport(cfg.Upstream.IdleConnections)}, loop, logger)
	reg := prometheus.NewRegistry()
	defer logOffloadMetrics(logger, reg)
	oc, err := offload.New(host, offload.Config{
		Threshold:     cfg.Client.ThresholdBytes,
		NotifyTimeout: cfg.Client.NotifyTimeout(),
		Logger:        logger,
		Metrics:       metrics.NewOffload(reg),
	})
	if err != nil {
		return err
	}

	var payload any
	switch {
	case s.File != "":
		f, blob, err := openFile(s.File)
		if err != nil {
			return err
		}
		defer f.Close()
		payload = blob
	case s.Data != "":
		payload = s.Data
	}
	b, err := body.From(payload)
	if err != nil {
		return err
	}

	r := oc.NewRequest()
	if err := r.Open(s.Method, s.URL); err != nil {
		return err
	}
	for key, vals := range header {
		for _, v := range vals {
			if err := r.SetRequestHeader(key, v); err != nil {
				return err
			}
		}
	}
	r.SetTimeout(s.timeout(cfg))

	done := make(chan struct{})
	var outcome event.Type
	for _, typ := range []event.Type{event.Load, event.Error, event.Abort, event.Timeout} {
		r.AddEventListener(typ, event.NewListener(func(e *event.Event) { outcome = e.Type }))
	}
	r.AddEventListener(event.LoadEnd, event.NewListener(func(*event.Event) { close(done) }))
	r.Upload().AddEventListener(event.Progress, event.NewListener(func(e *event.Event) {
		logger.Debug("upload progress", "loaded", e.Loaded, "total", e.Total)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := r.Send(b); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		r.Abort()
		<-done
	}

	// outcome is written on the loop before loadend closes done.
	if outcome != event.Load {
		return fmt.Errorf("request ended with %s", outcome)
	}
	fmt.Fprintf(os.Stderr, "%d %s\n", r.Status(), r.StatusText())
	_, err = os.Stdout.Write(r.Response())
	return err
}

// retryable reports whether an offload failure is worth repeating unchanged: the network or the
// clock failed, not the peer's answer.
func retryable(err error) bool {
	return errors.Is(err, offload.ErrNetwork) || errors.Is(err, offload.ErrTimeout)
}

type fetchCmd struct {
	requestFlags
}

// Run sends the request through a net/http client whose transport offloads large bodies.
func (f *fetchCmd) Run(cli *config.CLI) error {
	cfg, logger, err := loadClientConfig(cli)
	if err != nil {
		return err
	}
	header, err := f.headers()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	defer logOffloadMetrics(logger, reg)
	rt, err := offload.NewRoundTripper(client.NewTransport(cfg.Upstream.IdleConnections), offload.Config{
		Threshold:     cfg.Client.ThresholdBytes,
		NotifyTimeout: cfg.Client.NotifyTimeout(),
		Logger:        logger,
		Metrics:       metrics.NewOffload(reg),
	})
	if err != nil {
		return err
	}
	hc := &http.Client{Transport: rt, Timeout: f.timeout(cfg)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		reqBody io.Reader
		size    int64
	)
	switch {
	case f.File != "":
		file, blob, err := openFile(f.File)
		if err != nil {
			return err
		}
		defer file.Close()
		reqBody, size = file, blob.Size
		if header.Get("Content-Type") == "" && blob.Type != "" {
			header.Set("Content-Type", blob.Type)
		}
	case f.Data != "":
		reqBody, size = strings.NewReader(f.Data), int64(len(f.Data))
	}

	req, err := http.NewRequestWithContext(ctx, f.Method, f.URL, reqBody)
	if err != nil {
		return err
	}
	req.Header = header
	if reqBody != nil {
		req.ContentLength = size
	}

	resp, err := hc.Do(req)
	if err != nil {
		var oe *offload.Error
		if errors.As(err, &oe) {
			logger.Error("offload failed", "kind", oe.Kind, "op", oe.Op, "status", oe.Status, "retryable", retryable(err))
		}
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintf(os.Stderr, "%s\n", resp.Status)
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
