package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"heavy-http-go/internal/client"
	"heavy-http-go/internal/config"
	"heavy-http-go/internal/metrics"
	"heavy-http-go/internal/service"
	"heavy-http-go/internal/store"
)

// relayStack is a relay served by httptest in front of an echoing upstream.
type relayStack struct {
	srv     *httptest.Server
	cfg     *config.Config
	store   *store.Memory
	service *service.RelayService
	metrics *metrics.Metrics
}

func newRelayStack(t *testing.T, responseThreshold int64) *relayStack {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("echo:" + r.Method + ":" + string(data)))
	}))
	t.Cleanup(upstream.Close)

	// The public URL is needed before the handler exists.
	srv := httptest.NewUnstartedServer(nil)
	t.Cleanup(srv.Close)
	publicURL := "http://" + srv.Listener.Addr().String()

	cfg := &config.Config{
		Server: config.ServerConfig{PublicURL: publicURL, ResponseThresholdBytes: responseThreshold},
		Upstream: config.UpstreamConfig{
			BaseURL:         upstream.URL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Store:   config.StoreConfig{Type: "memory", TTLSeconds: 60, MaxEntries: 16},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	st := store.NewMemory(cfg.Server.PublicURL, cfg.Store.MaxEntries, cfg.Store.TTL())
	svc, err := service.NewRelayService(client.NewUpstreamClient(cfg, logger, m), st, cfg, logger, m)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}

	e := echo.New()
	RegisterRoutes(e, cfg, m,
		NewRelayHandler(svc, logger),
		NewBlobHandler(svc, logger),
		NewHealthHandler(cfg, svc, "test"),
	)
	srv.Config.Handler = e
	srv.Start()

	return &relayStack{srv: srv, cfg: cfg, store: st, service: svc, metrics: m}
}

func (s *relayStack) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	target := path
	if !strings.HasPrefix(path, "http") {
		target = s.srv.URL + path
	}
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}
