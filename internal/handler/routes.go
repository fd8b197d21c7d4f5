package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heavy-http-go/internal/config"
	"heavy-http-go/internal/metrics"
	"heavy-http-go/internal/store"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Everything not owned by the relay itself is relayed upstream.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, relay *RelayHandler, blobs *BlobHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.PUT(store.BlobPath+"/:id", blobs.Put)
	e.GET(store.BlobPath+"/:id", blobs.Get)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", relay.Handle)
}
