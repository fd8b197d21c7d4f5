package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"heavy-http-go/internal/config"
	"heavy-http-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	relay   *service.RelayService
	version Version
}

// NewHealthHandler creates a HealthHandler. relay may be nil.
func NewHealthHandler(cfg *config.Config, relay *service.RelayService, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, relay: relay, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]any{
		"status":                   "ok",
		"version":                  string(h.version),
		"upstream_url":             h.cfg.Upstream.BaseURL,
		"store":                    h.cfg.Store.Type,
		"response_threshold_bytes": h.cfg.Server.ResponseThresholdBytes,
	}
	if h.relay != nil {
		body["pending_uploads"] = h.relay.Pending()
	}
	return c.JSON(http.StatusOK, body)
}
