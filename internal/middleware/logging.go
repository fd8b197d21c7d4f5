// Package middleware provides Echo middleware for logging, metrics and response hardening.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"heavy-http-go/internal/protocol"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Protocol rounds carry their action and correlation id; server errors log at warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			}
			if action := req.Header.Get(protocol.HeaderAction); action != "" {
				attrs = append(attrs, "heavy_action", action, "heavy_id", req.Header.Get(protocol.HeaderID))
			}
			if res.Header().Get(protocol.HeaderAction) == string(protocol.ActionDownload) {
				attrs = append(attrs, "heavy_response", res.Header().Get(protocol.HeaderID))
			}

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
