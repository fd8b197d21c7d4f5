package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"heavy-http-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := statusOf(c, err)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// statusOf resolves the code the client sees. A returned error has not been written yet:
// echo's error handler renders it after the middleware chain.
func statusOf(c echo.Context, err error) string {
	if err == nil || c.Response().Committed {
		return strconv.Itoa(c.Response().Status)
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return strconv.Itoa(he.Code)
	}
	return strconv.Itoa(http.StatusInternalServerError)
}
