package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"heavy-http-go/internal/store"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers from requests and
// adds security headers to responses. Headers are set before the first write so streamed
// relay responses carry them too. Blob responses are never cached.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			blob := strings.HasPrefix(c.Request().URL.Path, store.BlobPath+"/")
			c.Response().Before(func() {
				h := c.Response().Header()
				h.Set("X-Content-Type-Options", "nosniff")
				h.Set("X-Frame-Options", "DENY")
				if blob {
					h.Set("Cache-Control", "no-store")
				}
			})

			return next(c)
		}
	}
}
