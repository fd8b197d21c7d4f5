package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"heavy-http-go/internal/protocol"
	"heavy-http-go/internal/store"
)

// RateLimiter returns a per-IP rate limiter for the relay. Only rounds that start new work are
// counted: a closing protocol action or a blob transfer belongs to an admitted transfer, and
// rejecting it would leave the reservation stranded on the peer.
func RateLimiter(rps float64) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: continuesTransfer,
		Store:   echomw.NewRateLimiterMemoryStore(rate.Limit(rps)),
	})
}

func continuesTransfer(c echo.Context) bool {
	req := c.Request()
	if strings.HasPrefix(req.URL.Path, store.BlobPath+"/") {
		return true
	}
	a, ok := protocol.ParseAction(req.Header.Get(protocol.HeaderAction))
	return ok && a.Terminal()
}
