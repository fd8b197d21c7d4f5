package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"heavy-http-go/internal/model"
	"heavy-http-go/internal/service"
	"heavy-http-go/internal/store"
)

// signaturePattern matches pre-signed URL secrets embedded in error messages.
var signaturePattern = regexp.MustCompile(`(?i)(X-Amz-Signature=|X-Amz-Credential=|X-Amz-Security-Token=)[^&\s"]+`)

// RelayHandler serves the catch-all relay route.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle runs the request through the relay service and streams the response back.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		Query:         req.URL.Query(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Handle(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	return h.write(c, resp)
}

func (h *RelayHandler) write(c echo.Context, resp *model.RelayResponse) error {
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	// The status is already on the wire; a failed copy leaves a truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)
	return writeError(c, err)
}

func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingID),
		errors.Is(err, service.ErrUnknownAction),
		errors.Is(err, service.ErrUnexpectedAction):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownTransfer), errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown or expired transfer"})
	case errors.Is(err, service.ErrUploadFailed):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "upload failed on the client side"})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "upstream request timed out"})
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "client disconnected"})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream host unreachable"})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream connection failed"})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
}

// sanitizeError redacts pre-signed URL secrets from error messages.
func sanitizeError(err error) string {
	return signaturePattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
