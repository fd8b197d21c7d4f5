package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"heavy-http-go/internal/model"
	"heavy-http-go/internal/service"
)

// BlobHandler serves the transfer-round uploads and heavy-response downloads of the memory store.
type BlobHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewBlobHandler creates a BlobHandler.
func NewBlobHandler(svc *service.RelayService, logger *slog.Logger) *BlobHandler {
	return &BlobHandler{
		service: svc,
		logger:  logger.With("component", "blob_handler"),
	}
}

// Put stores the request body under a reserved id.
func (h *BlobHandler) Put(c echo.Context) error {
	req := c.Request()
	id := c.Param("id")

	err := h.service.AcceptUpload(req.Context(), id, model.Blob{
		ContentType: req.Header.Get("Content-Type"),
		Size:        req.ContentLength,
		Body:        req.Body,
	})
	if err != nil {
		h.logger.Warn("blob upload rejected", "id", id, "err", sanitizeError(err))
		return writeError(c, err)
	}
	return c.NoContent(http.StatusCreated)
}

// Get streams a stored blob.
func (h *BlobHandler) Get(c echo.Context) error {
	id := c.Param("id")

	blob, err := h.service.OpenBlob(c.Request().Context(), id)
	if err != nil {
		h.logger.Warn("blob download failed", "id", id, "err", sanitizeError(err))
		return writeError(c, err)
	}
	defer func() { _ = blob.Body.Close() }()

	contentType := blob.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	if blob.Size >= 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(blob.Size, 10))
	}
	return c.Stream(http.StatusOK, contentType, blob.Body)
}
