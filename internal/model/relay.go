// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// RelayRequest is an inbound request to be handled by the relay.
type RelayRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	Query         url.Values
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// RelayResponse is the response written back to the client. Body may be nil.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Blob is an offloaded payload read from the blob store.
type Blob struct {
	ContentType string
	// Size is the byte length, or -1 when unknown.
	Size int64
	Body io.ReadCloser
}
