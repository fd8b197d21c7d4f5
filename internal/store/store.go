// Package store holds offloaded payloads between the transfer and finalize rounds of an upload,
// and heavy upstream responses until the client fetches them.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"heavy-http-go/internal/config"
	"heavy-http-go/internal/model"
)

// ErrNotFound is returned when no blob exists under an id.
var ErrNotFound = errors.New("store: blob not found")

// Store keeps blobs keyed by correlation id.
type Store interface {
	// UploadURL returns the location a client sends the body of upload id to.
	UploadURL(ctx context.Context, id string) (string, error)
	// DownloadURL returns the location a client fetches blob id from.
	DownloadURL(ctx context.Context, id string) (string, error)
	Put(ctx context.Context, id string, blob model.Blob) error
	// Get returns the blob. The caller closes Body.
	Get(ctx context.Context, id string) (*model.Blob, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, id string) error
}

// BlobPath is the relay route prefix serving blobs of the memory store.
const BlobPath = "/_heavy/blobs"

// New builds the store selected by cfg.Store.Type.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Store.Type {
	case "s3":
		s, err := NewS3FromConfig(ctx, cfg.Store.S3)
		if err != nil {
			return nil, err
		}
		logger.Info("using s3 blob store", "bucket", cfg.Store.S3.Bucket, "prefix", cfg.Store.S3.Prefix)
		return s, nil
	case "memory", "":
		logger.Info("using memory blob store", "max_entries", cfg.Store.MaxEntries, "ttl", cfg.Store.TTL())
		return NewMemory(cfg.Server.PublicURL, cfg.Store.MaxEntries, cfg.Store.TTL()), nil
	}
	return nil, fmt.Errorf("store: unknown type %q", cfg.Store.Type)
}
