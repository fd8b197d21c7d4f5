package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"heavy-http-go/internal/model"
)

type memBlob struct {
	contentType string
	data        []byte
}

// Memory keeps blobs in an expiring LRU and serves them through the relay's blob routes.
type Memory struct {
	baseURL string
	blobs   *expirable.LRU[string, memBlob]
}

// NewMemory returns a store holding at most size blobs for ttl each. Locations are built under
// publicURL + BlobPath.
func NewMemory(publicURL string, size int, ttl time.Duration) *Memory {
	return &Memory{
		baseURL: publicURL + BlobPath + "/",
		blobs:   expirable.NewLRU[string, memBlob](size, nil, ttl),
	}
}

func (m *Memory) location(id string) string {
	return m.baseURL + url.PathEscape(id)
}

// UploadURL implements Store.
func (m *Memory) UploadURL(_ context.Context, id string) (string, error) {
	return m.location(id), nil
}

// DownloadURL implements Store.
func (m *Memory) DownloadURL(_ context.Context, id string) (string, error) {
	return m.location(id), nil
}

// Put implements Store. The body is read fully and closed.
func (m *Memory) Put(_ context.Context, id string, blob model.Blob) error {
	defer func() { _ = blob.Body.Close() }()
	data, err := io.ReadAll(blob.Body)
	if err != nil {
		return fmt.Errorf("store: read blob %s: %w", id, err)
	}
	m.blobs.Add(id, memBlob{contentType: blob.ContentType, data: data})
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*model.Blob, error) {
	b, ok := m.blobs.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &model.Blob{
		ContentType: b.contentType,
		Size:        int64(len(b.data)),
		Body:        io.NopCloser(bytes.NewReader(b.data)),
	}, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.blobs.Remove(id)
	return nil
}

// Len returns the number of live blobs.
func (m *Memory) Len() int { return m.blobs.Len() }
