package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"heavy-http-go/internal/model"
)

func putString(t *testing.T, s Store, id, data string) {
	t.Helper()
	err := s.Put(context.Background(), id, model.Blob{
		ContentType: "text/plain",
		Size:        int64(len(data)),
		Body:        io.NopCloser(strings.NewReader(data)),
	})
	if err != nil {
		t.Fatalf("Put(%q) error = %v", id, err)
	}
}

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("http://relay.local", 10, time.Minute)

	putString(t, m, "abc", "hello")

	blob, err := m.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	data, _ := io.ReadAll(blob.Body)
	if string(data) != "hello" || blob.ContentType != "text/plain" || blob.Size != 5 {
		t.Errorf("Get() = %q, %q, %d", data, blob.ContentType, blob.Size)
	}

	if err := m.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Get(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v, want nil", err)
	}
}

func TestMemory_URLs(t *testing.T) {
	m := NewMemory("http://relay.local", 10, time.Minute)

	up, _ := m.UploadURL(context.Background(), "a b")
	down, _ := m.DownloadURL(context.Background(), "id1")

	if want := "http://relay.local/_heavy/blobs/a%20b"; up != want {
		t.Errorf("UploadURL() = %q, want %q", up, want)
	}
	if want := "http://relay.local/_heavy/blobs/id1"; down != want {
		t.Errorf("DownloadURL() = %q, want %q", down, want)
	}
}

func TestMemory_Expires(t *testing.T) {
	m := NewMemory("http://relay.local", 10, 50*time.Millisecond)
	putString(t, m, "short", "x")

	time.Sleep(150 * time.Millisecond)
	if _, err := m.Get(context.Background(), "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after ttl error = %v, want ErrNotFound", err)
	}
}

func TestMemory_EvictsOldest(t *testing.T) {
	m := NewMemory("http://relay.local", 2, time.Minute)
	putString(t, m, "1", "a")
	putString(t, m, "2", "b")
	putString(t, m, "3", "c")

	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
	if _, err := m.Get(context.Background(), "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(oldest) error = %v, want ErrNotFound", err)
	}
}
