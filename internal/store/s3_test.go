package store

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"heavy-http-go/internal/config"
)

// fakeS3 serves path-style object requests for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/bucket/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = string(data)
		f.types[key] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", f.types[key])
		_, _ = io.WriteString(w, data)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	}
}

func newTestS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("test", "test", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3(client, config.S3StoreConfig{Bucket: "bucket", Prefix: "heavy/"}), fake
}

func TestS3_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3(t)

	putString(t, s, "id1", "payload")
	if got := fake.objects["heavy/id1"]; got != "payload" {
		t.Fatalf("stored object = %q, want %q", got, "payload")
	}

	blob, err := s.Get(ctx, "id1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	data, _ := io.ReadAll(blob.Body)
	_ = blob.Body.Close()
	if string(data) != "payload" || blob.ContentType != "text/plain" {
		t.Errorf("Get() = %q, %q", data, blob.ContentType)
	}

	if err := s.Delete(ctx, "id1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "id1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestS3_PresignedURLs(t *testing.T) {
	s, _ := newTestS3(t)

	up, err := s.UploadURL(context.Background(), "id1")
	if err != nil {
		t.Fatalf("UploadURL() error = %v", err)
	}
	down, err := s.DownloadURL(context.Background(), "id1")
	if err != nil {
		t.Fatalf("DownloadURL() error = %v", err)
	}

	for name, u := range map[string]string{"upload": up, "download": down} {
		if !strings.Contains(u, "/bucket/heavy/id1?") {
			t.Errorf("%s url = %q, want bucket/key path", name, u)
		}
		if !strings.Contains(u, "X-Amz-Signature=") || !strings.Contains(u, "X-Amz-Expires=900") {
			t.Errorf("%s url = %q, want a signed url expiring in 900s", name, u)
		}
	}
}
