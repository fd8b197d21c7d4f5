package offload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"heavy-http-go/internal/metrics"
)

func newTestRoundTripper(t *testing.T, threshold int64) *http.Client {
	t.Helper()
	rt, err := NewRoundTripper(nil, Config{Threshold: threshold, NotifyTimeout: 2 * time.Second, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewRoundTripper() error = %v", err)
	}
	return &http.Client{Transport: rt, Timeout: 10 * time.Second}
}

func TestRoundTripper_NegativeThreshold(t *testing.T) {
	if _, err := NewRoundTripper(nil, Config{Threshold: -5}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("NewRoundTripper() error = %v, want ErrConfiguration", err)
	}
}

func TestRoundTripper_Upload(t *testing.T) {
	peer := newTestPeer(t)
	client := newTestRoundTripper(t, 2)

	resp, err := client.Post(peer.url("/api"), "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)

	if got, want := peer.actions(), []string{"init", "send-success"}; !slices.Equal(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	if string(data) != "stored:"+payload {
		t.Errorf("body = %q, want %q", data, "stored:"+payload)
	}
	if ct := peer.callsFor("init")[0].header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("probe Content-Type = %q", ct)
	}
}

func TestRoundTripper_SmallBodyPassesThrough(t *testing.T) {
	peer := newTestPeer(t)
	client := newTestRoundTripper(t, 100)

	resp, err := client.Post(peer.url("/api"), "text/plain", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)

	if got := peer.actions(); len(got) != 0 {
		t.Errorf("actions = %v, want none", got)
	}
	if string(data) != "plain:"+payload {
		t.Errorf("body = %q", data)
	}
}

func TestRoundTripper_ProbeRejected(t *testing.T) {
	peer := newTestPeer(t)
	peer.probeStatus = http.StatusServiceUnavailable
	client := newTestRoundTripper(t, 2)

	_, err := client.Post(peer.url("/api"), "text/plain", strings.NewReader(payload))
	if !errors.Is(err, ErrProbe) {
		t.Fatalf("Post() error = %v, want ErrProbe", err)
	}
	if got, want := peer.actions(), []string{"init", "send-abort"}; !slices.Equal(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestRoundTripper_TransferRejected(t *testing.T) {
	peer := newTestPeer(t)
	peer.putStatus = http.StatusForbidden
	client := newTestRoundTripper(t, 2)

	_, err := client.Post(peer.url("/api"), "text/plain", strings.NewReader(payload))
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindTransfer || oe.Status != http.StatusForbidden {
		t.Fatalf("Post() error = %v, want transfer error with status 403", err)
	}
	if got, want := peer.actions(), []string{"init", "send-abort"}; !slices.Equal(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestRoundTripper_Canceled(t *testing.T) {
	peer := newTestPeer(t)
	peer.blockPut = true
	client := newTestRoundTripper(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, peer.url("/api"), strings.NewReader(payload))
	go func() {
		select {
		case <-peer.started:
		case <-time.After(5 * time.Second):
		}
		cancel()
	}()

	_, err := client.Do(req)
	if !errors.Is(err, ErrAbort) {
		t.Fatalf("Do() error = %v, want ErrAbort", err)
	}
	if got, want := peer.actions(), []string{"init", "send-abort"}; !slices.Equal(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestRoundTripper_HeavyDownload(t *testing.T) {
	peer := newTestPeer(t)
	client := newTestRoundTripper(t, 1000)

	resp, err := client.Get(peer.url("/heavy"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if want := strings.Repeat("payload-", 64); string(data) != want {
		t.Errorf("body = %q, want the secondary body", data)
	}
	waitFor(t, "download-end", func() bool { return len(peer.callsFor("download-end")) == 1 })
	if id := peer.callsFor("download-end")[0].id; id != "id123" {
		t.Errorf("download-end id = %q, want %q", id, "id123")
	}
	time.Sleep(50 * time.Millisecond)
	if got := peer.callsFor("download-abort"); len(got) != 0 {
		t.Errorf("download-abort sent %d times, want 0", len(got))
	}
}

func TestRoundTripper_HeavyDownloadClosedEarly(t *testing.T) {
	peer := newTestPeer(t)
	client := newTestRoundTripper(t, 1000)

	resp, err := client.Get(peer.url("/heavy"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_ = resp.Body.Close()

	waitFor(t, "download-abort", func() bool { return len(peer.callsFor("download-abort")) == 1 })
	if got := peer.callsFor("download-end"); len(got) != 0 {
		t.Errorf("download-end sent %d times, want 0", len(got))
	}
}

func TestRoundTripper_HeavyDownloadMissingBlob(t *testing.T) {
	peer := newTestPeer(t)
	client := newTestRoundTripper(t, 1000)

	resp, err := client.Get(peer.url("/heavy-missing"))
	if err == nil {
		_ = resp.Body.Close()
		t.Fatal("Get() expected an error for a missing secondary body")
	}
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindTransfer || oe.Status != http.StatusNotFound {
		t.Fatalf("Get() error = %v, want a transfer error with status 404", err)
	}
	if got := peer.callsFor("download-abort"); len(got) != 1 || got[0].id != "id789" {
		t.Errorf("download-abort calls = %+v, want one for id789", got)
	}
	if got := peer.callsFor("download-end"); len(got) != 0 {
		t.Errorf("download-end sent %d times, want 0", len(got))
	}
}

func TestRoundTripper_MalformedHeavyDeliveredAsIs(t *testing.T) {
	peer := newTestPeer(t)
	client := newTestRoundTripper(t, 1000)

	resp, err := client.Get(peer.url("/fake-heavy"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "not an envelope" {
		t.Errorf("body = %q", data)
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRoundTripper_RecordsMetrics(t *testing.T) {
	peer := newTestPeer(t)
	om := metrics.NewOffload(prometheus.NewRegistry())
	rt, err := NewRoundTripper(nil, Config{Threshold: 2, NotifyTimeout: 2 * time.Second, Logger: discardLogger(), Metrics: om})
	if err != nil {
		t.Fatalf("NewRoundTripper() error = %v", err)
	}
	client := &http.Client{Transport: rt, Timeout: 10 * time.Second}

	resp, err := client.Post(peer.url("/api"), "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	tests := []struct {
		vec    *prometheus.CounterVec
		labels []string
		want   float64
	}{
		{om.Actions, []string{directionUpload, "init"}, 1},
		{om.Actions, []string{directionUpload, "send-success"}, 1},
		{om.Actions, []string{directionUpload, "send-abort"}, 0},
		{om.Transfers, []string{directionUpload, "success"}, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, tt.vec, tt.labels...); got != tt.want {
			t.Errorf("%v = %v, want %v", tt.labels, got, tt.want)
		}
	}
}
