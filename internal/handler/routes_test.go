package handler

import (
	"net/http"
	"strings"
	"testing"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	s := newRelayStack(t, 0)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET relayed", http.MethodGet, "/api/v1/things?q=1", http.StatusOK},
		{"POST relayed", http.MethodPost, "/api/v1/things", http.StatusOK},
		{"DELETE relayed", http.MethodDelete, "/anything/at/all", http.StatusOK},
		{"GET missing blob", http.MethodGet, "/_heavy/blobs/nope", http.StatusNotFound},
		{"PUT unreserved blob", http.MethodPut, "/_heavy/blobs/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := s.do(t, tt.method, tt.path, "", nil)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsExposeRelayCounters(t *testing.T) {
	s := newRelayStack(t, 0)
	s.do(t, http.MethodPost, "/api", "", http.Header{
		"X-Http-Heavy-Action": {"send-abort"},
		"X-Heavy-Http-Id":     {"m1"},
	})

	_, body := s.do(t, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(body, `heavy_http_relay_protocol_actions_total{action="send-abort"} 1`) {
		t.Errorf("metrics output missing send-abort counter:\n%s", body)
	}
}
