package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"heavy-http-go/internal/metrics"
)

// requestSample returns the heavy_http_relay_requests_total series for path, or nil.
func requestSample(t *testing.T, m *metrics.Metrics, path string) (*dto.Metric, map[string]string) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "heavy_http_relay_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["path_prefix"] == path {
				return metric, labels
			}
		}
	}
	return nil, nil
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.PUT("/_heavy/blobs/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})

	if rec := serve(e, http.MethodPut, "/_heavy/blobs/abc"); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	metric, labels := requestSample(t, m, "/_heavy/blobs")
	if metric == nil {
		t.Fatal("expected heavy_http_relay_requests_total with path_prefix=/_heavy/blobs")
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
	if labels["status_code"] != "201" {
		t.Errorf("status_code = %q, want %q", labels["status_code"], "201")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/healthz")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "heavy_http_relay_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected heavy_http_relay_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"http error", echo.NewHTTPError(http.StatusNotFound, "not found"), "404"},
		{"plain error", errors.New("boom"), "500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.GET("/api/test", func(c echo.Context) error { return tt.err })

			serve(e, http.MethodGet, "/api/test")

			_, labels := requestSample(t, m, "relay")
			if labels == nil {
				t.Fatal("expected heavy_http_relay_requests_total with path_prefix=relay")
			}
			if labels["status_code"] != tt.want {
				t.Errorf("status_code = %q, want %q", labels["status_code"], tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, "XYZZY", "/api/test")

	_, labels := requestSample(t, m, "relay")
	if labels == nil {
		t.Fatal("expected heavy_http_relay_requests_total with path_prefix=relay")
	}
	if labels["method"] != "other" {
		t.Errorf("method = %q, want %q", labels["method"], "other")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	if rec := serve(e, http.MethodGet, "/nonexistent"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	_, labels := requestSample(t, m, "relay")
	if labels == nil {
		t.Fatal("expected heavy_http_relay_requests_total with path_prefix=relay")
	}
	if labels["method"] != "GET" || labels["status_code"] != "404" {
		t.Errorf("labels = %v, want method=GET status_code=404", labels)
	}
}
