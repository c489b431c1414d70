package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/print")
	req := httptest.NewRequest(http.MethodPost, "/api/print", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	assert.Contains(t, body, `labelprint_http_requests_total{code="418",route="/api/print"} 1`)
	assert.Contains(t, body, `labelprint_http_request_duration_seconds_bucket{route="/api/print"`)
}

func TestMetricsObserveSendAndLabel(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveSend(true, 10*time.Millisecond)
	metrics.ObserveSend(false, time.Second)
	metrics.ObserveSend(false, time.Second)
	metrics.ObserveLabel("flower", "print", "ok")

	body := scrape(t, metrics)
	assert.Contains(t, body, `labelprint_printer_sends_total{result="ok"} 1`)
	assert.Contains(t, body, `labelprint_printer_sends_total{result="failed"} 2`)
	assert.Contains(t, body, `labelprint_labels_total{action="print",kind="flower",status="ok"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveSend(true, time.Millisecond)
	m.ObserveLabel("flower", "print", "ok")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rr := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
