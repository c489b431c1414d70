// Package observability exposes Prometheus metrics for the HTTP surface and the printer transport.
package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus metrics on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sendsTotal      *prometheus.CounterVec
	sendDuration    *prometheus.HistogramVec
	labelsTotal     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labelprint_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labelprint_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	sends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labelprint_printer_sends_total",
		Help: "Payloads written to printers by result.",
	}, []string{"result"})
	sendDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labelprint_printer_send_duration_seconds",
		Help:    "Time spent connecting and writing to a printer.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
	}, []string{"result"})
	labels := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labelprint_labels_total",
		Help: "Print requests by label kind, action and status.",
	}, []string{"kind", "action", "status"})
	registry.MustRegister(requests, duration, sends, sendDuration, labels)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		sendsTotal:      sends,
		sendDuration:    sendDuration,
		labelsTotal:     labels,
	}
}

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records a counter and a duration for every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveSend implements printer.Observer.
func (m *Metrics) ObserveSend(ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.sendsTotal.WithLabelValues(result).Inc()
	m.sendDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveLabel counts a finished print or load request.
func (m *Metrics) ObserveLabel(kind, action, status string) {
	if m == nil {
		return
	}
	m.labelsTotal.WithLabelValues(kind, action, status).Inc()
}

// Registerer exposes the registry for collectors owned by other packages.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observability: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
