package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const defaultRequestTimeout = 30 * time.Second

// NewRouter assembles the HTTP surface. The websocket feed, /healthz and /metrics sit
// outside the timeout, compression and session layers.
func NewRouter(cfg MiddlewareConfig, apiHandler *HTTPHandler, web *WebHandler, hub *EventHub, health http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(BaseMiddleware(cfg)...)

	if health != nil {
		r.Method(http.MethodGet, "/healthz", health)
	}
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	if hub != nil {
		r.Get("/api/events", hub.ServeHTTP)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	csrf := CSRFMiddleware(cfg)
	printLimit := RateLimit(cfg.PrintPerMinute)
	loginLimit := RateLimit(cfg.LoginPerMinute)

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.Timeout(timeout),
			SecureHeaders(cfg),
			middleware.Compress(5),
			SessionMiddleware(cfg),
		)
		if apiHandler != nil {
			apiHandler.RegisterRoutes(r, csrf, printLimit)
		}
		if web != nil {
			web.RegisterRoutes(r, csrf, printLimit, loginLimit)
		}
	})
	return r
}
