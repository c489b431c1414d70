package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	limited := RateLimit(2)(ok)
	codes := []int{}
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/print", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		limited.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	unlimited := RateLimit(0)(ok)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		unlimited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/print", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRequireAdminJSON_NoSession(t *testing.T) {
	auth, err := NewAdminAuth("admin", "1234", "admin", 0)
	assert.NoError(t, err)

	r := chi.NewRouter()
	r.With(requireAdminJSON(auth)).Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Admin login required"}`, rec.Body.String())
}

func TestSecureHeaders(t *testing.T) {
	handler := SecureHeaders(MiddlewareConfig{Logger: discardLogger()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "connect-src 'self' ws: wss:")
}

func TestBaseMiddleware_TrustProxy(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		want       string
	}{
		{name: "direct connection", trustProxy: false, want: "10.1.2.3:5000"},
		{name: "behind trusted proxy", trustProxy: true, want: "10.99.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			r := chi.NewRouter()
			r.Use(BaseMiddleware(MiddlewareConfig{Logger: discardLogger(), TrustProxy: tt.trustProxy})...)
			r.Get("/", func(w http.ResponseWriter, r *http.Request) { seen = r.RemoteAddr })

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.1.2.3:5000"
			req.Header.Set("X-Forwarded-For", "10.99.1.1")
			r.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.want, seen)
		})
	}
}
