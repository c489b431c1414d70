package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"label-print-service/internal/observability"
	"label-print-service/internal/session"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger         *slog.Logger
	Production     bool
	RequestTimeout time.Duration
	Sessions       *session.Manager
	CSRF           *session.CSRFManager
	Metrics        *observability.Metrics
	PrintPerMinute int
	LoginPerMinute int
	// TrustProxy applies X-Forwarded-For / X-Real-IP. Stores are resolved by client
	// address, so it is only safe behind a proxy that overwrites those headers.
	TrustProxy bool
}

type responseWriterWithCommit struct {
	http.ResponseWriter
	sess          *session.Session
	manager       *session.Manager
	ctx           context.Context
	logger        *slog.Logger
	headerWritten bool
}

func (w *responseWriterWithCommit) commit() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true
	if err := w.manager.Commit(w.ctx, w.ResponseWriter, w.sess); err != nil {
		w.logger.Error("failed to commit session", slog.Any("error", err))
	}
}

func (w *responseWriterWithCommit) WriteHeader(statusCode int) {
	w.commit()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWithCommit) Write(data []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(data)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *responseWriterWithCommit) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	w.headerWritten = true
	return h.Hijack()
}

func (w *responseWriterWithCommit) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// SessionMiddleware loads the session into the request context and commits it when the
// response header is written.
func SessionMiddleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sess, err := cfg.Sessions.Load(ctx, r)
			if err != nil {
				cfg.Logger.Error("failed to load session", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			ctx = session.NewContext(ctx, sess)

			wrapped := &responseWriterWithCommit{
				ResponseWriter: w,
				sess:           sess,
				manager:        cfg.Sessions,
				ctx:            ctx,
				logger:         cfg.Logger,
			}
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			wrapped.commit()
		})
	}
}

// CSRFMiddleware rejects unsafe requests whose token does not match the session.
// JSON clients send the token in the X-CSRF-Token header.
func CSRFMiddleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			sess := session.FromContext(r.Context())
			token := r.Header.Get(session.CSRFHeader)
			if token == "" {
				token = r.PostFormValue(session.CSRFFormField)
			}
			if err := cfg.CSRF.VerifyToken(sess, token); err != nil {
				cfg.Logger.Warn("csrf validation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders sets the standard security headers.
func SecureHeaders(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; connect-src 'self' ws: wss:",
		SSLRedirect:           cfg.Production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := secureMiddleware.Process(w, r); err != nil {
				cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS allows browser frontends served from another port to call the JSON API.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+session.CSRFHeader)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit limits requests per client address; perMinute <= 0 disables it.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(perMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
}

// requireAdminPage redirects to the login page when the session is not an admin.
func requireAdminPage(auth *AdminAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.IsAdmin(session.FromContext(r.Context())) {
				http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.Path), http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAdminJSON answers 401 when the session is not an admin.
func requireAdminJSON(auth *AdminAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.IsAdmin(session.FromContext(r.Context())) {
				respondWithError(w, http.StatusUnauthorized, "Admin login required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BaseMiddleware is applied to every route, including the websocket feed.
func BaseMiddleware(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	mws := []func(http.Handler) http.Handler{middleware.RequestID}
	if cfg.TrustProxy {
		mws = append(mws, middleware.RealIP)
	}
	mws = append(mws, middleware.Logger, middleware.Recoverer)
	if cfg.Metrics != nil {
		mws = append(mws, cfg.Metrics.Middleware)
	}
	return mws
}
