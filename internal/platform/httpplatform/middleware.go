// Package httpplatform holds HTTP middlewares of the diagnostics endpoint.
package httpplatform

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dmksnnk/lobby/internal/metrics"
)

type Middleware = func(http.Handler) http.Handler

func LogRequests(logger *slog.Logger) Middleware {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			handler.ServeHTTP(sw, r)

			logger.LogAttrs(r.Context(), slog.LevelDebug, "request",
				slog.Group("request",
					slog.String("method", r.Method),
					slog.String("remote", r.RemoteAddr),
					slog.String("path", r.URL.Path),
					slog.Int("status", sw.status),
					slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				),
			)
		})
	}
}

// AllowMethods responds with 405 to requests of other methods.
func AllowMethods(methods ...string) Middleware {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(methods, r.Method) {
				w.Header().Set("Allow", strings.Join(methods, ", "))
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}

			handler.ServeHTTP(w, r)
		})
	}
}

// CountRequests counts served requests by status class.
func CountRequests() Middleware {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			handler.ServeHTTP(sw, r)
			metrics.HTTPRequests.WithLabelValues(statusClass(sw.status)).Inc()
		})
	}
}

// Wrap handler with middlewares.
func Wrap(handler http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		if mw != nil {
			handler = mw(handler)
		}
	}

	return handler
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
