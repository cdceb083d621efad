package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// WithMetrics records every request against its matched chi route.
func WithMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			route := routePattern(r)
			if rw.Header().Get(replayedHeader) == "true" {
				metrics.RecordReplay(r.Context(), route)
			}
			metrics.RecordRequest(r.Context(), r.Method, route, rw.statusCode, time.Since(start).Seconds())
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// NewRouter wires the handler and the metrics middleware into a chi router.
func NewRouter(handler *Handler, metrics *Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(WithMetrics(metrics))
	handler.Register(r)
	return r
}
