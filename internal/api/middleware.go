package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/metrics"
)

// accessLog logs every request and records its latency.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			// hijacked by the websocket upgrade
			status = http.StatusSwitchingProtocols
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// recoverer turns a handler panic into a 500 envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// limit rejects callers over the limiter's budget, keyed by client IP.
func (s *Server) limit(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			// limiter errors fail open and are logged by the limiter
			if allowed, _ := l.Allow(r.Context(), ip); !allowed {
				secs := int(math.Ceil(l.RetryAfter(r.Context(), ip).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeJSON(w, http.StatusTooManyRequests, envelope{Success: false, Message: "too many connection attempts"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
