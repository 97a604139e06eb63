package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/campaignd/internal/metrics"
)

// loggingMiddleware logs API calls. Health probes go to debug, server
// errors to warn.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case r.URL.Path == "/health":
			level = slog.LevelDebug
		}

		attrs := []any{
			"method", r.Method,
			"route", routePattern(r),
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		}
		if id := chi.URLParam(r, "id"); id != "" {
			attrs = append(attrs, "job_id", id)
		}

		s.logger.Log(r.Context(), level, "api request", attrs...)
	})
}

// authMiddleware requires the configured API key as a Bearer token or in
// X-API-Key. An empty key disables the check.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := requestKey(r)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) != 1 {
			reason := "invalid_key"
			if key == "" {
				reason = "missing_key"
			}
			metrics.IncAPIErrors("unauthorized")
			s.logger.Warn("rejected API request",
				"reason", reason,
				"route", routePattern(r),
				"remote_addr", r.RemoteAddr,
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="campaignd"`)
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestKey extracts the API key, X-API-Key first
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// routePattern returns the matched chi route, or the raw path before routing
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// bodyLimit caps job payloads, media included, at the configured size
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
