package logger

import (
	"net/http"
	"strings"
	"time"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Flush lets streamed artifact responses pass through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingMiddleware logs one line per completed HTTP request.
func LoggingMiddleware(next http.Handler) http.Handler {
	log := Default().WithComponent("http")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       log.redactor.RedactQuery(r.URL.RawQuery),
			"status":      rw.status,
			"bytes":       rw.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_ip":   getClientIP(r),
		}

		if rw.status >= 500 {
			log.Warn(r.Context(), "request failed", fields)
		} else if rw.status >= 400 {
			log.Info(r.Context(), "request rejected", fields)
		} else {
			log.Info(r.Context(), "request completed", fields)
		}
	})
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// RecoveryMiddleware recovers from panics and logs them
func RecoveryMiddleware(next http.Handler) http.Handler {
	log := Default().WithComponent("recovery")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := apperrors.GetRequestID(r.Context())
				log.Error(r.Context(), "panic recovered", nil, map[string]interface{}{
					"panic":  rec,
					"path":   r.URL.Path,
					"method": r.Method,
				})
				apperrors.WriteError(w, requestID, apperrors.Internal("an unexpected error occurred"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
