package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mediafetch/mediafetch/internal/logger"
)

// SlowRequestThreshold is the duration above which Timing logs a request.
const SlowRequestThreshold = 500 * time.Millisecond

// Timing adds a Server-Timing header measured up to the moment the response
// header is written, and logs slow requests.
func Timing(next http.Handler) http.Handler {
	log := logger.Default().WithComponent("timing")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &timingResponseWriter{ResponseWriter: w, start: start, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		if duration > SlowRequestThreshold {
			log.Warn(r.Context(), "slow request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": duration.Milliseconds(),
			})
		}
	})
}

// timingResponseWriter sets Server-Timing just before the header goes out
type timingResponseWriter struct {
	http.ResponseWriter
	start       time.Time
	statusCode  int
	wroteHeader bool
}

func (w *timingResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.statusCode = code
		w.Header().Set("Server-Timing", formatServerTiming(time.Since(w.start)))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *timingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *timingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func formatServerTiming(d time.Duration) string {
	ms := float64(d.Nanoseconds()) / 1e6
	return "total;dur=" + strconv.FormatFloat(ms, 'f', 2, 64)
}
