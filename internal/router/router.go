package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/classmirror/service-sync-go/internal/auth"
	"github.com/classmirror/service-sync-go/internal/sync"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware returns a middleware that logs requests at debug level
// using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware returns a middleware that sets common HTTP
// security headers. The trigger API is JSON-only, so the policy stays
// conservative.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts the trigger API on a stdlib ServeMux. The sync
// routes sit behind the capability middleware; health stays open for
// probes.
func RegisterRoutes(logger *zap.SugaredLogger, syncHandler *sync.Handler, apiSecret string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	guarded := auth.Middleware(apiSecret, logger)
	mux.Handle("POST /sync/run", guarded(http.HandlerFunc(syncHandler.Run)))
	mux.Handle("GET /sync/status", guarded(http.HandlerFunc(syncHandler.Status)))
	mux.Handle("GET /sync/statistics", guarded(http.HandlerFunc(syncHandler.Statistics)))

	return LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
}
