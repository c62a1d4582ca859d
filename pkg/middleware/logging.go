package middleware

import (
	"net/http"
	"time"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// AccessLog writes one line per request. Server errors log at error level,
// client errors at warn.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger := observability.FromContext(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		logger = observability.UpdateLoggerWithTraceContext(r.Context(), logger)

		switch {
		case rec.status >= http.StatusInternalServerError:
			logger.Error("request failed")
		case rec.status >= http.StatusBadRequest:
			logger.Warn("request rejected")
		default:
			logger.Info("request completed")
		}
	})
}
