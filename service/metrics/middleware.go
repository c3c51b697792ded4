package metrics

import (
	"net/http"
	"time"
)

// HTTPMetricsMiddleware creates middleware that records HTTP request metrics.
// handlerName should be a constant route identifier (e.g. "/api/v1/analyses"),
// never the raw path, so wallet addresses do not end up as label values.
func HTTPMetricsMiddleware(m *Metrics, handlerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			if m != nil {
				m.RecordHTTPRequest(handlerName, r.Method, wrapped.statusCode, time.Since(start).Seconds())
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Since returns a closure reporting the seconds elapsed since start, for use
// with defer:
//
//	done := metrics.Since(time.Now())
//	defer func() { m.RecordSomething(done()) }()
func Since(start time.Time) func() float64 {
	return func() float64 {
		return time.Since(start).Seconds()
	}
}
