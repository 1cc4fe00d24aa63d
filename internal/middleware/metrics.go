package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/devflow-exec/internal/observability"
)

// Metrics records request counts by method and status and request latency
// by method. Hijacked connections (the run stream) are counted but their
// duration is not observed, since it measures the socket, not a request.
func Metrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
			if !wrapped.hijacked {
				m.HTTPRequestTimes.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			}
		})
	}
}

func requestID(r *http.Request) string {
	return chimiddleware.GetReqID(r.Context())
}
