package middleware

import (
	"net/http"
	"strconv"
	"time"

	"lattice-backend/internal/observability"
)

// Metrics records request counts and latency per method and route.
// Route is the registered pattern, not the raw path, so label
// cardinality stays bounded.
func Metrics(collector *observability.Collector, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapper, r)
			collector.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapper.status)).Inc()
			collector.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
