package middleware

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"lattice-backend/pkg/api"
)

// CircuitBreakerConfig tunes the route-level breaker.
type CircuitBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	MinRequests      uint32
	FailureThreshold float64
}

// DefaultCircuitBreakerConfig trips after 60% failures over at least 10
// requests and probes again after 30 seconds.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		MinRequests:      10,
		FailureThreshold: 0.6,
	}
}

// CircuitBreaker sheds load when a route keeps failing. Responses with
// status >= 500 count as failures; an open breaker answers 503 with a
// retry hint instead of invoking the handler.
func CircuitBreaker(cfg CircuitBreakerConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, err := cb.Execute(func() (any, error) {
				wrapper := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(wrapper, r)
				if wrapper.status >= http.StatusInternalServerError {
					return nil, errServerFailure
				}
				return nil, nil
			})
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				w.Header().Set("Retry-After", "30")
				api.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			}
		})
	}
}

var errServerFailure = &statusError{}

type statusError struct{}

func (*statusError) Error() string { return "upstream handler returned a server error" }

// responseWrapper captures the status code written by the handler so the
// breaker can classify the outcome.
type responseWrapper struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *responseWrapper) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWrapper) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
