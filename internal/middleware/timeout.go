package middleware

import (
	"context"
	"net/http"
	"time"

	"lattice-backend/internal/errors"
	"lattice-backend/pkg/api"
)

// Timeout bounds each request with a deadline. The handler keeps running
// on its goroutine until it observes the cancelled context; the client
// gets a gateway-timeout response as soon as the budget lapses.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(w, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					api.ErrorFrom(w,
						errors.Timeout("REQUEST_TIMEOUT", "request processing exceeded the time budget").Build(),
						GetRequestIDFromRequest(r))
				}
			}
		})
	}
}
