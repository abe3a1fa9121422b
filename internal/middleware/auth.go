package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"lattice-backend/internal/tenant"
	"lattice-backend/pkg/api"
)

// Auth resolves the Authorization header into a tenant context and
// attaches it to the request. Resolution fails closed: a bad token, a
// missing tenant in production, or a misconfigured resolver all stop the
// request here.
func Auth(resolver *tenant.Resolver, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := resolver.Resolve(r.Header.Get("Authorization"))
			if err != nil {
				logger.Warn("auth resolution failed",
					zap.String("request_id", GetRequestIDFromRequest(r)),
					zap.Error(err))
				api.ErrorFrom(w, err, GetRequestIDFromRequest(r))
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
		})
	}
}
