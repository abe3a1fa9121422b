// Package tenant implements multi-tenancy enforcement: principal
// resolution from bearer tokens, the tenant registry with isolation-mode
// routing, and per-tenant connection quotas.
package tenant

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lattice-backend/internal/errors"
)

// Wildcard is the team value of an unscoped principal.
const Wildcard = "*"

// RoleAnonymous is the role of the anonymous principal.
const RoleAnonymous = "anonymous"

// RoleAdmin bypasses ACL injection and verification.
const RoleAdmin = "admin"

// Principal is the security identity every graph traversal is filtered by.
type Principal struct {
	Team      string
	Namespace string
	Role      string
}

// IsAdmin reports whether the principal bypasses ACL enforcement.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// IsAnonymous reports whether the principal came from an empty auth header.
func (p Principal) IsAnonymous() bool { return p.Role == RoleAnonymous }

// Anonymous is the principal assigned to requests with no auth header.
func Anonymous() Principal {
	return Principal{Team: Wildcard, Namespace: Wildcard, Role: RoleAnonymous}
}

// Claims are the token claims the resolver understands.
type Claims struct {
	Team      string `json:"team"`
	Namespace string `json:"namespace"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Context carries the resolved identity through a request.
type Context struct {
	Principal Principal
	TenantID  string
}

type contextKey struct{}

// WithContext attaches a tenant context to ctx.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext extracts the tenant context, or nil when unresolved.
func FromContext(ctx context.Context) *Context {
	tc, _ := ctx.Value(contextKey{}).(*Context)
	return tc
}

// ResolverConfig controls fail-closed behavior of principal resolution.
type ResolverConfig struct {
	Secret        string
	RequireTokens bool
	Production    bool
	DefaultTenant string
}

// Resolver turns Authorization headers into tenant contexts.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a resolver. Misconfiguration (tokens required, no
// secret) is not an error here; Resolve fails closed per request so the
// service can still serve /health.
func NewResolver(cfg ResolverConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve validates the bearer token and produces the tenant context.
//
// Fail-closed rules:
//   - tokens required but no secret configured: auth configuration error
//     (503), regardless of the header.
//   - empty header with tokens required: invalid token (401).
//   - empty header without requirement: anonymous principal.
//   - non-admin with no tenant: default tenant in dev, rejection in
//     production.
func (r *Resolver) Resolve(authorization string) (*Context, error) {
	if r.cfg.RequireTokens && r.cfg.Secret == "" {
		return nil, errors.AuthConfiguration("NO_SECRET",
			"token validation required but no secret is configured").Build()
	}

	header := strings.TrimSpace(authorization)
	if header == "" {
		if r.cfg.RequireTokens {
			return nil, errors.InvalidToken("MISSING_TOKEN", "authorization required").Build()
		}
		return r.contextFor(Anonymous(), "")
	}

	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken("BAD_ALG", "unexpected signing method").Build()
		}
		return []byte(r.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, errors.InvalidToken("INVALID_TOKEN", "token validation failed").
			WithCause(err).Build()
	}
	if !token.Valid {
		return nil, errors.InvalidToken("INVALID_TOKEN", "token validation failed").Build()
	}

	p := Principal{Team: claims.Team, Namespace: claims.Namespace, Role: claims.Role}
	if p.Role == "" {
		p.Role = RoleAnonymous
	}
	return r.contextFor(p, claims.Team)
}

func (r *Resolver) contextFor(p Principal, team string) (*Context, error) {
	tenantID := team
	if tenantID == "" || tenantID == Wildcard {
		if p.IsAdmin() {
			tenantID = ""
		} else if r.cfg.Production {
			return nil, errors.InvalidToken("NO_TENANT",
				"a tenant is required in production").Build()
		} else {
			tenantID = r.cfg.DefaultTenant
		}
	}
	return &Context{Principal: p, TenantID: tenantID}, nil
}

// IssueToken mints an HS256 token for the principal; used by tests and the
// dev tooling, never by the request path.
func IssueToken(secret string, p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Team:      p.Team,
		Namespace: p.Namespace,
		Role:      p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
