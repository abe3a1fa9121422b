package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/errors"
)

func TestResolver(t *testing.T) {
	const secret = "test-secret"

	t.Run("valid token resolves principal and tenant", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, RequireTokens: true})
		token, err := IssueToken(secret, Principal{Team: "platform", Namespace: "prod", Role: "viewer"}, time.Minute)
		require.NoError(t, err)

		tc, err := r.Resolve("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "platform", tc.Principal.Team)
		assert.Equal(t, "viewer", tc.Principal.Role)
		assert.Equal(t, "platform", tc.TenantID)
	})

	t.Run("empty header with tokens required is rejected", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, RequireTokens: true})
		_, err := r.Resolve("")
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindInvalidToken))
	})

	t.Run("empty header without requirement yields anonymous", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, DefaultTenant: "default"})
		tc, err := r.Resolve("")
		require.NoError(t, err)
		assert.True(t, tc.Principal.IsAnonymous())
		assert.Equal(t, Wildcard, tc.Principal.Team)
		assert.Equal(t, "default", tc.TenantID)
	})

	t.Run("required tokens with no secret fails closed", func(t *testing.T) {
		r := NewResolver(ResolverConfig{RequireTokens: true})
		token, err := IssueToken(secret, Principal{Team: "platform", Role: "viewer"}, time.Minute)
		require.NoError(t, err)

		_, err = r.Resolve("Bearer " + token)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindAuthConfiguration))
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, RequireTokens: true})
		token, err := IssueToken("other-secret", Principal{Team: "platform"}, time.Minute)
		require.NoError(t, err)

		_, err = r.Resolve("Bearer " + token)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindInvalidToken))
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, RequireTokens: true})
		token, err := IssueToken(secret, Principal{Team: "platform"}, -time.Minute)
		require.NoError(t, err)

		_, err = r.Resolve("Bearer " + token)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindInvalidToken))
	})

	t.Run("no tenant in production is rejected", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, Production: true})
		token, err := IssueToken(secret, Principal{Role: "viewer"}, time.Minute)
		require.NoError(t, err)

		_, err = r.Resolve("Bearer " + token)
		require.Error(t, err)
	})

	t.Run("no tenant in dev falls back to default", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, DefaultTenant: "default"})
		token, err := IssueToken(secret, Principal{Role: "viewer"}, time.Minute)
		require.NoError(t, err)

		tc, err := r.Resolve("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, "default", tc.TenantID)
	})

	t.Run("admin needs no tenant", func(t *testing.T) {
		r := NewResolver(ResolverConfig{Secret: secret, Production: true})
		token, err := IssueToken(secret, Principal{Role: RoleAdmin}, time.Minute)
		require.NoError(t, err)

		tc, err := r.Resolve("Bearer " + token)
		require.NoError(t, err)
		assert.True(t, tc.Principal.IsAdmin())
	})
}

func TestRegistry(t *testing.T) {
	t.Run("physical tenant routes to its own database", func(t *testing.T) {
		reg := NewRegistry(WithDefaultDatabase("neo4j"))
		require.NoError(t, reg.Register(Route{
			TenantID: "acme", Isolation: IsolationPhysical, Database: "acme_db",
		}))

		route, err := reg.Resolve("acme")
		require.NoError(t, err)
		assert.Equal(t, IsolationPhysical, route.Isolation)
		assert.Equal(t, "acme_db", route.Database)
	})

	t.Run("logical tenant shares the default database", func(t *testing.T) {
		reg := NewRegistry(WithDefaultDatabase("neo4j"))
		require.NoError(t, reg.Register(Route{TenantID: "beta"}))

		route, err := reg.Resolve("beta")
		require.NoError(t, err)
		assert.Equal(t, IsolationLogical, route.Isolation)
		assert.Equal(t, "neo4j", route.Database)
	})

	t.Run("unknown tenant fails closed", func(t *testing.T) {
		reg := NewRegistry()
		_, err := reg.Resolve("ghost")
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindUnknownTenant))
	})

	t.Run("allow-unknown resolves to a logical route", func(t *testing.T) {
		reg := NewRegistry(WithDefaultDatabase("neo4j"), WithAllowUnknown())
		route, err := reg.Resolve("ghost")
		require.NoError(t, err)
		assert.Equal(t, IsolationLogical, route.Isolation)
	})

	t.Run("physical tenant without a database is rejected", func(t *testing.T) {
		reg := NewRegistry()
		err := reg.Register(Route{TenantID: "acme", Isolation: IsolationPhysical})
		require.Error(t, err)
	})
}

func TestConnectionTracker(t *testing.T) {
	t.Run("quota is max of one and floor of pool times fraction", func(t *testing.T) {
		assert.Equal(t, 2, NewConnectionTracker(10, 0.25).Limit())
		assert.Equal(t, 1, NewConnectionTracker(10, 0.01).Limit())
	})

	ctx := context.Background()

	t.Run("acquire over quota is rejected", func(t *testing.T) {
		tr := NewConnectionTracker(10, 0.2)
		require.NoError(t, tr.Acquire(ctx, "acme"))
		require.NoError(t, tr.Acquire(ctx, "acme"))

		err := tr.Acquire(ctx, "acme")
		require.Error(t, err)
		assert.True(t, errors.IsQuotaExceeded(err))
	})

	t.Run("tenants do not share quota", func(t *testing.T) {
		tr := NewConnectionTracker(10, 0.1)
		require.NoError(t, tr.Acquire(ctx, "acme"))
		require.NoError(t, tr.Acquire(ctx, "beta"))
	})

	t.Run("release frees a slot", func(t *testing.T) {
		tr := NewConnectionTracker(10, 0.1)
		require.NoError(t, tr.Acquire(ctx, "acme"))
		require.NoError(t, tr.Release(ctx, "acme"))
		require.NoError(t, tr.Acquire(ctx, "acme"))
	})

	t.Run("double release does not poison the counter", func(t *testing.T) {
		tr := NewConnectionTracker(10, 0.1)
		require.NoError(t, tr.Acquire(ctx, "acme"))
		require.NoError(t, tr.Release(ctx, "acme"))
		require.NoError(t, tr.Release(ctx, "acme"))
		assert.Equal(t, 0, tr.Active("acme"))
	})
}

func TestSharedConnectionTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	t.Run("quota is shared through redis", func(t *testing.T) {
		a := NewSharedConnectionTracker(client, 10, 0.2)
		b := NewSharedConnectionTracker(client, 10, 0.2)

		require.NoError(t, a.Acquire(ctx, "acme"))
		require.NoError(t, b.Acquire(ctx, "acme"))

		err := a.Acquire(ctx, "acme")
		require.Error(t, err)
		assert.True(t, errors.IsQuotaExceeded(err))

		require.NoError(t, b.Release(ctx, "acme"))
		require.NoError(t, a.Acquire(ctx, "acme"))
	})
}
