package cypher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/tenant"
)

func TestRewriter(t *testing.T) {
	viewer := tenant.Principal{Team: "platform", Namespace: "prod", Role: "viewer"}

	t.Run("simple match gains a where clause", func(t *testing.T) {
		r := NewRewriter(false)
		res, err := r.Rewrite("MATCH (n:Service) RETURN n", viewer)
		require.NoError(t, err)
		assert.Contains(t, res.Query, "WHERE n.team_owner = $acl_team")
		assert.Contains(t, res.Query, "$acl_role IN n.read_roles")
		assert.Equal(t, "platform", res.Params["acl_team"])
		assert.Equal(t, "viewer", res.Params["acl_role"])
	})

	t.Run("existing where is parenthesized and extended", func(t *testing.T) {
		r := NewRewriter(false)
		res, err := r.Rewrite(`MATCH (n:Service) WHERE n.env = "prod" OR n.env = "dev" RETURN n`, viewer)
		require.NoError(t, err)
		assert.Contains(t, res.Query, `(n.env = "prod" OR n.env = "dev") AND n.team_owner = $acl_team`)
	})

	t.Run("every union branch and subquery scope is guarded", func(t *testing.T) {
		r := NewRewriter(false)
		query := "MATCH (a:Service) RETURN a.name AS name " +
			"UNION MATCH (b:Topic) CALL { MATCH (c:Service) RETURN c } RETURN b.name AS name"
		res, err := r.Rewrite(query, viewer)
		require.NoError(t, err)
		assert.Equal(t, 3, strings.Count(res.Query, "team_owner"))
		require.NoError(t, r.VerifyCoverage(res.Query, "%[1]s.team_owner = $acl_team"))
	})

	t.Run("doubly nested subqueries under a union are guarded", func(t *testing.T) {
		r := NewRewriter(false)
		query := "MATCH (a:Service) CALL { CALL { MATCH (c:Database) RETURN c } RETURN c AS inner } RETURN a " +
			"UNION MATCH (b:Topic) RETURN b AS a"
		res, err := r.Rewrite(query, viewer)
		require.NoError(t, err)

		// The outer MATCH, the innermost subquery's MATCH, and the union
		// branch each carry the predicate.
		assert.Equal(t, 3, strings.Count(res.Query, "team_owner"))
		require.NoError(t, r.VerifyCoverage(res.Query, "%[1]s.team_owner = $acl_team"))

		clauses, err := ParseQuery(res.Query)
		require.NoError(t, err)
		assert.Equal(t, res.Query, Reconstruct(clauses))
	})

	t.Run("string literal resembling a predicate does not satisfy coverage", func(t *testing.T) {
		r := NewRewriter(false)
		err := r.VerifyCoverage("MATCH (n:Service) RETURN n", "%[1]s.team_owner = $acl_team")
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindACLCoverage))
	})

	t.Run("admin bypasses injection", func(t *testing.T) {
		r := NewRewriter(false)
		res, err := r.Rewrite("MATCH (n) RETURN n", tenant.Principal{Role: tenant.RoleAdmin})
		require.NoError(t, err)
		assert.Equal(t, "MATCH (n) RETURN n", res.Query)
		assert.Empty(t, res.Params)
	})

	t.Run("wildcard team with default deny maps to public", func(t *testing.T) {
		r := NewRewriter(true)
		res, err := r.Rewrite("MATCH (n) RETURN n", tenant.Anonymous())
		require.NoError(t, err)
		assert.Equal(t, "public", res.Params["acl_team"])
		assert.Contains(t, res.Query, "n.team_owner = $acl_team")
	})

	t.Run("anonymous team without default deny filters on the team value", func(t *testing.T) {
		r := NewRewriter(false)
		res, err := r.Rewrite("MATCH (n) RETURN n",
			tenant.Principal{Team: "platform", Role: tenant.RoleAnonymous})
		require.NoError(t, err)
		assert.Equal(t, "platform", res.Params["acl_team"])
		assert.NotContains(t, res.Query, "read_roles")
	})

	t.Run("bare procedure query gets a predicate before return", func(t *testing.T) {
		r := NewRewriter(false)
		res, err := r.Rewrite(
			"CALL db.index.fulltext.queryNodes('services', $q) YIELD node AS n RETURN n", viewer)
		require.NoError(t, err)
		assert.Contains(t, res.Query, "WHERE n.team_owner = $acl_team")
	})

	t.Run("rewritten query still parses and round-trips", func(t *testing.T) {
		r := NewRewriter(false)
		res, err := r.Rewrite("MATCH (n:Service) WHERE n.x = 1 RETURN n ORDER BY n.name LIMIT 5", viewer)
		require.NoError(t, err)

		clauses, err := ParseQuery(res.Query)
		require.NoError(t, err)
		assert.Equal(t, res.Query, Reconstruct(clauses))
	})

	t.Run("marker extraction", func(t *testing.T) {
		assert.Equal(t, "team_owner", Marker("x.team_owner = $acl_team AND $acl_role IN x.read_roles"))
		assert.Equal(t, "team_owner", Marker("n.team_owner = $acl_team"))
	})
}
