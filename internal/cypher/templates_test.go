package cypher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	catalog := NewCatalog()

	t.Run("built-in templates are registered", func(t *testing.T) {
		for _, name := range []string{
			"blast_radius", "dependency_count", "service_neighbors",
			"topic_consumers", "topic_producers", "service_deployments",
			"cross_team_dependencies",
		} {
			tpl, ok := catalog.Get(name)
			require.True(t, ok, name)
			assert.True(t, catalog.Allows(tpl.Cypher), name)
		}
	})

	t.Run("hash identity survives reformatting", func(t *testing.T) {
		tpl, ok := catalog.Get("dependency_count")
		require.True(t, ok)
		reformatted := "  " + NormalizeWhitespace(tpl.Cypher) + "\n\n"
		assert.True(t, catalog.Allows(reformatted))
	})

	t.Run("a one-character change defeats the registry", func(t *testing.T) {
		tpl, ok := catalog.Get("dependency_count")
		require.True(t, ok)
		assert.False(t, catalog.Allows(tpl.Cypher+" "+"x"))
	})

	t.Run("templates bind parameters instead of interpolating", func(t *testing.T) {
		for _, name := range catalog.Names() {
			tpl, _ := catalog.Get(name)
			assert.Contains(t, tpl.Cypher, "$", name)
		}
	})
}

func TestSandbox(t *testing.T) {
	sandbox := NewSandbox(NewCatalog())

	t.Run("registered template passes", func(t *testing.T) {
		tpl, ok := NewCatalog().Get("blast_radius")
		require.True(t, ok)
		require.NoError(t, sandbox.Check(tpl.Cypher))
	})

	t.Run("unregistered cypher is rejected", func(t *testing.T) {
		require.Error(t, sandbox.Check("MATCH (n) RETURN n"))
	})
}

func TestMatcher(t *testing.T) {
	matcher := NewMatcher(NewCatalog())

	t.Run("intent with entity matches and binds", func(t *testing.T) {
		cases := []struct {
			text     string
			template string
			param    string
			value    string
		}{
			{"what is the blast radius of payment-service?", "blast_radius", "name", "payment-service"},
			{"show the impact of checkout-api", "blast_radius", "name", "checkout-api"},
			{"how many dependencies does billing-svc have?", "dependency_count", "name", "billing-svc"},
			{"list the neighbors of auth-service", "service_neighbors", "name", "auth-service"},
			{"who consumes from orders.events?", "topic_consumers", "name", "orders.events"},
			{"which services produce to payments.v1", "topic_producers", "name", "payments.v1"},
			{"where is search-api deployed?", "service_deployments", "name", "search-api"},
			{"cross-team dependencies for team platform", "cross_team_dependencies", "team", "platform"},
		}
		for _, tc := range cases {
			m, ok := matcher.MatchQuery(tc.text)
			require.True(t, ok, tc.text)
			assert.Equal(t, tc.template, m.Template.Name, tc.text)
			assert.Equal(t, tc.value, m.Params[tc.param], tc.text)
		}
	})

	t.Run("intent without an entity is a non-match", func(t *testing.T) {
		for _, text := range []string{
			"what is the blast radius?",
			"how many dependencies are there",
			"who consumes from",
		} {
			_, ok := matcher.MatchQuery(text)
			assert.False(t, ok, text)
		}
	})

	t.Run("unrelated text is a non-match", func(t *testing.T) {
		_, ok := matcher.MatchQuery("summarize the architecture for me")
		assert.False(t, ok)
	})
}
