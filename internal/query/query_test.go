package query

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/cache"
	"lattice-backend/internal/graph"
	"lattice-backend/internal/rerank"
	"lattice-backend/internal/tenant"
	"lattice-backend/internal/vector"
)

func TestClassifier(t *testing.T) {
	c := NewClassifier()

	cases := []struct {
		query string
		want  rerank.Complexity
	}{
		{"how many services does checkout have", rerank.ComplexityAggregate},
		{"count of topics per team", rerank.ComplexityAggregate},
		{"blast radius of checkout", rerank.ComplexityMultiHop},
		{"what breaks if billing goes down", rerank.ComplexityMultiHop},
		{"services downstream of orders", rerank.ComplexityMultiHop},
		{"who consumes from orders.created", rerank.ComplexitySingleHop},
		{"neighbors of checkout", rerank.ComplexitySingleHop},
		{"where is checkout deployed", rerank.ComplexitySingleHop},
		{"checkout", rerank.ComplexityEntityLookup},
		{"the payment service", rerank.ComplexityEntityLookup},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.query))
		})
	}

	t.Run("aggregate outranks multi-hop", func(t *testing.T) {
		// Both banks match; fixed order resolves it.
		assert.Equal(t, rerank.ComplexityAggregate,
			c.Classify("how many services are downstream of checkout"))
	})
}

func TestRouteFor(t *testing.T) {
	assert.Equal(t, PathVector, RouteFor(rerank.ComplexityEntityLookup))
	assert.Equal(t, PathSingleHop, RouteFor(rerank.ComplexitySingleHop))
	assert.Equal(t, PathTemplateOrTraversal, RouteFor(rerank.ComplexityMultiHop))
	assert.Equal(t, PathHybrid, RouteFor(rerank.ComplexityAggregate))
}

type fakeReader struct {
	queries []string
	params  []map[string]any
	// respond maps a cypher substring to rows; first match wins.
	respond []struct {
		contains string
		rows     []graph.ResultRow
		err      error
	}
}

func (f *fakeReader) on(contains string, rows []graph.ResultRow, err error) {
	f.respond = append(f.respond, struct {
		contains string
		rows     []graph.ResultRow
		err      error
	}{contains, rows, err})
}

func (f *fakeReader) ExecuteRead(_ context.Context, _ string, cypher string, params map[string]any) ([]graph.ResultRow, error) {
	f.queries = append(f.queries, cypher)
	f.params = append(f.params, params)
	for _, r := range f.respond {
		if strings.Contains(cypher, r.contains) {
			return r.rows, r.err
		}
	}
	return nil, nil
}

func (f *fakeReader) find(contains string) (string, map[string]any, bool) {
	for i, q := range f.queries {
		if strings.Contains(q, contains) {
			return q, f.params[i], true
		}
	}
	return "", nil, false
}

func viewer() tenant.Principal {
	return tenant.Principal{Team: "payments", Namespace: "payments", Role: "viewer"}
}

func TestTraverser(t *testing.T) {
	ctx := context.Background()

	t.Run("low degree uses one var-length query", func(t *testing.T) {
		reader := &fakeReader{}
		tr := NewTraverser(DefaultTraversalConfig(), reader, nil)

		_, err := tr.Expand(ctx, "t1", []string{"svc::a"}, 5)
		require.NoError(t, err)
		require.Len(t, reader.queries, 1)
		assert.Contains(t, reader.queries[0], "[*1..3]")
		assert.Contains(t, reader.queries[0], "rel.tombstoned_at IS NULL")
	})

	t.Run("high degree hint switches to batched bfs", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("$frontier", []graph.ResultRow{
			{"id": "svc::b", "name": "b", "kind": "Service"},
		}, nil)
		cfg := DefaultTraversalConfig()
		cfg.HighDegreeThreshold = 10
		tr := NewTraverser(cfg, reader, nil)

		rows, err := tr.Expand(ctx, "t1", []string{"svc::hub"}, 500)
		require.NoError(t, err)
		require.Len(t, rows, 1, "revisits are deduplicated across levels")
		assert.Equal(t, int64(1), rows[0]["distance"])
		for _, q := range reader.queries {
			assert.NotContains(t, q, "[*1..")
		}
	})

	t.Run("apoc attempt falls back on error", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("apoc.path.subgraphNodes", nil, stderrors.New("no apoc"))
		cfg := DefaultTraversalConfig()
		cfg.APOCEnabled = true
		tr := NewTraverser(cfg, reader, nil)

		_, err := tr.Expand(ctx, "t1", []string{"svc::a"}, 5)
		require.NoError(t, err)
		require.Len(t, reader.queries, 2)
		assert.Contains(t, reader.queries[0], "apoc.path.subgraphNodes")
		assert.Contains(t, reader.queries[1], "[*1..3]")
	})

	t.Run("no seeds is a no-op", func(t *testing.T) {
		reader := &fakeReader{}
		tr := NewTraverser(DefaultTraversalConfig(), reader, nil)
		rows, err := tr.Expand(ctx, "t1", nil, 0)
		require.NoError(t, err)
		assert.Nil(t, rows)
		assert.Empty(t, reader.queries)
	})
}

func TestGDSPageRank(t *testing.T) {
	ctx := context.Background()

	t.Run("projection is dropped even when the stream fails", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("gds.pageRank.stream", nil, stderrors.New("gds broke"))
		g := GDSPageRank{Reader: reader}

		_, err := g.Rank(ctx, "t1", []string{"svc::a"}, nil)
		require.Error(t, err)

		_, _, projected := reader.find("gds.graph.project.cypher")
		assert.True(t, projected)
		_, _, dropped := reader.find("gds.graph.drop")
		assert.True(t, dropped)
	})

	t.Run("scores are decoded by node id", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("gds.pageRank.stream", []graph.ResultRow{
			{"id": "svc::a", "score": 0.42},
		}, nil)
		g := GDSPageRank{Reader: reader}

		scores, err := g.Rank(ctx, "t1", []string{"svc::a"}, nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.42, scores["svc::a"], 1e-9)
	})
}

func TestEngineRetrieve(t *testing.T) {
	ctx := context.Background()

	newEngine := func(reader *fakeReader, cfg EngineConfig) *Engine {
		return NewEngine(cfg, EngineDeps{Reader: reader})
	}

	t.Run("empty query is rejected", func(t *testing.T) {
		e := newEngine(&fakeReader{}, DefaultEngineConfig())
		_, err := e.Retrieve(ctx, Request{Query: "  ", TenantID: "t1", Principal: viewer()})
		require.Error(t, err)
		assert.ErrorContains(t, err, "QUERY_EMPTY")
	})

	t.Run("production without tenant fails closed", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Production = true
		e := newEngine(&fakeReader{}, cfg)
		_, err := e.Retrieve(ctx, Request{Query: "checkout", Principal: viewer()})
		require.Error(t, err)
		assert.ErrorContains(t, err, "TENANT_REQUIRED")
	})

	t.Run("entity lookup runs the filtered fulltext query", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("db.index.fulltext.queryNodes", []graph.ResultRow{
			{"id": "svc::checkout", "name": "checkout", "kind": "Service", "degree": int64(4), "score": 2.1},
		}, nil)
		e := newEngine(reader, DefaultEngineConfig())

		result, err := e.Retrieve(ctx, Request{Query: "checkout", TenantID: "t1", Principal: viewer()})
		require.NoError(t, err)
		assert.Equal(t, PathVector, result.Path)
		require.Len(t, result.Sources, 1)
		assert.Equal(t, "svc::checkout", result.Sources[0].ID)

		q, params, ok := reader.find("db.index.fulltext.queryNodes")
		require.True(t, ok)
		assert.Contains(t, q, "node.tenant_id = $tenant_id")
		assert.Contains(t, q, "node.team_owner = $team OR $role IN node.read_roles")
		assert.Equal(t, "payments", params["team"])
		assert.Equal(t, "viewer", params["role"])
	})

	t.Run("admin fulltext query carries no acl filter", func(t *testing.T) {
		reader := &fakeReader{}
		e := newEngine(reader, DefaultEngineConfig())
		admin := tenant.Principal{Team: "*", Namespace: "*", Role: tenant.RoleAdmin}

		_, err := e.Retrieve(ctx, Request{Query: "checkout", TenantID: "t1", Principal: admin})
		require.NoError(t, err)

		q, _, ok := reader.find("db.index.fulltext.queryNodes")
		require.True(t, ok)
		assert.NotContains(t, q, "team_owner")
	})

	t.Run("single hop expands with a degree cap predicate", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("db.index.fulltext.queryNodes", []graph.ResultRow{
			{"id": "svc::checkout", "name": "checkout", "degree": int64(3), "score": 1.0},
		}, nil)
		reader.on("$degree_cap", []graph.ResultRow{
			{"source": "svc::checkout", "id": "svc::billing", "name": "billing", "relation": "CALLS", "degree": int64(2)},
		}, nil)
		e := newEngine(reader, DefaultEngineConfig())

		result, err := e.Retrieve(ctx, Request{Query: "who calls checkout", TenantID: "t1", Principal: viewer()})
		require.NoError(t, err)
		assert.Equal(t, PathSingleHop, result.Path)
		require.Len(t, result.Sources, 1)
		assert.Equal(t, "svc::billing", result.Sources[0].ID)

		q, _, ok := reader.find("$degree_cap")
		require.True(t, ok)
		assert.Contains(t, q, "coalesce(m.degree, 0) <= $degree_cap")
		assert.Contains(t, q, "ORDER BY m.degree DESC, m.name")
		assert.NotContains(t, q, "ORDER BY degree", "degree ordering must stay a tiebreaker, not a supernode scan")
	})

	t.Run("multi hop prefers a template match", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("CALLS*1..3", []graph.ResultRow{
			{"name": "billing", "team": "payments"},
		}, nil)
		e := newEngine(reader, DefaultEngineConfig())

		result, err := e.Retrieve(ctx, Request{Query: "blast radius of checkout", TenantID: "t1", Principal: viewer()})
		require.NoError(t, err)
		assert.Equal(t, PathTemplateOrTraversal, result.Path)
		assert.Equal(t, "blast_radius", result.Template)
		require.Len(t, result.Sources, 1)

		_, params, ok := reader.find("CALLS*1..3")
		require.True(t, ok)
		assert.Equal(t, "checkout", params["name"])
		assert.Equal(t, "t1", params["tenant_id"])
	})

	t.Run("multi hop without a template traverses from seeds", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("db.index.fulltext.queryNodes", []graph.ResultRow{
			{"id": "svc::orders", "name": "orders", "degree": int64(2), "score": 1.0},
		}, nil)
		reader.on("[*1..", []graph.ResultRow{
			{"id": "svc::billing", "name": "billing", "kind": "Service", "distance": int64(2)},
		}, nil)
		e := newEngine(reader, DefaultEngineConfig())

		result, err := e.Retrieve(ctx, Request{Query: "services downstream of orders", TenantID: "t1", Principal: viewer()})
		require.NoError(t, err)
		assert.Empty(t, result.Template)
		assert.Len(t, result.Sources, 2, "seeds plus traversal, deduplicated")
	})

	t.Run("hybrid returns candidates and aggregates", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("db.index.fulltext.queryNodes", []graph.ResultRow{
			{"id": "svc::checkout", "name": "checkout", "degree": int64(1), "score": 1.0},
		}, nil)
		reader.on("count(r) AS total", []graph.ResultRow{
			{"relation": "CALLS", "total": int64(12)},
		}, nil)
		e := newEngine(reader, DefaultEngineConfig())

		result, err := e.Retrieve(ctx, Request{Query: "how many calls between all services", TenantID: "t1", Principal: viewer()})
		require.NoError(t, err)
		assert.Equal(t, PathHybrid, result.Path)
		assert.Len(t, result.Sources, 1)
		require.Len(t, result.Aggregates, 1)
		assert.Equal(t, int64(12), result.Aggregates[0]["total"])
	})

	t.Run("subgraph cache short-circuits the second read", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("db.index.fulltext.queryNodes", []graph.ResultRow{
			{"id": "svc::checkout", "name": "checkout", "degree": int64(1), "score": 1.0},
		}, nil)
		e := NewEngine(DefaultEngineConfig(), EngineDeps{
			Reader:   reader,
			Subgraph: LocalSubgraphStore{Cache: cache.NewSubgraphCache(100, 0)},
		})

		req := Request{Query: "checkout", TenantID: "t1", Principal: viewer()}
		_, err := e.Retrieve(ctx, req)
		require.NoError(t, err)
		first := len(reader.queries)

		result, err := e.Retrieve(ctx, req)
		require.NoError(t, err)
		assert.Len(t, reader.queries, first, "cache hit avoids the round-trip")
		assert.Len(t, result.Sources, 1)
	})

	t.Run("semantic cache returns a marked hit", func(t *testing.T) {
		reader := &fakeReader{}
		reader.on("db.index.fulltext.queryNodes", []graph.ResultRow{
			{"id": "svc::checkout", "name": "checkout", "degree": int64(1), "score": 1.0},
		}, nil)
		semantic, err := cache.NewSemanticQueryCache(16, 0.95)
		require.NoError(t, err)
		e := NewEngine(DefaultEngineConfig(), EngineDeps{
			Reader:   reader,
			Semantic: semantic,
			Embedder: staticEmbedder{[]float32{1, 0}},
		})

		req := Request{Query: "checkout", TenantID: "t1", Principal: viewer()}
		first, err := e.Retrieve(ctx, req)
		require.NoError(t, err)
		assert.False(t, first.Cached)

		second, err := e.Retrieve(ctx, req)
		require.NoError(t, err)
		assert.True(t, second.Cached)
		assert.Equal(t, first.Sources, second.Sources)
	})
}

func TestEngineVectorFallback(t *testing.T) {
	ctx := context.Background()

	store := vector.NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, "services", []vector.Record{
		{ID: "svc::checkout", Vector: []float32{1, 0}, Metadata: map[string]any{"name": "checkout", "tenant_id": "t1"}},
		{ID: "svc::foreign", Vector: []float32{1, 0}, Metadata: map[string]any{"name": "foreign", "tenant_id": "t2"}},
	}))

	cfg := DefaultEngineConfig()
	cfg.VectorCollection = "services"

	t.Run("fulltext miss searches the synced collection", func(t *testing.T) {
		e := NewEngine(cfg, EngineDeps{
			Reader:   &fakeReader{},
			Embedder: staticEmbedder{[]float32{1, 0}},
			Vectors:  store,
		})

		result, err := e.Retrieve(ctx, Request{Query: "checkout", TenantID: "t1", Principal: viewer()})
		require.NoError(t, err)
		require.Len(t, result.Sources, 1, "other tenants' records are filtered out")
		assert.Equal(t, "svc::checkout", result.Sources[0].ID)
	})

	t.Run("without a vector store the miss stays empty", func(t *testing.T) {
		e := NewEngine(cfg, EngineDeps{Reader: &fakeReader{}})

		result, err := e.Retrieve(ctx, Request{Query: "checkout", TenantID: "t1", Principal: viewer()})
		require.NoError(t, err)
		assert.Empty(t, result.Sources)
	})
}

type staticEmbedder struct{ v []float32 }

func (s staticEmbedder) Embed(context.Context, string) ([]float32, error) { return s.v, nil }
