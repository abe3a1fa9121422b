package ingest

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/graph"
	"lattice-backend/internal/outbox"
)

type recordedWrite struct {
	cypher string
	params map[string]any
}

type fakeWriter struct {
	writes     []recordedWrite
	tombstoned int64
	pruned     []graph.ResultRow
}

func (f *fakeWriter) ExecuteWrite(_ context.Context, _ string, cypher string, params map[string]any) ([]graph.ResultRow, error) {
	f.writes = append(f.writes, recordedWrite{cypher: cypher, params: params})
	switch {
	case strings.Contains(cypher, "count(r) AS tombstoned"):
		return []graph.ResultRow{{"tombstoned": f.tombstoned}}, nil
	case strings.Contains(cypher, "labels(n)[0] AS kind"):
		return f.pruned, nil
	}
	return nil, nil
}

func doc(path string, sourceType SourceType, body string) Document {
	return Document{
		FilePath:   path,
		Content:    base64.StdEncoding.EncodeToString([]byte(body)),
		SourceType: sourceType,
		Repository: "platform-repo",
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, writer GraphWriter) *Orchestrator {
	t.Helper()
	resolver, err := NewResolver(100)
	require.NoError(t, err)
	return NewOrchestrator(cfg, writer, resolver, nil, nil, nil, nil, nil, nil)
}

func TestResolver(t *testing.T) {
	t.Run("aliases fold onto canonical names", func(t *testing.T) {
		r, err := NewResolver(10)
		require.NoError(t, err)
		r.RegisterAlias("checkout-svc", "checkout")

		id := r.Resolve("repo", "payments", "checkout-svc")
		assert.Equal(t, "repo::payments::checkout", id.String())
	})

	t.Run("distinct names are distinct entities", func(t *testing.T) {
		r, err := NewResolver(10)
		require.NoError(t, err)
		a := r.Resolve("repo", "ns", "billing")
		b := r.Resolve("repo", "ns", "billng")
		assert.NotEqual(t, a.String(), b.String(), "no fuzzy matching")
	})

	t.Run("known set is bounded", func(t *testing.T) {
		r, err := NewResolver(3)
		require.NoError(t, err)
		for _, name := range []string{"a", "b", "c", "d"} {
			r.Resolve("repo", "ns", name)
		}
		assert.Equal(t, 3, r.KnownCount())
		assert.False(t, r.Known("repo::ns::a"), "oldest identity evicted")
	})
}

func TestExtractors(t *testing.T) {
	t.Run("source code yields calls and topic edges", func(t *testing.T) {
		body := `
resp, err := client.Get("http://billing/v1/invoices")
producer.Publish(ctx, "orders.created", payload)
consumer.Subscribe("payments.settled")
db, err := sql.Open("postgres", "postgres://orders@orders-db:5432/orders")
`
		d := doc("services/payments/checkout/main.go", SourceCode, body)
		raw, err := d.Decode()
		require.NoError(t, err)
		out, err := sourceCodeExtractor{}.Extract(d, raw)
		require.NoError(t, err)

		kinds := map[graph.EdgeKind]int{}
		for _, e := range out.Edges {
			kinds[e.Kind]++
		}
		assert.Equal(t, 2, kinds[graph.EdgeCalls], "one service call, one database")
		assert.Equal(t, 1, kinds[graph.EdgeProduces])
		assert.Equal(t, 1, kinds[graph.EdgeConsumes])

		var owner string
		for _, e := range out.Edges {
			if e.Kind == graph.EdgeProduces {
				owner = e.SourceID
			}
		}
		assert.Equal(t, "checkout", owner, "service name derived from path")
	})

	t.Run("self calls and localhost are skipped", func(t *testing.T) {
		d := doc("services/payments/checkout/client.go", SourceCode,
			`a := "http://checkout/health"; b := "http://localhost:8080"`)
		raw, _ := d.Decode()
		out, err := sourceCodeExtractor{}.Extract(d, raw)
		require.NoError(t, err)
		assert.Empty(t, out.Edges)
	})

	t.Run("k8s manifest yields deployment and edge from app label", func(t *testing.T) {
		body := `
kind: Deployment
metadata:
  name: checkout-prod
  namespace: payments
  labels:
    app: checkout
---
kind: ConfigMap
metadata:
  name: checkout-config
`
		d := doc("deploy/checkout.yaml", SourceK8sManifest, body)
		raw, _ := d.Decode()
		out, err := k8sManifestExtractor{}.Extract(d, raw)
		require.NoError(t, err)

		require.Len(t, out.Edges, 1)
		assert.Equal(t, graph.EdgeDeployedIn, out.Edges[0].Kind)
		assert.Equal(t, "checkout", out.Edges[0].SourceID)
		assert.Equal(t, "checkout-prod", out.Edges[0].TargetID)
	})

	t.Run("kafka schema yields producers and consumers", func(t *testing.T) {
		body := `{"topic": "orders.created", "producers": ["checkout"], "consumers": ["billing", "analytics"]}`
		d := doc("schemas/orders.json", SourceKafkaSchema, body)
		raw, _ := d.Decode()
		out, err := kafkaSchemaExtractor{}.Extract(d, raw)
		require.NoError(t, err)

		produces, consumes := 0, 0
		for _, e := range out.Edges {
			switch e.Kind {
			case graph.EdgeProduces:
				produces++
			case graph.EdgeConsumes:
				consumes++
			}
		}
		assert.Equal(t, 1, produces)
		assert.Equal(t, 2, consumes)
	})

	t.Run("unknown source type is rejected", func(t *testing.T) {
		_, err := ExtractorFor("terraform")
		require.Error(t, err)
	})
}

func TestOrchestratorRun(t *testing.T) {
	ctx := context.Background()
	codeDoc := doc("services/payments/checkout/main.go", SourceCode,
		`client.Get("http://billing/v1/invoices")`)

	t.Run("empty tenant is rejected", func(t *testing.T) {
		o := newTestOrchestrator(t, Config{}, &fakeWriter{})
		_, err := o.Run(ctx, "", []Document{codeDoc})
		require.Error(t, err)
		assert.ErrorContains(t, err, "TENANT_REQUIRED")
	})

	t.Run("tenant id sits inside every merge and match pattern", func(t *testing.T) {
		writer := &fakeWriter{}
		o := newTestOrchestrator(t, Config{}, writer)

		stats, err := o.Run(ctx, "team-payments", []Document{codeDoc})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.EntitiesExtracted)
		assert.Equal(t, 1, stats.EdgesWritten)

		require.NotEmpty(t, writer.writes)
		for _, w := range writer.writes {
			for _, line := range strings.Split(w.cypher, "\n") {
				if strings.Contains(line, "MERGE (n:") || strings.Contains(line, "MATCH (a") || strings.Contains(line, "MATCH (b") {
					assert.Contains(t, line, "tenant_id: $tenant_id", "pattern must scope by tenant: %s", line)
				}
			}
			assert.Equal(t, "team-payments", w.params["tenant_id"])
		}
	})

	t.Run("edge commit stamps the tenant on the relationship", func(t *testing.T) {
		writer := &fakeWriter{}
		o := newTestOrchestrator(t, Config{}, writer)
		_, err := o.Run(ctx, "team-payments", []Document{codeDoc})
		require.NoError(t, err)

		var edgeCypher string
		for _, w := range writer.writes {
			if strings.Contains(w.cypher, "MERGE (a)-[r:") {
				edgeCypher = w.cypher
			}
		}
		require.NotEmpty(t, edgeCypher)
		assert.Contains(t, edgeCypher, "r.tenant_id = $tenant_id")
	})

	t.Run("acl enrichment follows path conventions", func(t *testing.T) {
		writer := &fakeWriter{}
		o := newTestOrchestrator(t, Config{}, writer)
		_, err := o.Run(ctx, "team-payments", []Document{codeDoc})
		require.NoError(t, err)

		var serviceRows []map[string]any
		for _, w := range writer.writes {
			if strings.Contains(w.cypher, "MERGE (n:Service") {
				serviceRows = w.params["rows"].([]map[string]any)
			}
		}
		require.NotEmpty(t, serviceRows)
		var checkout map[string]any
		for _, row := range serviceRows {
			if strings.HasSuffix(row["id"].(string), "::checkout") {
				checkout = row
			}
		}
		require.NotNil(t, checkout)
		assert.Equal(t, "payments", checkout["team_owner"])
		assert.Equal(t, []string{"reader"}, checkout["read_roles"])
	})

	t.Run("tombstone sweep is tenant scoped and counted", func(t *testing.T) {
		writer := &fakeWriter{tombstoned: 7}
		o := newTestOrchestrator(t, Config{}, writer)

		stats, err := o.Run(ctx, "team-payments", []Document{codeDoc})
		require.NoError(t, err)
		assert.Equal(t, 7, stats.Tombstoned)

		var sweep string
		for _, w := range writer.writes {
			if strings.Contains(w.cypher, "tombstoned_at = datetime()") {
				sweep = w.cypher
			}
		}
		require.NotEmpty(t, sweep)
		assert.Contains(t, sweep, "{tenant_id: $tenant_id}")
		assert.Contains(t, sweep, "<> $ingestion_id")
	})

	t.Run("swept entities become delete events per collection", func(t *testing.T) {
		writer := &fakeWriter{pruned: []graph.ResultRow{
			{"id": "repo::payments::legacy-a", "kind": "Service"},
			{"id": "repo::payments::legacy-b", "kind": "Service"},
			{"id": "repo::payments::old-db", "kind": "Database"},
		}}
		var flushed []outbox.Event
		box := outbox.NewCoalescingOutbox(time.Minute, func(_ context.Context, events []outbox.Event) {
			flushed = append(flushed, events...)
		}, nil)

		resolver, err := NewResolver(100)
		require.NoError(t, err)
		o := NewOrchestrator(Config{}, writer, resolver, nil, box, nil, nil, nil, nil)

		stats, err := o.Run(ctx, "team-payments", []Document{codeDoc})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.EntitiesPruned)

		box.Flush(ctx)
		deletes := map[string][]string{}
		for _, e := range flushed {
			if e.Operation != outbox.OpDelete {
				continue
			}
			assert.Equal(t, "team-payments", e.TenantID)
			deletes[e.Collection] = append(deletes[e.Collection], e.PrunedIDs...)
		}
		require.Len(t, deletes, 2, "one delete event per collection")
		assert.ElementsMatch(t, []string{"repo::payments::legacy-a", "repo::payments::legacy-b"}, deletes["services"])
		assert.ElementsMatch(t, []string{"repo::payments::old-db"}, deletes["databases"])
	})

	t.Run("bad documents are recorded without sinking the batch", func(t *testing.T) {
		writer := &fakeWriter{}
		o := newTestOrchestrator(t, Config{}, writer)
		bad := Document{FilePath: "x", Content: "%%%not-base64%%%", SourceType: SourceCode}

		stats, err := o.Run(ctx, "team-payments", []Document{bad, codeDoc})
		require.NoError(t, err)
		assert.Len(t, stats.Errors, 1)
		assert.Equal(t, 2, stats.EntitiesExtracted)
	})

	t.Run("vector sync events and cache invalidation follow commit", func(t *testing.T) {
		var flushed []outbox.Event
		box := outbox.NewCoalescingOutbox(time.Minute, func(_ context.Context, events []outbox.Event) {
			flushed = append(flushed, events...)
		}, nil)
		sub := &fakeSubgraphInvalidator{}
		sem := &fakeSemanticInvalidator{}

		resolver, err := NewResolver(100)
		require.NoError(t, err)
		o := NewOrchestrator(Config{}, &fakeWriter{}, resolver, nil, box, nil, sub, sem, nil)

		_, err = o.Run(ctx, "team-payments", []Document{codeDoc})
		require.NoError(t, err)

		box.Flush(ctx)
		require.Len(t, flushed, 2)
		for _, e := range flushed {
			assert.Equal(t, outbox.OpUpsert, e.Operation)
			assert.Equal(t, "team-payments", e.Vectors[0].Metadata["tenant_id"])
		}
		assert.Len(t, sub.nodes, 2)
		assert.Equal(t, []string{"team-payments"}, sem.tenants)
	})
}

type fakeSubgraphInvalidator struct{ nodes []string }

func (f *fakeSubgraphInvalidator) InvalidateByNodes(_ context.Context, nodeIDs []string) {
	f.nodes = append(f.nodes, nodeIDs...)
}

type fakeSemanticInvalidator struct{ tenants []string }

func (f *fakeSemanticInvalidator) InvalidateTenant(tenantID string) int {
	f.tenants = append(f.tenants, tenantID)
	return 0
}
