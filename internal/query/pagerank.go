package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lattice-backend/internal/analytics"
	"lattice-backend/internal/graph"
)

// GraphReader is the slice of the graph client the engine reads through.
type GraphReader interface {
	ExecuteRead(ctx context.Context, tenantID, cypher string, params map[string]any) ([]graph.ResultRow, error)
}

// PageRankStrategy scores the nodes of a local edge set against seeds.
type PageRankStrategy interface {
	Rank(ctx context.Context, tenantID string, seeds []string, edges []analytics.Edge) (map[string]float64, error)
}

// LocalPageRank runs personalized PageRank in-process over the hop result's
// edge set. The edge cap inside the analytics config bounds the work.
type LocalPageRank struct {
	Config analytics.PPRConfig
}

func (l LocalPageRank) Rank(_ context.Context, _ string, seeds []string, edges []analytics.Edge) (map[string]float64, error) {
	return analytics.PersonalizedPageRank(edges, seeds, l.Config), nil
}

// GDSPageRank projects a named subgraph in the database and streams
// gds.pageRank over it. The projection is dropped on every exit path; a
// leaked projection would pin server memory until restart.
type GDSPageRank struct {
	Reader GraphReader
	Logger *zap.Logger
}

func (g GDSPageRank) Rank(ctx context.Context, tenantID string, seeds []string, edges []analytics.Edge) (map[string]float64, error) {
	name := "ppr_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	project := `CALL gds.graph.project.cypher($name,
		'MATCH (n {tenant_id: $tenant_id}) RETURN id(n) AS id',
		'MATCH (a {tenant_id: $tenant_id})-[r]->(b {tenant_id: $tenant_id}) WHERE r.tombstoned_at IS NULL RETURN id(a) AS source, id(b) AS target',
		{parameters: {tenant_id: $tenant_id}})
	YIELD graphName RETURN graphName`
	if _, err := g.Reader.ExecuteRead(ctx, tenantID, project, map[string]any{
		"name": name, "tenant_id": tenantID,
	}); err != nil {
		return nil, fmt.Errorf("gds projection failed: %w", err)
	}
	defer func() {
		drop := `CALL gds.graph.drop($name, false) YIELD graphName RETURN graphName`
		if _, err := g.Reader.ExecuteRead(context.WithoutCancel(ctx), tenantID, drop, map[string]any{"name": name}); err != nil {
			logger := g.Logger
			if logger == nil {
				logger = zap.NewNop()
			}
			logger.Error("gds projection drop failed", zap.String("graph", name), zap.Error(err))
		}
	}()

	stream := `CALL gds.pageRank.stream($name, {sourceNodes: $seeds})
	YIELD nodeId, score
	RETURN gds.util.asNode(nodeId).id AS id, score`
	rows, err := g.Reader.ExecuteRead(ctx, tenantID, stream, map[string]any{
		"name": name, "seeds": seeds,
	})
	if err != nil {
		return nil, fmt.Errorf("gds pagerank stream failed: %w", err)
	}

	scores := make(map[string]float64, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		score, _ := row["score"].(float64)
		if id != "" {
			scores[id] = score
		}
	}
	return scores, nil
}
