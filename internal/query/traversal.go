package query

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lattice-backend/internal/graph"
)

// TraversalConfig bounds the agentic multi-hop expansion.
type TraversalConfig struct {
	// MaxDepth is the hop bound for both strategies.
	MaxDepth int
	// HighDegreeThreshold selects batched BFS over the var-length query:
	// a start node whose degree hint exceeds it would fan the var-length
	// expansion out across its whole neighborhood.
	HighDegreeThreshold int
	// BFSBatchSize is the frontier slice per round-trip.
	BFSBatchSize int
	// MaxNodes stops the expansion outright.
	MaxNodes int
	// APOCEnabled tries apoc.path.subgraphNodes first.
	APOCEnabled bool
	// APOCTimeout bounds the APOC attempt before falling back.
	APOCTimeout time.Duration
}

// DefaultTraversalConfig returns the production bounds.
func DefaultTraversalConfig() TraversalConfig {
	return TraversalConfig{
		MaxDepth:            3,
		HighDegreeThreshold: 50,
		BFSBatchSize:        25,
		MaxNodes:            200,
		APOCEnabled:         false,
		APOCTimeout:         2 * time.Second,
	}
}

// Traverser expands a bounded neighborhood around seed nodes. The strategy
// is chosen from the degree hint carried by the seed candidates; there is
// no speculative degree-probe round-trip.
type Traverser struct {
	cfg    TraversalConfig
	reader GraphReader
	logger *zap.Logger
}

// NewTraverser creates a traverser.
func NewTraverser(cfg TraversalConfig, reader GraphReader, logger *zap.Logger) *Traverser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.BFSBatchSize <= 0 {
		cfg.BFSBatchSize = 25
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = 200
	}
	return &Traverser{cfg: cfg, reader: reader, logger: logger}
}

// Expand traverses outward from the seeds. maxDegreeHint is the largest
// degree observed among the seed candidates during the preceding fetch.
func (t *Traverser) Expand(ctx context.Context, tenantID string, seeds []string, maxDegreeHint int) ([]graph.ResultRow, error) {
	if len(seeds) == 0 {
		return nil, nil
	}

	if t.cfg.APOCEnabled {
		rows, err := t.expandAPOC(ctx, tenantID, seeds)
		if err == nil {
			return rows, nil
		}
		t.logger.Warn("apoc expansion failed, falling back", zap.Error(err))
	}

	if maxDegreeHint > t.cfg.HighDegreeThreshold {
		return t.expandBFS(ctx, tenantID, seeds)
	}
	return t.expandVarLength(ctx, tenantID, seeds)
}

func (t *Traverser) expandAPOC(ctx context.Context, tenantID string, seeds []string) ([]graph.ResultRow, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.APOCTimeout)
	defer cancel()

	cypher := fmt.Sprintf(`MATCH (s {tenant_id: $tenant_id})
WHERE s.id IN $seeds
CALL apoc.path.subgraphNodes(s, {maxLevel: %d, limit: %d}) YIELD node
WITH node WHERE node.tenant_id = $tenant_id
RETURN DISTINCT node.id AS id, node.name AS name, labels(node)[0] AS kind`,
		t.cfg.MaxDepth, t.cfg.MaxNodes)
	return t.reader.ExecuteRead(ctx, tenantID, cypher, map[string]any{
		"tenant_id": tenantID, "seeds": seeds,
	})
}

// expandVarLength issues one bounded variable-length query. Cheap for
// low-degree starts; a supernode start would explode the path count, which
// is what the BFS strategy avoids.
func (t *Traverser) expandVarLength(ctx context.Context, tenantID string, seeds []string) ([]graph.ResultRow, error) {
	cypher := fmt.Sprintf(`MATCH p = (s {tenant_id: $tenant_id})-[*1..%d]-(m {tenant_id: $tenant_id})
WHERE s.id IN $seeds AND all(rel IN relationships(p) WHERE rel.tombstoned_at IS NULL)
RETURN DISTINCT m.id AS id, m.name AS name, labels(m)[0] AS kind, length(p) AS distance
ORDER BY distance, name
LIMIT %d`, t.cfg.MaxDepth, t.cfg.MaxNodes)
	return t.reader.ExecuteRead(ctx, tenantID, cypher, map[string]any{
		"tenant_id": tenantID, "seeds": seeds,
	})
}

// expandBFS runs one single-hop query per frontier batch per depth level,
// which keeps every round-trip small no matter how dense the start.
func (t *Traverser) expandBFS(ctx context.Context, tenantID string, seeds []string) ([]graph.ResultRow, error) {
	hop := `MATCH (s {tenant_id: $tenant_id})-[r]-(m {tenant_id: $tenant_id})
WHERE s.id IN $frontier AND r.tombstoned_at IS NULL
RETURN DISTINCT m.id AS id, m.name AS name, labels(m)[0] AS kind`

	visited := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		visited[s] = true
	}
	var out []graph.ResultRow
	frontier := seeds

	for depth := 0; depth < t.cfg.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for start := 0; start < len(frontier); start += t.cfg.BFSBatchSize {
			end := min(start+t.cfg.BFSBatchSize, len(frontier))
			rows, err := t.reader.ExecuteRead(ctx, tenantID, hop, map[string]any{
				"tenant_id": tenantID, "frontier": frontier[start:end],
			})
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				id, _ := row["id"].(string)
				if id == "" || visited[id] {
					continue
				}
				visited[id] = true
				row["distance"] = int64(depth + 1)
				out = append(out, row)
				next = append(next, id)
				if len(out) >= t.cfg.MaxNodes {
					return out, nil
				}
			}
		}
		frontier = next
	}
	return out, nil
}
