package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/graph"
	"lattice-backend/internal/outbox"
	"lattice-backend/internal/vector"
)

// GraphWriter is the slice of the graph client the orchestrator needs.
type GraphWriter interface {
	ExecuteWrite(ctx context.Context, tenantID, cypher string, params map[string]any) ([]graph.ResultRow, error)
}

// SubgraphInvalidator evicts cached subgraphs touching the given nodes.
type SubgraphInvalidator interface {
	InvalidateByNodes(ctx context.Context, nodeIDs []string)
}

// SemanticInvalidator evicts a tenant's semantic cache entries.
type SemanticInvalidator interface {
	InvalidateTenant(tenantID string) int
}

// Embedder produces a vector for a node's searchable text. Optional: when
// nil, vector-sync events carry metadata only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the orchestrator.
type Config struct {
	// BatchSize is the UNWIND row count per commit statement, clamped to
	// [100, 5000].
	BatchSize int
	// DefaultDenyUntagged leaves read_roles empty for entities whose
	// owning team cannot be derived from the path convention.
	DefaultDenyUntagged bool
}

func (c Config) batchSize() int {
	switch {
	case c.BatchSize == 0:
		return 500
	case c.BatchSize < 100:
		return 100
	case c.BatchSize > 5000:
		return 5000
	}
	return c.BatchSize
}

// Stats summarizes one ingestion run; it becomes the job record's result.
type Stats struct {
	IngestionID       string   `json:"ingestion_id"`
	EntitiesExtracted int      `json:"entities_extracted"`
	EdgesWritten      int      `json:"edges_written"`
	Tombstoned        int      `json:"tombstoned"`
	EntitiesPruned    int      `json:"entities_pruned"`
	Errors            []string `json:"errors,omitempty"`
}

// Orchestrator runs the ingestion pipeline: decode, extract, resolve,
// enrich, commit, tombstone sweep, vector-sync enqueue, cache
// invalidation.
type Orchestrator struct {
	cfg      Config
	writer   GraphWriter
	resolver *Resolver
	ontology *graph.OntologyProvider
	outbox   *outbox.CoalescingOutbox
	embedder Embedder
	subgraph SubgraphInvalidator
	semantic SemanticInvalidator
	logger   *zap.Logger
}

// NewOrchestrator wires the pipeline. outbox, embedder, and the
// invalidators may be nil; those stages are then skipped.
func NewOrchestrator(
	cfg Config,
	writer GraphWriter,
	resolver *Resolver,
	ontology *graph.OntologyProvider,
	box *outbox.CoalescingOutbox,
	embedder Embedder,
	subgraph SubgraphInvalidator,
	semantic SemanticInvalidator,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		writer:   writer,
		resolver: resolver,
		ontology: ontology,
		outbox:   box,
		embedder: embedder,
		subgraph: subgraph,
		semantic: semantic,
		logger:   logger,
	}
}

// Run executes the full pipeline for one batch of documents under one
// tenant. The tenant is mandatory: commits, sweeps, and invalidations are
// all tenant-scoped, and a global sweep must never happen.
func (o *Orchestrator) Run(ctx context.Context, tenantID string, docs []Document) (*Stats, error) {
	if tenantID == "" {
		return nil, errors.Validation("TENANT_REQUIRED", "ingestion requires a tenant").Build()
	}

	stats := &Stats{IngestionID: uuid.NewString()}
	nodes, edges := o.extractAll(docs, stats)
	if len(nodes) == 0 && len(edges) == 0 {
		return stats, nil
	}

	stats.EntitiesExtracted = len(nodes)
	if err := o.commit(ctx, tenantID, stats.IngestionID, nodes, edges); err != nil {
		return stats, err
	}
	stats.EdgesWritten = len(edges)

	tombstoned, pruned, err := o.sweepTombstones(ctx, tenantID, stats.IngestionID)
	if err != nil {
		// The commit stands; a failed sweep leaves stale edges visible
		// until the next run.
		o.logger.Error("tombstone sweep failed", zap.String("tenant_id", tenantID), zap.Error(err))
		stats.Errors = append(stats.Errors, err.Error())
	}
	stats.Tombstoned = tombstoned
	stats.EntitiesPruned = len(pruned)
	o.enqueuePrunes(tenantID, stats.IngestionID, pruned)

	nodeIDs := o.enqueueSync(ctx, tenantID, nodes)
	o.invalidateCaches(ctx, tenantID, nodeIDs)
	return stats, nil
}

// extractAll runs decode+extract+resolve+enrich per document. Document
// failures are recorded, not fatal: one bad manifest must not sink the
// batch.
func (o *Orchestrator) extractAll(docs []Document, stats *Stats) ([]graph.Node, []graph.Edge) {
	nodesByID := map[string]graph.Node{}
	var edges []graph.Edge

	for _, doc := range docs {
		body, err := doc.Decode()
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		extractor, err := ExtractorFor(doc.SourceType)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		extraction, err := extractor.Extract(doc, body)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}

		team := TeamFromPath(doc.FilePath)
		ontology := o.currentOntology()

		resolve := func(name string) string {
			return o.resolver.Resolve(doc.Repository, team, name).String()
		}

		for _, node := range extraction.Nodes {
			if !ontology.AllowsNode(node.Kind) {
				stats.Errors = append(stats.Errors, fmt.Sprintf("node kind %s not in ontology (%s)", node.Kind, doc.FilePath))
				continue
			}
			node.ID = resolve(node.Name)
			o.enrich(&node, team)
			if existing, ok := nodesByID[node.ID]; ok {
				nodesByID[node.ID] = mergeNodes(existing, node)
			} else {
				nodesByID[node.ID] = node
			}
		}
		for _, edge := range extraction.Edges {
			if !ontology.AllowsEdge(edge.Kind, edge.SourceKind, edge.TargetKind) {
				stats.Errors = append(stats.Errors, fmt.Sprintf("edge %s %s→%s not in ontology (%s)",
					edge.Kind, edge.SourceKind, edge.TargetKind, doc.FilePath))
				continue
			}
			edge.SourceID = resolve(edge.SourceID)
			edge.TargetID = resolve(edge.TargetID)
			edges = append(edges, edge)
		}
	}

	nodes := make([]graph.Node, 0, len(nodesByID))
	for _, n := range nodesByID {
		nodes = append(nodes, n)
	}
	return nodes, edges
}

func (o *Orchestrator) currentOntology() *graph.Ontology {
	if o.ontology != nil {
		return o.ontology.Current()
	}
	return graph.DefaultOntology()
}

// enrich applies the ACL defaults from the path convention.
func (o *Orchestrator) enrich(node *graph.Node, team string) {
	if node.TeamOwner == "" {
		node.TeamOwner = team
	}
	if len(node.NamespaceACL) == 0 && team != "" {
		node.NamespaceACL = []string{team}
	}
	if len(node.ReadRoles) == 0 {
		if node.TeamOwner == "" && o.cfg.DefaultDenyUntagged {
			return
		}
		node.ReadRoles = []string{"reader"}
	}
}

func mergeNodes(a, b graph.Node) graph.Node {
	if a.TeamOwner == "" {
		a.TeamOwner = b.TeamOwner
	}
	if len(a.NamespaceACL) == 0 {
		a.NamespaceACL = b.NamespaceACL
	}
	if len(a.ReadRoles) == 0 {
		a.ReadRoles = b.ReadRoles
	}
	if a.Properties == nil {
		a.Properties = b.Properties
	} else {
		for k, v := range b.Properties {
			if _, ok := a.Properties[k]; !ok {
				a.Properties[k] = v
			}
		}
	}
	return a
}

type edgeGroup struct {
	kind       graph.EdgeKind
	sourceKind graph.NodeKind
	targetKind graph.NodeKind
}

// commit writes nodes then edges in batched UNWIND MERGE statements.
// tenant_id sits inside every MERGE and MATCH pattern, never only in SET,
// so identical IDs under different tenants cannot collide.
func (o *Orchestrator) commit(ctx context.Context, tenantID, ingestionID string, nodes []graph.Node, edges []graph.Edge) error {
	byKind := map[graph.NodeKind][]graph.Node{}
	for _, n := range nodes {
		byKind[n.Kind] = append(byKind[n.Kind], n)
	}
	for kind, group := range byKind {
		cypher := fmt.Sprintf(`UNWIND $rows AS row
MERGE (n:%s {id: row.id, tenant_id: $tenant_id})
SET n.name = row.name,
    n.team_owner = row.team_owner,
    n.namespace_acl = row.namespace_acl,
    n.read_roles = row.read_roles,
    n += row.props,
    n.ingestion_id = $ingestion_id,
    n.last_seen_at = datetime()`, kind)

		for batch := range batchCount(len(group), o.cfg.batchSize()) {
			rows := nodeRows(group, batch, o.cfg.batchSize())
			params := map[string]any{"rows": rows, "tenant_id": tenantID, "ingestion_id": ingestionID}
			if _, err := o.writer.ExecuteWrite(ctx, tenantID, cypher, params); err != nil {
				return errors.Store("COMMIT_NODES", "node batch commit failed").
					WithOperation("ingest").WithCause(err).Build()
			}
		}
	}

	byGroup := map[edgeGroup][]graph.Edge{}
	for _, e := range edges {
		byGroup[edgeGroup{e.Kind, e.SourceKind, e.TargetKind}] = append(byGroup[edgeGroup{e.Kind, e.SourceKind, e.TargetKind}], e)
	}
	for group, members := range byGroup {
		cypher := fmt.Sprintf(`UNWIND $rows AS row
MATCH (a:%s {id: row.source, tenant_id: $tenant_id})
MATCH (b:%s {id: row.target, tenant_id: $tenant_id})
MERGE (a)-[r:%s]->(b)
SET r.tenant_id = $tenant_id,
    r.ingestion_id = $ingestion_id,
    r.last_seen_at = datetime(),
    r.tombstoned_at = NULL`, group.sourceKind, group.targetKind, group.kind)

		for batch := range batchCount(len(members), o.cfg.batchSize()) {
			rows := edgeRows(members, batch, o.cfg.batchSize())
			params := map[string]any{"rows": rows, "tenant_id": tenantID, "ingestion_id": ingestionID}
			if _, err := o.writer.ExecuteWrite(ctx, tenantID, cypher, params); err != nil {
				return errors.Store("COMMIT_EDGES", "edge batch commit failed").
					WithOperation("ingest").WithCause(err).Build()
			}
		}
	}
	return nil
}

type prunedEntity struct {
	id   string
	kind graph.NodeKind
}

// sweepTombstones marks every tenant edge and node not touched by this
// run. Swept nodes come back as pruned entities so their synced vectors
// can be deleted.
func (o *Orchestrator) sweepTombstones(ctx context.Context, tenantID, ingestionID string) (int, []prunedEntity, error) {
	edgeCypher := `MATCH (a {tenant_id: $tenant_id})-[r]->(b {tenant_id: $tenant_id})
WHERE coalesce(r.ingestion_id, '') <> $ingestion_id AND r.tombstoned_at IS NULL
SET r.tombstoned_at = datetime()
RETURN count(r) AS tombstoned`
	params := map[string]any{"tenant_id": tenantID, "ingestion_id": ingestionID}
	rows, err := o.writer.ExecuteWrite(ctx, tenantID, edgeCypher, params)
	if err != nil {
		return 0, nil, errors.Store("TOMBSTONE_SWEEP", "tombstone sweep failed").
			WithOperation("ingest").WithCause(err).Build()
	}
	tombstoned := 0
	if len(rows) > 0 {
		if n, ok := rows[0]["tombstoned"].(int64); ok {
			tombstoned = int(n)
		}
	}

	nodeCypher := `MATCH (n {tenant_id: $tenant_id})
WHERE coalesce(n.ingestion_id, '') <> $ingestion_id AND n.tombstoned_at IS NULL
SET n.tombstoned_at = datetime()
RETURN n.id AS id, labels(n)[0] AS kind`
	rows, err = o.writer.ExecuteWrite(ctx, tenantID, nodeCypher, params)
	if err != nil {
		return tombstoned, nil, errors.Store("TOMBSTONE_SWEEP", "node tombstone sweep failed").
			WithOperation("ingest").WithCause(err).Build()
	}
	pruned := make([]prunedEntity, 0, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		kind, _ := row["kind"].(string)
		if id == "" {
			continue
		}
		pruned = append(pruned, prunedEntity{id: id, kind: graph.NodeKind(kind)})
	}
	return tombstoned, pruned, nil
}

// enqueuePrunes pushes one delete event per collection covering the swept
// entities, so the drainer removes their vectors from search.
func (o *Orchestrator) enqueuePrunes(tenantID, ingestionID string, pruned []prunedEntity) {
	if o.outbox == nil || len(pruned) == 0 {
		return
	}
	byCollection := map[string][]string{}
	for _, p := range pruned {
		collection := collectionFor(p.kind)
		byCollection[collection] = append(byCollection[collection], p.id)
	}
	for collection, ids := range byCollection {
		event := outbox.NewEvent(collection, ingestionID, outbox.OpDelete)
		event.TenantID = tenantID
		event.PrunedIDs = ids
		o.outbox.Enqueue(event)
	}
}

// enqueueSync pushes one upsert event per committed node and returns the
// node IDs for cache invalidation.
func (o *Orchestrator) enqueueSync(ctx context.Context, tenantID string, nodes []graph.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
		if o.outbox == nil {
			continue
		}
		event := outbox.NewEvent(collectionFor(node.Kind), node.ID, outbox.OpUpsert)
		event.TenantID = tenantID
		record := vector.Record{
			ID: node.ID,
			Metadata: map[string]any{
				"name":       node.Name,
				"kind":       string(node.Kind),
				"tenant_id":  tenantID,
				"team_owner": node.TeamOwner,
			},
		}
		if o.embedder != nil {
			if v, err := o.embedder.Embed(ctx, node.Name); err == nil {
				record.Vector = v
			} else {
				o.logger.Warn("embedding failed, syncing metadata only",
					zap.String("node_id", node.ID), zap.Error(err))
			}
		}
		event.Vectors = []vector.Record{record}
		o.outbox.Enqueue(event)
	}
	return ids
}

// invalidateCaches evicts tenant-scoped entries. Both invalidations are
// scoped: one tenant's ingest never evicts another tenant's caches.
func (o *Orchestrator) invalidateCaches(ctx context.Context, tenantID string, nodeIDs []string) {
	if tenantID == "" {
		return
	}
	if o.subgraph != nil && len(nodeIDs) > 0 {
		o.subgraph.InvalidateByNodes(ctx, nodeIDs)
	}
	if o.semantic != nil {
		evicted := o.semantic.InvalidateTenant(tenantID)
		o.logger.Debug("semantic cache invalidated",
			zap.String("tenant_id", tenantID), zap.Int("evicted", evicted))
	}
}

func collectionFor(kind graph.NodeKind) string {
	switch kind {
	case graph.NodeService:
		return "services"
	case graph.NodeDatabase:
		return "databases"
	case graph.NodeKafkaTopic:
		return "topics"
	case graph.NodeDeployment:
		return "deployments"
	}
	return "entities"
}

func batchCount(total, size int) int {
	return (total + size - 1) / size
}

func nodeRows(nodes []graph.Node, batch, size int) []map[string]any {
	start := batch * size
	end := min(start+size, len(nodes))
	rows := make([]map[string]any, 0, end-start)
	for _, n := range nodes[start:end] {
		props := n.Properties
		if props == nil {
			props = map[string]any{}
		}
		rows = append(rows, map[string]any{
			"id":            n.ID,
			"name":          n.Name,
			"team_owner":    n.TeamOwner,
			"namespace_acl": n.NamespaceACL,
			"read_roles":    n.ReadRoles,
			"props":         props,
		})
	}
	return rows
}

func edgeRows(edges []graph.Edge, batch, size int) []map[string]any {
	start := batch * size
	end := min(start+size, len(edges))
	rows := make([]map[string]any, 0, end-start)
	for _, e := range edges[start:end] {
		rows = append(rows, map[string]any{
			"source": e.SourceID,
			"target": e.TargetID,
		})
	}
	return rows
}
