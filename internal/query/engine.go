package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"lattice-backend/internal/analytics"
	"lattice-backend/internal/cache"
	"lattice-backend/internal/cypher"
	"lattice-backend/internal/errors"
	"lattice-backend/internal/graph"
	"lattice-backend/internal/observability"
	"lattice-backend/internal/rerank"
	"lattice-backend/internal/tenant"
	"lattice-backend/internal/vector"
	"lattice-backend/internal/worker"
)

// Embedder produces the query embedding used by the semantic cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SubgraphStore is the subgraph cache surface the engine populates.
type SubgraphStore interface {
	Get(ctx context.Context, key string) ([]cache.Row, bool)
	Put(ctx context.Context, key string, rows []cache.Row, nodeIDs []string)
}

// LocalSubgraphStore adapts the in-process LRU to the store surface for
// deployments without a Redis tier.
type LocalSubgraphStore struct {
	Cache *cache.SubgraphCache
}

func (s LocalSubgraphStore) Get(_ context.Context, key string) ([]cache.Row, bool) {
	return s.Cache.Get(key)
}

func (s LocalSubgraphStore) Put(_ context.Context, key string, rows []cache.Row, _ []string) {
	s.Cache.Put(key, rows)
}

// InvalidateByNodes drops the whole cache; without the Redis node index
// there is no per-node reverse mapping to scope the eviction.
func (s LocalSubgraphStore) InvalidateByNodes(_ context.Context, _ []string) {
	s.Cache.Clear()
}

// Request is one retrieval request under a resolved principal.
type Request struct {
	Query      string
	MaxResults int
	TenantID   string
	Principal  tenant.Principal
}

// Result is the retrieval outcome handed to synthesis.
type Result struct {
	Sources    []rerank.Candidate
	Aggregates []graph.ResultRow
	Complexity rerank.Complexity
	Path       Path
	Template   string
	Cached     bool
	Quality    float64

	// Structural fusion inputs, populated by paths that materialize the
	// local edge set.
	queryVector []float64
	embeddings  map[string][]float64
}

// EngineConfig tunes the retrieval engine.
type EngineConfig struct {
	// MaxResults is the default and upper bound on returned sources.
	MaxResults int
	// DegreeCap filters single-hop neighbors whose degree exceeds it; the
	// predicate runs in the database so supernodes are never materialized.
	DegreeCap int
	// MaxQueryCost bounds the cost estimator.
	MaxQueryCost int
	// MaxTraversalDepth bounds the cost estimator's hop depth.
	MaxTraversalDepth int
	// GDSEdgeThreshold switches PageRank to the database-side GDS
	// strategy when the local edge set exceeds it.
	GDSEdgeThreshold int
	// FulltextIndex is the full-text index over entity names.
	FulltextIndex string
	// VectorCollection is the synced collection consulted when the
	// full-text index has no match.
	VectorCollection string
	// Production makes a missing tenant a hard failure.
	Production bool
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxResults:        25,
		DegreeCap:         100,
		MaxQueryCost:      500,
		MaxTraversalDepth: 4,
		GDSEdgeThreshold:  5000,
		FulltextIndex:     "entity_names",
	}
}

// EngineDeps carries the engine's collaborators. Subgraph, Semantic,
// Embedder, Pool, GDS, and Metrics are optional.
type EngineDeps struct {
	Reader    GraphReader
	Traverser *Traverser
	Subgraph  SubgraphStore
	Semantic  *cache.SemanticQueryCache
	Embedder  Embedder
	Pool      *worker.Pool
	GDS       PageRankStrategy
	Vectors   vector.Store
	Metrics   *observability.Collector
	Logger    *zap.Logger
}

// Engine classifies, routes, and executes retrieval. Every generated
// Cypher string passes the read-only validator and the cost estimator;
// MATCH-led queries additionally pass the ACL rewriter. Concurrent
// identical requests coalesce on a single flight.
type Engine struct {
	cfg        EngineConfig
	reader     GraphReader
	classifier *Classifier
	catalog    *cypher.Catalog
	matcher    *cypher.Matcher
	validator  *cypher.Validator
	rewriter   *cypher.Rewriter
	cost       *cypher.CostEstimator
	traverser  *Traverser
	local      PageRankStrategy
	gds        PageRankStrategy
	subgraph   SubgraphStore
	semantic   *cache.SemanticQueryCache
	embedder   Embedder
	vectors    vector.Store
	pool       *worker.Pool
	metrics    *observability.Collector
	logger     *zap.Logger
	flight     singleflight.Group
}

// NewEngine wires the retrieval engine.
func NewEngine(cfg EngineConfig, deps EngineDeps) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 25
	}
	if cfg.DegreeCap <= 0 {
		cfg.DegreeCap = 100
	}
	if cfg.FulltextIndex == "" {
		cfg.FulltextIndex = "entity_names"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := cypher.NewCatalog()
	traverser := deps.Traverser
	if traverser == nil {
		traverser = NewTraverser(DefaultTraversalConfig(), deps.Reader, logger)
	}
	return &Engine{
		cfg:        cfg,
		reader:     deps.Reader,
		classifier: NewClassifier(),
		catalog:    catalog,
		matcher:    cypher.NewMatcher(catalog),
		validator:  cypher.NewValidator(),
		rewriter:   cypher.NewRewriter(false),
		cost:       cypher.NewCostEstimator(cfg.MaxQueryCost, cfg.MaxTraversalDepth, cfg.MaxResults),
		traverser:  traverser,
		local:      LocalPageRank{Config: analytics.DefaultPPRConfig()},
		gds:        deps.GDS,
		subgraph:   deps.Subgraph,
		semantic:   deps.Semantic,
		embedder:   deps.Embedder,
		vectors:    deps.Vectors,
		pool:       deps.Pool,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// Retrieve runs the full pipeline for one request.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.Validation("QUERY_EMPTY", "query text is required").Build()
	}
	if e.cfg.Production && req.TenantID == "" && !req.Principal.IsAdmin() {
		return nil, errors.Validation("TENANT_REQUIRED", "retrieval requires a tenant in production").Build()
	}

	limit := req.MaxResults
	if limit <= 0 || limit > e.cfg.MaxResults {
		limit = e.cfg.MaxResults
	}
	complexity := e.classifier.Classify(req.Query)
	path := RouteFor(complexity)
	aclKey := aclKeyFor(req.Principal)
	start := time.Now()

	var embedding []float32
	if e.semantic != nil && e.embedder != nil {
		if v, err := e.embedder.Embed(ctx, req.Query); err == nil {
			embedding = v
			if entry, ok := e.semantic.Lookup(req.TenantID, aclKey, embedding); ok {
				if prior, ok := entry.Result.(*Result); ok {
					hit := *prior
					hit.Cached = true
					if e.metrics != nil {
						e.metrics.SemanticHits.Inc()
					}
					e.observe(path, complexity, "cached", start)
					return &hit, nil
				}
			}
		} else {
			e.logger.Debug("query embedding failed, skipping semantic cache", zap.Error(err))
		}
	}

	flightKey := fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%s",
		req.TenantID, aclKey, path, limit, cypher.NormalizeWhitespace(req.Query))
	v, err, shared := e.flight.Do(flightKey, func() (any, error) {
		return e.execute(ctx, req, complexity, path, limit)
	})
	if err != nil && shared {
		// The leader's failure is not ours to inherit; retry directly.
		var retried *Result
		retried, err = e.execute(ctx, req, complexity, path, limit)
		if err != nil {
			e.observe(path, complexity, "error", start)
			return nil, err
		}
		v = retried
	}
	if err != nil {
		e.observe(path, complexity, "error", start)
		return nil, err
	}
	result := v.(*Result)
	e.observe(path, complexity, "ok", start)

	if e.semantic != nil && embedding != nil && !result.Cached {
		e.semantic.Put(&cache.SemanticEntry{
			Query:     req.Query,
			Embedding: embedding,
			Result:    result,
			TenantID:  req.TenantID,
			ACLKey:    aclKey,
		})
	}
	return result, nil
}

func (e *Engine) execute(ctx context.Context, req Request, complexity rerank.Complexity, path Path, limit int) (*Result, error) {
	result := &Result{Complexity: complexity, Path: path}
	var err error
	switch path {
	case PathVector:
		result.Sources, err = e.vectorPath(ctx, req, limit)
	case PathSingleHop:
		err = e.singleHopPath(ctx, req, limit, result)
	case PathTemplateOrTraversal:
		err = e.multiHopPath(ctx, req, limit, result)
	case PathHybrid:
		err = e.hybridPath(ctx, req, limit, result)
	}
	if err != nil {
		return nil, err
	}

	if err := e.rerank(ctx, req.Query, complexity, result); err != nil {
		return nil, err
	}
	if len(result.Sources) > limit {
		result.Sources = result.Sources[:limit]
	}
	result.Quality = quality(result)
	return result, nil
}

// vectorPath resolves entities through the full-text index, filtered by
// tenant and ACL inside the query. When the index has no match it falls
// back to similarity search over the synced vector collection.
func (e *Engine) vectorPath(ctx context.Context, req Request, limit int) ([]rerank.Candidate, error) {
	q, params := e.fulltextQuery(req, limit)
	rows, err := e.guardedRead(ctx, req.TenantID, q, params)
	if err != nil {
		return nil, err
	}
	candidates := candidatesFromRows(rows)
	if len(candidates) == 0 {
		return e.vectorFallback(ctx, req, limit)
	}
	return candidates, nil
}

// vectorFallback searches the vector store with the query embedding. Hits
// carry tenant_id in their payload; other tenants' records are dropped.
func (e *Engine) vectorFallback(ctx context.Context, req Request, limit int) ([]rerank.Candidate, error) {
	if e.vectors == nil || e.embedder == nil || e.cfg.VectorCollection == "" {
		return nil, nil
	}
	emb, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		e.logger.Debug("query embedding failed, skipping vector fallback", zap.Error(err))
		return nil, nil
	}
	hits, err := e.vectors.Search(ctx, e.cfg.VectorCollection, emb, limit*2)
	if err != nil {
		e.logger.Warn("vector fallback search failed", zap.Error(err))
		return nil, nil
	}
	out := make([]rerank.Candidate, 0, len(hits))
	for _, hit := range hits {
		if tenantID, _ := hit.Metadata["tenant_id"].(string); tenantID != req.TenantID {
			continue
		}
		name, _ := hit.Metadata["name"].(string)
		out = append(out, rerank.Candidate{ID: hit.ID, Text: name, Score: hit.Score, Metadata: hit.Metadata})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (e *Engine) fulltextQuery(req Request, limit int) (string, map[string]any) {
	filters := []string{"node.tenant_id = $tenant_id"}
	params := map[string]any{"q": req.Query, "tenant_id": req.TenantID}
	if !req.Principal.IsAdmin() {
		filters = append(filters, "(node.team_owner = $team OR $role IN node.read_roles)")
		params["team"] = req.Principal.Team
		params["role"] = req.Principal.Role
	}
	q := fmt.Sprintf(`CALL db.index.fulltext.queryNodes('%s', $q) YIELD node, score
WHERE %s
RETURN node.id AS id, node.name AS name, labels(node)[0] AS kind,
       coalesce(node.degree, 0) AS degree, score
ORDER BY score DESC
LIMIT %d`, e.cfg.FulltextIndex, strings.Join(filters, " AND "), limit)
	return q, params
}

// singleHopPath expands one hop around the full-text seeds. The degree cap
// is a predicate, not an ORDER BY over degree: ordering by degree would
// materialize exactly the supernodes the cap exists to avoid. Expansion
// results are then trimmed by personalized PageRank over the local edges.
func (e *Engine) singleHopPath(ctx context.Context, req Request, limit int, result *Result) error {
	seeds, err := e.vectorPath(ctx, req, limit)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return nil
	}
	seedIDs := candidateIDs(seeds)

	hop := fmt.Sprintf(`MATCH (s {tenant_id: $tenant_id})-[r]-(m {tenant_id: $tenant_id})
WHERE s.id IN $seeds AND r.tombstoned_at IS NULL AND coalesce(m.degree, 0) <= $degree_cap
RETURN DISTINCT s.id AS source, m.id AS id, m.name AS name, labels(m)[0] AS kind,
       type(r) AS relation, coalesce(m.degree, 0) AS degree
ORDER BY m.degree DESC, m.name
LIMIT %d`, e.cfg.MaxResults*8)
	params := map[string]any{
		"tenant_id":  req.TenantID,
		"seeds":      seedIDs,
		"degree_cap": e.cfg.DegreeCap,
	}
	rows, err := e.aclRead(ctx, req, hop, params)
	if err != nil {
		return err
	}

	edges := make([]analytics.Edge, 0, len(rows))
	for _, row := range rows {
		source, _ := row["source"].(string)
		target, _ := row["id"].(string)
		if source != "" && target != "" {
			edges = append(edges, analytics.Edge{Source: source, Target: target, Weight: 1})
		}
	}
	scores, err := e.rankStrategy(len(edges)).Rank(ctx, req.TenantID, seedIDs, edges)
	if err != nil {
		e.logger.Warn("pagerank trim failed, keeping hop order", zap.Error(err))
		scores = nil
	}

	candidates := candidatesFromRows(rows)
	if scores != nil {
		for i := range candidates {
			candidates[i].Score = scores[candidates[i].ID]
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Score > candidates[j].Score
		})
	}

	if len(edges) > 0 {
		embeddings := analytics.FastRP(edges, analytics.DefaultFastRPConfig())
		result.queryVector = meanEmbedding(embeddings, seedIDs)
		result.embeddings = embeddings
		communities := analytics.Louvain(edges)
		for i := range candidates {
			if community, ok := communities[candidates[i].ID]; ok {
				candidates[i].Metadata["community"] = community
			}
		}
	}
	result.Sources = candidates
	return nil
}

func (e *Engine) rankStrategy(edgeCount int) PageRankStrategy {
	if e.gds != nil && e.cfg.GDSEdgeThreshold > 0 && edgeCount > e.cfg.GDSEdgeThreshold {
		return e.gds
	}
	return e.local
}

// multiHopPath tries a template match first; only when no template binds
// does it fall back to the bounded agentic traversal.
func (e *Engine) multiHopPath(ctx context.Context, req Request, limit int, result *Result) error {
	if match, ok := e.matcher.MatchQuery(req.Query); ok {
		rows, err := e.runTemplate(ctx, req, match, limit)
		if err != nil {
			return err
		}
		result.Template = match.Template.Name
		result.Sources = candidatesFromRows(rows)
		return nil
	}

	seeds, err := e.vectorPath(ctx, req, limit)
	if err != nil {
		return err
	}
	maxDegree := 0
	for _, s := range seeds {
		if d, ok := s.Metadata["degree"].(int64); ok && int(d) > maxDegree {
			maxDegree = int(d)
		}
	}
	rows, err := e.traverser.Expand(ctx, req.TenantID, candidateIDs(seeds), maxDegree)
	if err != nil {
		return err
	}
	result.Sources = rerank.RRF(seeds, candidatesFromRows(rows))
	return nil
}

// hybridPath pairs a vector prefilter with an aggregate execution; both
// feed the response as sources.
func (e *Engine) hybridPath(ctx context.Context, req Request, limit int, result *Result) error {
	candidates, err := e.vectorPath(ctx, req, limit)
	if err != nil {
		return err
	}
	result.Sources = candidates

	if match, ok := e.matcher.MatchQuery(req.Query); ok {
		rows, err := e.runTemplate(ctx, req, match, limit)
		if err != nil {
			return err
		}
		result.Template = match.Template.Name
		result.Aggregates = rows
		return nil
	}

	aggregate := `MATCH (s {tenant_id: $tenant_id})-[r]->(t {tenant_id: $tenant_id})
WHERE r.tombstoned_at IS NULL
RETURN type(r) AS relation, count(r) AS total
ORDER BY total DESC`
	rows, err := e.aclRead(ctx, req, aggregate, map[string]any{"tenant_id": req.TenantID})
	if err != nil {
		return err
	}
	result.Aggregates = rows
	return nil
}

// runTemplate executes a catalog template. Templates are pre-vetted and
// carry tenant_id in their patterns, so they skip the ACL rewriter but
// still pass the validator, the sandbox hash check, and the cost cap.
func (e *Engine) runTemplate(ctx context.Context, req Request, match *cypher.Match, limit int) ([]graph.ResultRow, error) {
	if !e.catalog.Allows(match.Template.Cypher) {
		return nil, errors.CypherValidation("TEMPLATE_NOT_REGISTERED",
			"template hash is not in the registry").Build()
	}
	params := map[string]any{"tenant_id": req.TenantID, "limit": limit}
	for name, value := range match.Params {
		params[name] = value
	}
	return e.guardedRead(ctx, req.TenantID, match.Template.Cypher, params)
}

// aclRead injects the principal's ACL predicate, then runs the guarded
// pipeline with the merged parameters.
func (e *Engine) aclRead(ctx context.Context, req Request, q string, params map[string]any) ([]graph.ResultRow, error) {
	rewritten, err := e.rewriter.Rewrite(q, req.Principal)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(params)+len(rewritten.Params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range rewritten.Params {
		merged[k] = v
	}
	return e.guardedRead(ctx, req.TenantID, rewritten.Query, merged)
}

func (e *Engine) observe(path Path, complexity rerank.Complexity, status string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.QueryRequests.WithLabelValues(string(path), string(complexity), status).Inc()
	e.metrics.QueryDuration.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())
}

// guardedRead validates, cost-caps, and executes a read, consulting and
// populating the subgraph cache around the round-trip.
func (e *Engine) guardedRead(ctx context.Context, tenantID, q string, params map[string]any) ([]graph.ResultRow, error) {
	if err := e.validator.Validate(q); err != nil {
		return nil, err
	}
	enforced, err := e.cost.Enforce(q)
	if err != nil {
		return nil, err
	}

	key := cache.Key(cypher.NormalizeWhitespace(enforced), params)
	if e.subgraph != nil {
		if rows, ok := e.subgraph.Get(ctx, key); ok {
			if e.metrics != nil {
				e.metrics.SubgraphHits.Inc()
			}
			return rowsFromCache(rows), nil
		}
		if e.metrics != nil {
			e.metrics.SubgraphMisses.Inc()
		}
	}

	rows, err := e.reader.ExecuteRead(ctx, tenantID, enforced, params)
	if err != nil {
		return nil, err
	}
	if e.subgraph != nil {
		e.subgraph.Put(ctx, key, rowsToCache(rows), rowIDs(rows))
	}
	return rows, nil
}

// rerank scores the sources with BM25 and dispatches the work to the
// bounded pool so it never runs on a request goroutine.
func (e *Engine) rerank(ctx context.Context, queryText string, complexity rerank.Complexity, result *Result) error {
	if len(result.Sources) == 0 {
		return nil
	}
	run := func() {
		if complexity == rerank.ComplexityEntityLookup {
			result.Sources = rerank.BM25(queryText, result.Sources)
		} else {
			result.Sources = rerank.Density(queryText, result.Sources, rerank.DensityConfig{
				Lambda:        0.7,
				MinCandidates: 5,
			})
		}
		if len(result.queryVector) > 0 && len(result.embeddings) > 0 {
			result.Sources = rerank.Structural(result.Sources, result.queryVector, result.embeddings, complexity)
		}
	}
	if e.pool == nil {
		run()
		return nil
	}
	return e.pool.Run(ctx, run)
}

// quality is a coarse retrieval-quality heuristic from result coverage.
func quality(result *Result) float64 {
	if len(result.Sources) == 0 && len(result.Aggregates) == 0 {
		return 0
	}
	score := 0.5
	if len(result.Sources) >= 3 {
		score += 0.2
	}
	if result.Template != "" || len(result.Aggregates) > 0 {
		score += 0.2
	}
	if result.Path == PathVector && len(result.Sources) > 0 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

func aclKeyFor(p tenant.Principal) string {
	return p.Team + "|" + p.Namespace + "|" + p.Role
}

func candidatesFromRows(rows []graph.ResultRow) []rerank.Candidate {
	out := make([]rerank.Candidate, 0, len(rows))
	seen := map[string]bool{}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			if name, ok := row["name"].(string); ok {
				id = name
			}
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		name, _ := row["name"].(string)
		score, _ := row["score"].(float64)
		out = append(out, rerank.Candidate{ID: id, Text: name, Score: score, Metadata: map[string]any(row)})
	}
	return out
}

// meanEmbedding averages the seeds' node embeddings into the query's
// structural vector.
func meanEmbedding(embeddings map[string][]float64, ids []string) []float64 {
	var sum []float64
	n := 0
	for _, id := range ids {
		emb, ok := embeddings[id]
		if !ok {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(emb))
		}
		for i := range emb {
			sum[i] += emb[i]
		}
		n++
	}
	if n == 0 {
		return nil
	}
	for i := range sum {
		sum[i] /= float64(n)
	}
	return sum
}

func candidateIDs(candidates []rerank.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.ID)
	}
	return out
}

func rowIDs(rows []graph.ResultRow) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if id, ok := row["id"].(string); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

func rowsToCache(rows []graph.ResultRow) []cache.Row {
	out := make([]cache.Row, len(rows))
	for i, row := range rows {
		out[i] = cache.Row(row)
	}
	return out
}

func rowsFromCache(rows []cache.Row) []graph.ResultRow {
	out := make([]graph.ResultRow, len(rows))
	for i, row := range rows {
		out[i] = graph.ResultRow(row)
	}
	return out
}
