// Package di assembles the application: configuration in, a running
// dependency graph out. Initialization is staged in dependency order and
// Shutdown releases everything in reverse.
package di

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"lattice-backend/internal/cache"
	"lattice-backend/internal/config"
	"lattice-backend/internal/graph"
	"lattice-backend/internal/ingest"
	httpapi "lattice-backend/internal/interfaces/http"
	"lattice-backend/internal/jobs"
	"lattice-backend/internal/llm"
	"lattice-backend/internal/observability"
	"lattice-backend/internal/outbox"
	"lattice-backend/internal/query"
	"lattice-backend/internal/resilience"
	"lattice-backend/internal/tenant"
	"lattice-backend/internal/vector"
	"lattice-backend/internal/worker"
)

// tenantConnectionFraction is each tenant's share of the driver pool.
const tenantConnectionFraction = 0.25

// Container owns every long-lived component and their shutdown order.
type Container struct {
	Config    *config.Config
	Logger    *zap.Logger
	Collector *observability.Collector
	Tracing   *observability.TracerProvider

	Redis redis.UniversalClient

	Registry *tenant.Registry
	Tracker  tenant.Quota
	Resolver *tenant.Resolver

	Graph    *graph.Client
	Ontology *graph.OntologyProvider

	SubgraphL1 *cache.SubgraphCache
	Subgraph   query.SubgraphStore
	Semantic   *cache.SemanticQueryCache
	Vectors    vector.Store

	Outbox  *outbox.CoalescingOutbox
	Drainer *outbox.DurableDrainer

	Pool            *worker.Pool
	StateStore      resilience.StateStore
	IngestSemaphore resilience.Semaphore
	DrainLock       resilience.Locker
	Tasks           *resilience.BoundedTaskSet
	LLMBreaker      *resilience.GlobalBreaker

	Embedder    llm.Embedder
	Synthesizer *llm.Synthesizer
	Engine      *query.Engine

	IngestResolver *ingest.Resolver
	Orchestrator   *ingest.Orchestrator
	Jobs           *jobs.Store

	Handler *httpapi.Handler
	Router  http.Handler

	outboxCancel context.CancelFunc
}

// NewContainer builds the full dependency graph.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: logger}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	// 1. Observability: metrics always, tracing best-effort.
	c.Collector = observability.NewCollector("lattice")
	c.initTracing()

	// 2. Distributed substrate. Absent Redis, every coordination
	// primitive falls back to its in-process variant.
	if err := c.initRedis(); err != nil {
		return nil, err
	}

	// 3. Tenant layer: registry, connection quotas, principal resolution.
	c.initTenancy()

	// 4. Graph database client and the extraction ontology.
	if err := c.initGraph(); err != nil {
		return nil, err
	}

	// 5. Caches and the vector store.
	if err := c.initStorage(); err != nil {
		return nil, err
	}

	// 6. Resilience primitives and worker pools.
	c.initResilience()

	// 7. Vector-sync outbox.
	c.initOutbox()

	// 8. LLM synthesis chain and embeddings.
	if err := c.initLLM(); err != nil {
		return nil, err
	}

	// 9. Ingestion pipeline.
	if err := c.initIngestion(); err != nil {
		return nil, err
	}

	// 10. Retrieval engine.
	c.initEngine()

	// 11. HTTP surface.
	c.initHTTP()

	return c, nil
}

func (c *Container) initTracing() {
	tp, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName: "lattice-backend",
		Environment: string(c.Config.Mode),
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		c.Logger.Warn("tracing disabled", zap.Error(err))
		return
	}
	c.Tracing = tp
}

func (c *Container) initRedis() error {
	if !c.Config.Redis.Enabled() {
		c.Logger.Info("redis not configured; using in-process fallbacks")
		return nil
	}
	opts, err := redis.ParseURL(c.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	if c.Config.Redis.Password != "" {
		opts.Password = c.Config.Redis.Password
	}
	if c.Config.Redis.DB != 0 {
		opts.DB = c.Config.Redis.DB
	}
	c.Redis = redis.NewClient(opts)
	return nil
}

func (c *Container) initTenancy() {
	// With an explicit tenant list the registry fails closed on unknown
	// tenants; without one every tenant shares the default database.
	opts := []tenant.RegistryOption{tenant.WithDefaultDatabase(c.Config.Neo4j.Database)}
	tenants := strings.Split(os.Getenv("TENANTS"), ",")
	registered := 0
	c.Registry = tenant.NewRegistry(opts...)
	for _, id := range tenants {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := c.Registry.Register(tenant.Route{
			TenantID:  id,
			Isolation: tenant.IsolationLogical,
			Database:  c.Config.Neo4j.Database,
		}); err != nil {
			c.Logger.Warn("tenant registration failed", zap.String("tenant_id", id), zap.Error(err))
			continue
		}
		registered++
	}
	if registered == 0 {
		c.Registry = tenant.NewRegistry(append(opts, tenant.WithAllowUnknown())...)
	}
	if c.Redis != nil {
		c.Tracker = tenant.NewSharedConnectionTracker(c.Redis, c.Config.Neo4j.MaxConnectionPoolSize, tenantConnectionFraction)
	} else {
		c.Tracker = tenant.NewConnectionTracker(c.Config.Neo4j.MaxConnectionPoolSize, tenantConnectionFraction)
	}
	c.Resolver = tenant.NewResolver(tenant.ResolverConfig{
		Secret:        c.Config.Auth.TokenSecret,
		RequireTokens: c.Config.Auth.RequireTokens,
		Production:    c.Config.Mode == config.ModeProduction,
		DefaultTenant: c.Config.Auth.DefaultTenant,
	})
}

func (c *Container) initGraph() error {
	client, err := graph.NewClient(graph.ClientConfig{
		URI:                          c.Config.Neo4j.URI,
		Username:                     c.Config.Neo4j.Username,
		Password:                     c.Config.Neo4j.Password,
		ReadReplicaURIs:              c.Config.Neo4j.ReadReplicaURIs,
		MaxConnectionPoolSize:        c.Config.Neo4j.MaxConnectionPoolSize,
		ConnectionAcquisitionTimeout: c.Config.Neo4j.ConnectionAcquisitionTimeout,
		MaxTransactionRetryTime:      c.Config.Neo4j.MaxTransactionRetryTime,
	}, c.Registry, c.Tracker, c.Logger)
	if err != nil {
		return err
	}
	c.Graph = client

	if path := os.Getenv("ONTOLOGY_PATH"); path != "" {
		provider, err := graph.NewWatchingOntologyProvider(path, c.Logger)
		if err != nil {
			return err
		}
		c.Ontology = provider
		return nil
	}
	c.Ontology = graph.NewOntologyProvider(graph.DefaultOntology(), c.Logger)
	return nil
}

func (c *Container) initStorage() error {
	c.SubgraphL1 = cache.NewSubgraphCache(c.Config.Query.SubgraphCacheSize, 0)
	if c.Redis != nil {
		c.Subgraph = cache.NewRedisSubgraphCache(c.SubgraphL1, c.Redis, c.Config.Query.SubgraphCacheTTL, c.Logger)
	} else {
		c.Subgraph = query.LocalSubgraphStore{Cache: c.SubgraphL1}
	}

	semantic, err := cache.NewSemanticQueryCache(c.Config.Query.SubgraphCacheSize, c.Config.Query.SemanticThreshold)
	if err != nil {
		return err
	}
	c.Semantic = semantic

	switch c.Config.Vector.Backend {
	case "qdrant":
		c.Vectors = vector.NewQdrantStore(c.Config.Vector.QdrantURL, c.Logger)
	default:
		c.Vectors = vector.NewMemoryStore()
	}
	return nil
}

func (c *Container) initResilience() {
	if c.Redis != nil {
		c.StateStore = resilience.NewRedisStateStore(c.Redis, 5*time.Minute)
		c.IngestSemaphore = resilience.NewDistributedSemaphore(c.Redis, c.Config.Ingest.MaxConcurrent, 5*time.Minute)
		c.DrainLock = resilience.NewDistributedLock(c.Redis, resilience.DefaultLockConfig())
	} else {
		c.StateStore = resilience.NewMemoryStateStore()
		c.IngestSemaphore = resilience.NewLocalFallbackSemaphore(c.Config.Ingest.MaxConcurrent)
		c.DrainLock = resilience.NewLocalFallbackLock(resilience.DefaultLockConfig())
	}
	c.Tasks = resilience.NewBoundedTaskSet(c.Config.Worker.TaskLimit, c.Logger)
	c.LLMBreaker = resilience.NewGlobalBreaker("llm", c.breakerConfig(), c.StateStore, c.Logger)
	c.Pool = worker.NewPool(c.Config.Worker.PoolSize, c.Config.Worker.QueueSize, c.Logger)
}

// breakerConfig is the shared breaker tuning with transitions surfaced
// through the metrics registry.
func (c *Container) breakerConfig() resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig()
	cfg.OnTransition = func(name string, to resilience.State) {
		c.Collector.CircuitTransitions.WithLabelValues(name, string(to)).Inc()
	}
	return cfg
}

func (c *Container) initOutbox() {
	if c.Redis != nil {
		c.Drainer = outbox.NewDurableDrainer(c.Redis, c.applyVectorEvent, c.Config.Ingest.OutboxRetries, c.Logger)
		c.Drainer.OnDiscard = c.Collector.OutboxDiscarded.Inc
	}
	sink := func(ctx context.Context, events []outbox.Event) {
		if c.Drainer != nil {
			c.Drainer.Persist(ctx, events)
			drained := c.Drainer.DrainPending(ctx)
			c.Collector.OutboxDrained.Add(float64(drained))
			return
		}
		for _, event := range events {
			if err := c.applyVectorEvent(ctx, event); err != nil {
				c.Logger.Warn("vector sync failed",
					zap.String("event_id", event.EventID),
					zap.String("collection", event.Collection),
					zap.Error(err))
				continue
			}
			c.Collector.OutboxDrained.Inc()
		}
	}
	c.Outbox = outbox.NewCoalescingOutbox(c.Config.Ingest.OutboxWindow, sink, c.Logger)
}

func (c *Container) applyVectorEvent(ctx context.Context, event outbox.Event) error {
	switch event.Operation {
	case outbox.OpDelete:
		if len(event.PrunedIDs) == 0 {
			return nil
		}
		deleted, err := c.Vectors.Delete(ctx, event.Collection, event.PrunedIDs, event.TenantID)
		if err != nil {
			return err
		}
		c.Logger.Debug("pruned vectors",
			zap.String("collection", event.Collection),
			zap.String("tenant_id", event.TenantID),
			zap.Int("deleted", deleted))
		return nil
	default:
		if len(event.Vectors) == 0 {
			return nil
		}
		return c.Vectors.Upsert(ctx, event.Collection, event.Vectors)
	}
}

func (c *Container) initLLM() error {
	var providers []llm.Provider
	var openaiClient *openai.LLM

	for _, name := range c.Config.LLM.Providers {
		switch name {
		case "openai":
			client, err := openai.New(openai.WithModel(c.Config.LLM.OpenAIModel))
			if err != nil {
				c.Logger.Warn("openai provider unavailable", zap.Error(err))
				continue
			}
			openaiClient = client
			breaker := resilience.NewBreaker("llm-openai", c.breakerConfig(), c.StateStore, c.Logger)
			providers = append(providers, llm.NewBreakerProvider(
				llm.NewLangChainProvider("openai", client), breaker))
		case "mock":
			providers = append(providers, &llm.MockProvider{
				ProviderName: "mock",
				Response:     "No answer provider is configured; returning retrieval context only.",
			})
		default:
			c.Logger.Warn("unknown llm provider, skipping", zap.String("provider", name))
		}
	}
	if len(providers) == 0 {
		return fmt.Errorf("no usable llm providers from %v", c.Config.LLM.Providers)
	}

	chain := llm.NewFallbackChain(c.Logger, providers...)
	chain.OnFallback = func(provider string) {
		c.Collector.LLMFallbacks.WithLabelValues(provider).Inc()
	}
	invoker := llm.NewGlobalBreakerProvider(chain, c.LLMBreaker)
	guard := llm.NewGuard(c.Config.LLM.GuardrailsEnabled, c.Config.LLM.GuardrailsBlock, c.Logger)
	c.Synthesizer = llm.NewSynthesizer(llm.SynthesizerConfig{
		RankTimeout:     c.Config.Query.RankTimeout,
		TruncateTimeout: c.Config.Query.TruncateTimeout,
	}, invoker, guard, c.Logger)

	if openaiClient != nil {
		c.Embedder = llm.NewOpenAIEmbedder(openaiClient)
	} else {
		c.Embedder = llm.NewHashEmbedder(c.Config.Query.FastRPDimensions)
	}
	return nil
}

func (c *Container) initIngestion() error {
	resolver, err := ingest.NewResolver(0)
	if err != nil {
		return err
	}
	c.IngestResolver = resolver

	subgraph, _ := c.Subgraph.(ingest.SubgraphInvalidator)
	c.Orchestrator = ingest.NewOrchestrator(ingest.Config{
		BatchSize:           c.Config.Ingest.BatchSize,
		DefaultDenyUntagged: c.Config.ACL.DefaultDenyUntagged,
	}, c.Graph, resolver, c.Ontology, c.Outbox, c.Embedder, subgraph, c.Semantic, c.Logger)

	c.Jobs = jobs.NewStore(c.Config.Jobs.TTL)
	return nil
}

func (c *Container) initEngine() {
	traverser := query.NewTraverser(query.TraversalConfig{
		MaxDepth:            c.Config.Query.MaxPathDepth,
		HighDegreeThreshold: c.Config.Query.BFSThreshold,
	}, c.Graph, c.Logger)

	c.Engine = query.NewEngine(query.EngineConfig{
		MaxResults:        c.Config.Query.MaxResults,
		DegreeCap:         c.Config.Query.DegreeCap,
		MaxQueryCost:      c.Config.Query.MaxQueryCost,
		MaxTraversalDepth: c.Config.Query.MaxPathDepth,
		GDSEdgeThreshold:  c.Config.Query.PPREdgeCap,
		VectorCollection:  c.Config.Vector.Collection,
		Production:        c.Config.Mode == config.ModeProduction,
	}, query.EngineDeps{
		Reader:    c.Graph,
		Traverser: traverser,
		Subgraph:  c.Subgraph,
		Semantic:  c.Semantic,
		Embedder:  c.Embedder,
		Pool:      c.Pool,
		GDS:       query.GDSPageRank{Reader: c.Graph, Logger: c.Logger},
		Vectors:   c.Vectors,
		Metrics:   c.Collector,
		Logger:    c.Logger,
	})
}

func (c *Container) initHTTP() {
	c.Handler = httpapi.NewHandler(httpapi.HandlerConfig{
		SyncTimeout: c.Config.Ingest.SyncTimeout,
	}, c.Engine, c.Synthesizer, c.Orchestrator, c.Jobs, c.IngestSemaphore, c.Tasks, c.Logger)

	c.Router = httpapi.NewRouter(httpapi.RouterConfig{
		RequestTimeout: c.Config.Server.WriteTimeout,
	}, c.Handler, c.Resolver, c.Collector, c.Logger)
}

// Start launches the outbox flush loop. The worker pool is already
// running from construction.
func (c *Container) Start(ctx context.Context) {
	outboxCtx, cancel := context.WithCancel(ctx)
	c.outboxCancel = cancel
	c.Outbox.Start(outboxCtx)
}

// Shutdown releases everything in reverse initialization order: stop
// admitting background work, flush the outbox, stop the pool, then close
// drivers and exporters.
func (c *Container) Shutdown(ctx context.Context) {
	timeout := c.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c.Tasks.DrainAll(timeout)

	if c.outboxCancel != nil {
		c.outboxCancel()
		c.Outbox.Wait()
	} else {
		c.Outbox.Flush(ctx)
	}

	c.Pool.Shutdown(timeout)
	c.Ontology.Close()
	c.Graph.Close(ctx)

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if c.Tracing != nil {
		if err := c.Tracing.Shutdown(ctx); err != nil {
			c.Logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
