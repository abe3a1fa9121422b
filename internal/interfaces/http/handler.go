// Package httpapi exposes the REST surface: ingestion, job polling,
// retrieval queries, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/ingest"
	"lattice-backend/internal/jobs"
	"lattice-backend/internal/middleware"
	"lattice-backend/internal/query"
	"lattice-backend/internal/rerank"
	"lattice-backend/internal/resilience"
	"lattice-backend/internal/tenant"
	"lattice-backend/pkg/api"
)

// ingestSemaphore names the shared admission semaphore for ingestion.
const ingestSemaphore = "ingest"

// Retriever runs the retrieval pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, req query.Request) (*query.Result, error)
}

// Synthesizer turns retrieval output into an answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, tenantID, question string, sources []rerank.Candidate) (string, bool, error)
}

// Ingestor runs the ingestion pipeline.
type Ingestor interface {
	Run(ctx context.Context, tenantID string, docs []ingest.Document) (*ingest.Stats, error)
}

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	// SyncTimeout bounds how long ?sync=true waits before answering 504.
	// The pipeline keeps running in the task set either way.
	SyncTimeout time.Duration
}

// Handler holds the route implementations and their dependencies.
type Handler struct {
	cfg         HandlerConfig
	engine      Retriever
	synthesizer Synthesizer
	ingestor    Ingestor
	jobs        *jobs.Store
	semaphore   resilience.Semaphore
	tasks       *resilience.BoundedTaskSet
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewHandler wires the route implementations.
func NewHandler(cfg HandlerConfig, engine Retriever, synthesizer Synthesizer, ingestor Ingestor,
	jobStore *jobs.Store, semaphore resilience.Semaphore, tasks *resilience.BoundedTaskSet,
	logger *zap.Logger) *Handler {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:         cfg,
		engine:      engine,
		synthesizer: synthesizer,
		ingestor:    ingestor,
		jobs:        jobStore,
		semaphore:   semaphore,
		tasks:       tasks,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	api.JSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ingest accepts a document batch. The default mode is asynchronous: the
// batch runs in the bounded task set and the client polls the job.
// ?sync=true waits up to SyncTimeout and answers 504 on expiry without
// cancelling the in-flight write.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	// Kafka is the primary intake; this endpoint stays for scanners that
	// cannot publish.
	w.Header().Set("Deprecation", "true")

	requestID := middleware.GetRequestIDFromRequest(r)
	tc := tenant.FromContext(r.Context())
	if tc == nil {
		api.ErrorFrom(w, errors.InvalidToken("NO_TENANT_CONTEXT", "request is missing a tenant context").Build(), requestID)
		return
	}

	var req api.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.ErrorFrom(w, errors.Validation("BAD_JSON", "request body is not valid JSON").WithCause(err).Build(), requestID)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		api.ErrorFrom(w, errors.Validation("INVALID_REQUEST", "documents are required").WithCause(err).Build(), requestID)
		return
	}

	token, err := h.semaphore.Acquire(r.Context(), ingestSemaphore)
	if err != nil {
		if errors.IsQuotaExceeded(err) {
			err = errors.QuotaExceeded("INGEST_BUSY", "ingestion is at capacity").
				WithRetryAfter(30 * time.Second).Build()
		}
		api.ErrorFrom(w, err, requestID)
		return
	}

	job := h.jobs.Create(tc.TenantID)
	type outcome struct {
		stats *ingest.Stats
		err   error
	}
	done := make(chan outcome, 1)

	tenantID := tc.TenantID
	started := h.tasks.TryAdd(func(ctx context.Context) {
		defer func() {
			if err := h.semaphore.Release(context.WithoutCancel(ctx), ingestSemaphore, token); err != nil {
				h.logger.Warn("semaphore release failed", zap.Error(err))
			}
		}()
		if err := h.jobs.Heartbeat(job.ID); err != nil {
			h.logger.Warn("job heartbeat failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		stats, err := h.ingestor.Run(ctx, tenantID, req.Documents)
		if err != nil {
			h.logger.Error("ingestion failed",
				zap.String("job_id", job.ID), zap.String("tenant_id", tenantID), zap.Error(err))
			if ferr := h.jobs.Fail(job.ID, errors.ClientMessage(err)); ferr != nil {
				h.logger.Warn("job fail update lost", zap.String("job_id", job.ID), zap.Error(ferr))
			}
			done <- outcome{err: err}
			return
		}
		if cerr := h.jobs.Complete(job.ID, stats); cerr != nil {
			h.logger.Warn("job complete update lost", zap.String("job_id", job.ID), zap.Error(cerr))
		}
		done <- outcome{stats: stats}
	})
	if !started {
		if rerr := h.semaphore.Release(r.Context(), ingestSemaphore, token); rerr != nil {
			h.logger.Warn("semaphore release failed", zap.Error(rerr))
		}
		api.ErrorFrom(w, errors.QuotaExceeded("INGEST_BUSY", "background task capacity reached").
			WithRetryAfter(30*time.Second).Build(), requestID)
		return
	}

	if r.URL.Query().Get("sync") != "true" {
		api.JSON(w, http.StatusAccepted, api.IngestAccepted{JobID: job.ID, Status: "pending"})
		return
	}

	select {
	case out := <-done:
		if out.err != nil {
			api.ErrorFrom(w, out.err, requestID)
			return
		}
		api.JSON(w, http.StatusOK, api.IngestResponse{
			Status:            "completed",
			EntitiesExtracted: out.stats.EntitiesExtracted,
			Errors:            out.stats.Errors,
		})
	case <-time.After(h.cfg.SyncTimeout):
		api.ErrorFrom(w, errors.Timeout("INGEST_SYNC_TIMEOUT",
			"ingestion is still running; poll the job for the result").Build(), requestID)
	case <-r.Context().Done():
		// Client went away; the task keeps running and the job records
		// the outcome.
	}
}

// IngestJob returns the job record for an ingestion.
func (h *Handler) IngestJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "job_id"))
	if err != nil {
		api.ErrorFrom(w, err, middleware.GetRequestIDFromRequest(r))
		return
	}
	api.JSON(w, http.StatusOK, job)
}

// Query runs retrieval and synthesis for a question.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromRequest(r)
	tc := tenant.FromContext(r.Context())
	if tc == nil {
		api.ErrorFrom(w, errors.InvalidToken("NO_TENANT_CONTEXT", "request is missing a tenant context").Build(), requestID)
		return
	}

	var req api.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.ErrorFrom(w, errors.Validation("BAD_JSON", "request body is not valid JSON").WithCause(err).Build(), requestID)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		api.ErrorFrom(w, errors.Validation("INVALID_REQUEST",
			"query is required and max_results must be between 1 and 100").WithCause(err).Build(), requestID)
		return
	}

	result, err := h.engine.Retrieve(r.Context(), query.Request{
		Query:      req.Query,
		MaxResults: req.MaxResults,
		TenantID:   tc.TenantID,
		Principal:  tc.Principal,
	})
	if err != nil {
		api.ErrorFrom(w, err, requestID)
		return
	}

	answer, degraded, err := h.synthesizer.Synthesize(r.Context(), tc.TenantID, req.Query, result.Sources)
	if err != nil {
		api.ErrorFrom(w, err, requestID)
		return
	}

	sources := make([]api.SourceResponse, 0, len(result.Sources))
	for _, c := range result.Sources {
		sources = append(sources, api.SourceResponse{
			ID: c.ID, Name: c.Text, Score: c.Score, Metadata: c.Metadata,
		})
	}
	api.JSON(w, http.StatusOK, api.QueryResponse{
		Answer:           answer,
		Sources:          sources,
		Aggregates:       result.Aggregates,
		Complexity:       string(result.Complexity),
		RetrievalPath:    string(result.Path),
		EvaluationScore:  evaluationScore(result.Sources),
		RetrievalQuality: result.Quality,
		Degraded:         degraded,
	})
}

// evaluationScore is the mean rerank score over the returned sources.
func evaluationScore(sources []rerank.Candidate) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, c := range sources {
		sum += c.Score
	}
	return sum / float64(len(sources))
}
