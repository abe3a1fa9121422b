package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/ingest"
	"lattice-backend/internal/jobs"
	"lattice-backend/internal/query"
	"lattice-backend/internal/rerank"
	"lattice-backend/internal/resilience"
	"lattice-backend/internal/tenant"
	"lattice-backend/pkg/api"
)

type fakeRetriever struct {
	result *query.Result
	err    error
	last   query.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req query.Request) (*query.Result, error) {
	f.last = req
	return f.result, f.err
}

type fakeSynthesizer struct {
	answer   string
	degraded bool
	err      error
}

func (f *fakeSynthesizer) Synthesize(context.Context, string, string, []rerank.Candidate) (string, bool, error) {
	return f.answer, f.degraded, f.err
}

type fakeIngestor struct {
	stats *ingest.Stats
	err   error
	delay time.Duration
}

func (f *fakeIngestor) Run(ctx context.Context, _ string, _ []ingest.Document) (*ingest.Stats, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.stats, f.err
}

func newTestHandler(t *testing.T, retriever Retriever, synth Synthesizer, ing Ingestor) *Handler {
	t.Helper()
	return NewHandler(
		HandlerConfig{SyncTimeout: 500 * time.Millisecond},
		retriever, synth, ing,
		jobs.NewStore(time.Hour),
		resilience.NewLocalFallbackSemaphore(2),
		resilience.NewBoundedTaskSet(4, zap.NewNop()),
		zap.NewNop(),
	)
}

func tenantRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	tc := &tenant.Context{
		TenantID:  "payments",
		Principal: tenant.Principal{Team: "payments", Namespace: "payments", Role: "viewer"},
	}
	return req.WithContext(tenant.WithContext(req.Context(), tc))
}

func ingestBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(api.IngestRequest{Documents: []ingest.Document{{
		FilePath:   "services/payments/checkout/main.go",
		Content:    base64.StdEncoding.EncodeToString([]byte("package main")),
		SourceType: ingest.SourceCode,
	}}})
	require.NoError(t, err)
	return body
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{})
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "healthy"}`, w.Body.String())
}

func TestQuery(t *testing.T) {
	t.Run("returns the synthesized answer with retrieval fields", func(t *testing.T) {
		retriever := &fakeRetriever{result: &query.Result{
			Sources: []rerank.Candidate{
				{ID: "svc:a", Text: "checkout", Score: 0.8},
				{ID: "svc:b", Text: "billing", Score: 0.4},
			},
			Complexity: rerank.ComplexitySingleHop,
			Path:       query.PathSingleHop,
			Quality:    0.7,
		}}
		h := newTestHandler(t, retriever, &fakeSynthesizer{answer: "checkout calls billing"}, &fakeIngestor{})

		body, _ := json.Marshal(api.QueryRequest{Query: "what does checkout call?", MaxResults: 10})
		w := httptest.NewRecorder()
		h.Query(w, tenantRequest(http.MethodPost, "/query", body))

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.QueryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "checkout calls billing", resp.Answer)
		assert.Len(t, resp.Sources, 2)
		assert.Equal(t, "SINGLE_HOP", resp.Complexity)
		assert.Equal(t, "single_hop", resp.RetrievalPath)
		assert.InDelta(t, 0.6, resp.EvaluationScore, 1e-9)
		assert.InDelta(t, 0.7, resp.RetrievalQuality, 1e-9)

		assert.Equal(t, "payments", retriever.last.TenantID)
		assert.Equal(t, "viewer", retriever.last.Principal.Role)
	})

	t.Run("rejects an empty query", func(t *testing.T) {
		h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{})
		body, _ := json.Marshal(api.QueryRequest{Query: ""})
		w := httptest.NewRecorder()
		h.Query(w, tenantRequest(http.MethodPost, "/query", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects max_results above the cap", func(t *testing.T) {
		h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{})
		body, _ := json.Marshal(api.QueryRequest{Query: "q", MaxResults: 500})
		w := httptest.NewRecorder()
		h.Query(w, tenantRequest(http.MethodPost, "/query", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing tenant context is unauthorized", func(t *testing.T) {
		h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{})
		body, _ := json.Marshal(api.QueryRequest{Query: "q"})
		w := httptest.NewRecorder()
		h.Query(w, httptest.NewRequest(http.MethodPost, "/query", bytes.NewReader(body)))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestIngestAsync(t *testing.T) {
	stats := &ingest.Stats{EntitiesExtracted: 3, EdgesWritten: 2}
	h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{stats: stats})

	w := httptest.NewRecorder()
	h.Ingest(w, tenantRequest(http.MethodPost, "/ingest", ingestBody(t)))

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "true", w.Header().Get("Deprecation"))

	var accepted api.IngestAccepted
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, "pending", accepted.Status)
	require.NotEmpty(t, accepted.JobID)

	require.Eventually(t, func() bool {
		job, err := h.jobs.Get(accepted.JobID)
		return err == nil && job.Status == jobs.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestIngestSync(t *testing.T) {
	t.Run("waits for the pipeline and returns the stats", func(t *testing.T) {
		stats := &ingest.Stats{EntitiesExtracted: 5}
		h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{stats: stats})

		w := httptest.NewRecorder()
		h.Ingest(w, tenantRequest(http.MethodPost, "/ingest?sync=true", ingestBody(t)))

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.IngestResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "completed", resp.Status)
		assert.Equal(t, 5, resp.EntitiesExtracted)
	})

	t.Run("answers 504 when the budget lapses without cancelling the run", func(t *testing.T) {
		h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{},
			&fakeIngestor{stats: &ingest.Stats{}, delay: 200 * time.Millisecond})
		h.cfg.SyncTimeout = 20 * time.Millisecond

		w := httptest.NewRecorder()
		h.Ingest(w, tenantRequest(http.MethodPost, "/ingest?sync=true", ingestBody(t)))

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, 1, h.tasks.Active())
	})

	t.Run("surfaces a circuit-open failure with a retry hint", func(t *testing.T) {
		h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{
			err: errors.CircuitOpen("GRAPH_OPEN", "graph writes are shedding load", 15*time.Second).Build(),
		})

		w := httptest.NewRecorder()
		h.Ingest(w, tenantRequest(http.MethodPost, "/ingest?sync=true", ingestBody(t)))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "15", w.Header().Get("Retry-After"))
	})
}

func TestIngestBackpressure(t *testing.T) {
	h := NewHandler(
		HandlerConfig{},
		&fakeRetriever{}, &fakeSynthesizer{},
		&fakeIngestor{stats: &ingest.Stats{}, delay: 300 * time.Millisecond},
		jobs.NewStore(time.Hour),
		resilience.NewLocalFallbackSemaphore(1),
		resilience.NewBoundedTaskSet(4, zap.NewNop()),
		zap.NewNop(),
	)

	first := httptest.NewRecorder()
	h.Ingest(first, tenantRequest(http.MethodPost, "/ingest", ingestBody(t)))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	h.Ingest(second, tenantRequest(http.MethodPost, "/ingest", ingestBody(t)))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "30", second.Header().Get("Retry-After"))
}

func TestIngestValidation(t *testing.T) {
	h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{})

	t.Run("empty document list", func(t *testing.T) {
		body, _ := json.Marshal(api.IngestRequest{})
		w := httptest.NewRecorder()
		h.Ingest(w, tenantRequest(http.MethodPost, "/ingest", body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown source type", func(t *testing.T) {
		body, _ := json.Marshal(api.IngestRequest{Documents: []ingest.Document{{
			FilePath: "x.bin", Content: "aGk=", SourceType: "binary",
		}}})
		w := httptest.NewRecorder()
		h.Ingest(w, tenantRequest(http.MethodPost, "/ingest", body))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestIngestJob(t *testing.T) {
	h := newTestHandler(t, &fakeRetriever{}, &fakeSynthesizer{}, &fakeIngestor{})

	t.Run("unknown job is 404", func(t *testing.T) {
		router := NewRouter(RouterConfig{}, h,
			tenant.NewResolver(tenant.ResolverConfig{DefaultTenant: "dev"}), nil, zap.NewNop())
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ingest/no-such-job", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("records survive polling", func(t *testing.T) {
		job := h.jobs.Create("payments")
		require.NoError(t, h.jobs.Complete(job.ID, map[string]int{"entities": 4}))

		router := NewRouter(RouterConfig{}, h,
			tenant.NewResolver(tenant.ResolverConfig{DefaultTenant: "dev"}), nil, zap.NewNop())
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ingest/"+job.ID, nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "COMPLETED")
	})
}

func TestRouterAuth(t *testing.T) {
	h := newTestHandler(t, &fakeRetriever{result: &query.Result{}}, &fakeSynthesizer{answer: "ok"}, &fakeIngestor{})
	resolver := tenant.NewResolver(tenant.ResolverConfig{Secret: "s", RequireTokens: true})
	router := NewRouter(RouterConfig{}, h, resolver, nil, zap.NewNop())

	t.Run("query without a token is 401", func(t *testing.T) {
		body, _ := json.Marshal(api.QueryRequest{Query: "q"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/query", bytes.NewReader(body)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("health needs no token", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
