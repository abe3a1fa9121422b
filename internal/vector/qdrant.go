package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"lattice-backend/internal/errors"
)

// QdrantStore talks to Qdrant's REST API. Calls run behind a circuit
// breaker so a degraded vector store sheds load instead of stacking up
// timed-out requests.
type QdrantStore struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewQdrantStore creates a store for the given base URL.
func NewQdrantStore(baseURL string, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "qdrant",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("vector store circuit state changed",
				zap.String("circuit", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &QdrantStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, records []Record) error {
	points := make([]qdrantPoint, len(records))
	for i, r := range records {
		points[i] = qdrantPoint{ID: r.ID, Vector: r.Vector, Payload: r.Metadata}
	}
	body := map[string]any{"points": points}
	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	return s.call(ctx, http.MethodPut, path, body, nil)
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchResult, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var response struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", collection)
	if err := s.call(ctx, http.MethodPost, path, body, &response); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(response.Result))
	for _, hit := range response.Result {
		results = append(results, SearchResult{
			ID:       fmt.Sprintf("%v", hit.ID),
			Score:    hit.Score,
			Metadata: hit.Payload,
		})
	}
	return results, nil
}

// Delete removes points by ID, constrained to the tenant's payload when a
// tenant is given so one tenant's prune can never reach another's points.
// The matching points are counted first; the count is what delete reports.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string, tenantID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	must := []map[string]any{{"has_id": ids}}
	if tenantID != "" {
		must = append(must, map[string]any{
			"key":   "tenant_id",
			"match": map[string]any{"value": tenantID},
		})
	}
	filter := map[string]any{"must": must}

	var count struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	countPath := fmt.Sprintf("/collections/%s/points/count", collection)
	if err := s.call(ctx, http.MethodPost, countPath,
		map[string]any{"filter": filter, "exact": true}, &count); err != nil {
		return 0, err
	}
	if count.Result.Count == 0 {
		return 0, nil
	}

	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	if err := s.call(ctx, http.MethodPost, path, map[string]any{"filter": filter}, nil); err != nil {
		return 0, err
	}
	return count.Result.Count, nil
}

func (s *QdrantStore) call(ctx context.Context, method, path string, body any, out any) error {
	_, err := s.breaker.Execute(func() (any, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("qdrant returned %d: %s", resp.StatusCode, snippet)
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errors.CircuitOpen("VECTOR_CIRCUIT_OPEN",
				"vector store circuit is open", 15*time.Second).Build()
		}
		return errors.Store("VECTOR_CALL", "vector store request failed").
			WithOperation(method + " " + path).WithCause(err).Build()
	}
	return nil
}
