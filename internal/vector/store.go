// Package vector abstracts the vector store behind a small capability
// interface with an in-memory backend for development and a Qdrant-backed
// one for production.
package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Record is one stored vector with its payload.
type Record struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
}

// SearchResult is one nearest-neighbor hit.
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Store is the vector store capability surface. Delete takes the owning
// tenant and only removes records whose payload tenant matches, reporting
// how many actually went; an empty tenant skips the filter.
type Store interface {
	Upsert(ctx context.Context, collection string, records []Record) error
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchResult, error)
	Delete(ctx context.Context, collection string, ids []string, tenantID string) (int, error)
}

// MemoryStore is the in-process Store; cosine similarity, no persistence.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	if coll == nil {
		coll = make(map[string]Record)
		s.collections[collection] = coll
	}
	for _, r := range records {
		coll[r.ID] = r
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, collection string, vector []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SearchResult
	for _, r := range s.collections[collection] {
		results = append(results, SearchResult{
			ID:       r.ID,
			Score:    cosine32(vector, r.Vector),
			Metadata: r.Metadata,
		})
	}
	sort.SliceStable(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection string, ids []string, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.collections[collection]
	deleted := 0
	for _, id := range ids {
		r, ok := coll[id]
		if !ok {
			continue
		}
		if tenantID != "" && r.Metadata["tenant_id"] != tenantID {
			continue
		}
		delete(coll, id)
		deleted++
	}
	return deleted, nil
}

// Count returns the record count of a collection.
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
