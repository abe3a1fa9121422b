package rerank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBM25(t *testing.T) {
	t.Run("documents with more query terms rank higher", func(t *testing.T) {
		out := BM25("payment checkout", []Candidate{
			{ID: "a", Text: "inventory service for the warehouse"},
			{ID: "b", Text: "payment service handling checkout flows"},
			{ID: "c", Text: "payment gateway"},
		})
		assert.Equal(t, "b", out[0].ID)
		assert.Greater(t, out[0].Score, out[1].Score)
	})

	t.Run("tokenization is case-insensitive and word-bounded", func(t *testing.T) {
		out := BM25("CHECKOUT", []Candidate{
			{ID: "a", Text: "the checkout-service, v2"},
			{ID: "b", Text: "unrelated"},
		})
		assert.Equal(t, "a", out[0].ID)
		assert.Greater(t, out[0].Score, 0.0)
		assert.Zero(t, out[1].Score)
	})

	t.Run("empty query keeps the input order", func(t *testing.T) {
		in := []Candidate{{ID: "a"}, {ID: "b"}}
		assert.Equal(t, in, BM25("", in))
	})
}

func TestDensity(t *testing.T) {
	cfg := DensityConfig{Lambda: 0.7, MinCandidates: 3}

	t.Run("diversifies near-duplicate results", func(t *testing.T) {
		out := Density("payment service", []Candidate{
			{ID: "a", Text: "payment service primary handler"},
			{ID: "b", Text: "payment service primary handler replica"},
			{ID: "c", Text: "payment ledger consumer"},
		}, DensityConfig{Lambda: 0.5, MinCandidates: 3})
		require.Len(t, out, 3)
		assert.Equal(t, "a", out[0].ID)
		// The near-duplicate of the leader is pushed behind the diverse item.
		assert.Equal(t, "c", out[1].ID)
		assert.Equal(t, "b", out[2].ID)
	})

	t.Run("falls back to bm25 below the candidate minimum", func(t *testing.T) {
		in := []Candidate{
			{ID: "a", Text: "payment service"},
			{ID: "b", Text: "payment service"},
		}
		out := Density("payment", in, cfg)
		assert.Equal(t, BM25("payment", in), out)
	})
}

func TestStructural(t *testing.T) {
	embeddings := map[string][]float64{
		"a": {1, 0},
		"b": {0, 1},
	}

	t.Run("multi-hop weights structure over text", func(t *testing.T) {
		out := Structural([]Candidate{
			{ID: "a", Score: 0.2},
			{ID: "b", Score: 0.9},
		}, []float64{1, 0}, embeddings, ComplexityMultiHop)
		// 0.3*0.2 + 0.7*1.0 = 0.76 beats 0.3*0.9 + 0.7*0 = 0.27.
		assert.Equal(t, "a", out[0].ID)
	})

	t.Run("entity lookup weights text over structure", func(t *testing.T) {
		out := Structural([]Candidate{
			{ID: "a", Score: 0.2},
			{ID: "b", Score: 0.9},
		}, []float64{1, 0}, embeddings, ComplexityEntityLookup)
		assert.Equal(t, "b", out[0].ID)
	})

	t.Run("missing embedding keeps the text score", func(t *testing.T) {
		out := Structural([]Candidate{
			{ID: "x", Score: 0.5},
		}, []float64{1, 0}, embeddings, ComplexityMultiHop)
		assert.Equal(t, 0.5, out[0].Score)
	})
}

func TestRRF(t *testing.T) {
	t.Run("items in multiple sources accumulate score", func(t *testing.T) {
		out := RRF(
			[]Candidate{{ID: "a"}, {ID: "b"}, {ID: "c"}},
			[]Candidate{{ID: "b"}, {ID: "d"}},
		)
		require.NotEmpty(t, out)
		assert.Equal(t, "b", out[0].ID)
		// rank 2 + rank 1: 1/62 + 1/61.
		assert.InDelta(t, 1.0/62+1.0/61, out[0].Score, 1e-9)
	})

	t.Run("single source preserves rank order", func(t *testing.T) {
		out := RRF([]Candidate{{ID: "a"}, {ID: "b"}})
		assert.Equal(t, "a", out[0].ID)
		assert.Equal(t, "b", out[1].ID)
	})
}
