package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersonalizedPageRank(t *testing.T) {
	cfg := DefaultPPRConfig()

	t.Run("seed neighborhood outranks distant nodes", func(t *testing.T) {
		edges := []Edge{
			{Source: "seed", Target: "near"},
			{Source: "near", Target: "seed"},
			{Source: "far1", Target: "far2"},
			{Source: "far2", Target: "far1"},
			{Source: "near", Target: "far1"},
		}
		rank := PersonalizedPageRank(edges, []string{"seed"}, cfg)
		assert.Greater(t, rank["seed"], rank["far2"])
		assert.Greater(t, rank["near"], rank["far2"])
	})

	t.Run("edge cap bounds the computation", func(t *testing.T) {
		capped := cfg
		capped.EdgeCap = 1
		rank := PersonalizedPageRank([]Edge{
			{Source: "a", Target: "b"},
			{Source: "c", Target: "d"},
		}, []string{"a"}, capped)
		_, hasD := rank["d"]
		assert.False(t, hasD)
	})

	t.Run("empty graph yields empty ranks", func(t *testing.T) {
		assert.Empty(t, PersonalizedPageRank(nil, []string{"a"}, cfg))
	})

	t.Run("seeds outside the subgraph fall back to uniform restarts", func(t *testing.T) {
		rank := PersonalizedPageRank([]Edge{
			{Source: "a", Target: "b"},
		}, []string{"elsewhere"}, cfg)
		assert.Len(t, rank, 2)
	})
}

func TestLouvain(t *testing.T) {
	t.Run("two cliques with one bridge form two communities", func(t *testing.T) {
		edges := []Edge{
			{Source: "a1", Target: "a2"}, {Source: "a2", Target: "a3"}, {Source: "a1", Target: "a3"},
			{Source: "b1", Target: "b2"}, {Source: "b2", Target: "b3"}, {Source: "b1", Target: "b3"},
			{Source: "a1", Target: "b1"},
		}
		communities := Louvain(edges)
		require.Len(t, communities, 6)

		assert.Equal(t, communities["a1"], communities["a2"])
		assert.Equal(t, communities["a2"], communities["a3"])
		assert.Equal(t, communities["b1"], communities["b2"])
		assert.Equal(t, communities["b2"], communities["b3"])
		assert.NotEqual(t, communities["a1"], communities["b1"])
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		edges := []Edge{
			{Source: "x", Target: "y"}, {Source: "y", Target: "z"},
		}
		assert.Equal(t, Louvain(edges), Louvain(edges))
	})

	t.Run("empty graph", func(t *testing.T) {
		assert.Empty(t, Louvain(nil))
	})
}

func TestFastRP(t *testing.T) {
	cfg := FastRPConfig{Dimensions: 64, Iterations: 3, IterationWeights: []float64{1, 1, 0.5}}

	t.Run("embeddings are deterministic and unit length", func(t *testing.T) {
		edges := []Edge{
			{Source: "a", Target: "b"}, {Source: "b", Target: "c"},
		}
		first := FastRP(edges, cfg)
		second := FastRP(edges, cfg)
		require.Len(t, first, 3)
		assert.Equal(t, first, second)

		var norm float64
		for _, v := range first["a"] {
			norm += v * v
		}
		assert.InDelta(t, 1.0, norm, 1e-9)
	})

	t.Run("structurally similar nodes embed closer than distant ones", func(t *testing.T) {
		// a and b share the hub's neighborhood; z hangs off its own chain.
		edges := []Edge{
			{Source: "hub", Target: "a"}, {Source: "hub", Target: "b"},
			{Source: "a", Target: "x"}, {Source: "b", Target: "x"},
			{Source: "z1", Target: "z2"}, {Source: "z2", Target: "z3"},
		}
		emb := FastRP(edges, cfg)
		ab := dot(emb["a"], emb["b"])
		az := dot(emb["a"], emb["z3"])
		assert.Greater(t, ab, az)
	})
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
