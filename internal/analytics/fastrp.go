package analytics

import (
	"hash/fnv"
	"math"
	"math/rand"
)

// FastRPConfig tunes the random-projection embedding.
type FastRPConfig struct {
	Dimensions int
	Iterations int
	// IterationWeights scale each propagation step's contribution to the
	// final embedding; missing entries default to 1.
	IterationWeights []float64
}

// DefaultFastRPConfig matches the structural reranker defaults.
func DefaultFastRPConfig() FastRPConfig {
	return FastRPConfig{
		Dimensions:       128,
		Iterations:       3,
		IterationWeights: []float64{1.0, 1.0, 0.5},
	}
}

// FastRP computes node embeddings by iteratively averaging sparse random
// base vectors over the undirected neighborhood. Base vectors are seeded
// from the node ID so embeddings are stable across runs and replicas.
func FastRP(edges []Edge, cfg FastRPConfig) map[string][]float64 {
	if cfg.Dimensions <= 0 || cfg.Iterations <= 0 {
		return map[string][]float64{}
	}

	adj := make(map[string][]string)
	nodes := make(map[string]bool)
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		adj[e.Target] = append(adj[e.Target], e.Source)
		nodes[e.Source] = true
		nodes[e.Target] = true
	}

	current := make(map[string][]float64, len(nodes))
	final := make(map[string][]float64, len(nodes))
	for n := range nodes {
		current[n] = baseVector(n, cfg.Dimensions)
		final[n] = make([]float64, cfg.Dimensions)
	}

	for iter := 0; iter < cfg.Iterations; iter++ {
		weight := 1.0
		if iter < len(cfg.IterationWeights) {
			weight = cfg.IterationWeights[iter]
		}

		next := make(map[string][]float64, len(nodes))
		for n := range nodes {
			vec := make([]float64, cfg.Dimensions)
			neighbors := adj[n]
			if len(neighbors) == 0 {
				copy(vec, current[n])
			} else {
				for _, nb := range neighbors {
					for d, v := range current[nb] {
						vec[d] += v
					}
				}
				for d := range vec {
					vec[d] /= float64(len(neighbors))
				}
			}
			normalize(vec)
			next[n] = vec
			for d, v := range vec {
				final[n][d] += weight * v
			}
		}
		current = next
	}

	for n := range final {
		normalize(final[n])
	}
	return final
}

// baseVector is a very sparse random projection vector with entries in
// {-1, 0, +1}, deterministic in the node ID.
func baseVector(nodeID string, dims int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(nodeID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float64, dims)
	s := math.Sqrt(float64(dims))
	for d := range vec {
		r := rng.Float64()
		switch {
		case r < 1/(2*s):
			vec[d] = 1
		case r < 1/s:
			vec[d] = -1
		}
	}
	return vec
}

func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for d := range vec {
		vec[d] /= norm
	}
}
