// Package analytics implements local graph algorithms used when the
// database-side GDS procedures are unavailable or the edge set is small
// enough to rank in process: personalized PageRank, Louvain community
// detection, and FastRP node embeddings.
package analytics

import "math"

// Edge is one weighted directed edge of a local subgraph.
type Edge struct {
	Source string
	Target string
	Weight float64
}

// PPRConfig tunes personalized PageRank.
type PPRConfig struct {
	Damping    float64
	Iterations int
	Tolerance  float64
	// EdgeCap bounds the in-process edge set; larger graphs should be
	// ranked database-side instead.
	EdgeCap int
}

// DefaultPPRConfig matches the retrieval engine defaults.
func DefaultPPRConfig() PPRConfig {
	return PPRConfig{Damping: 0.85, Iterations: 20, Tolerance: 1e-6, EdgeCap: 20000}
}

// PersonalizedPageRank ranks nodes by random walks restarting at the seed
// set. Edges beyond the cap are ignored rather than sampled, keeping the
// computation bounded.
func PersonalizedPageRank(edges []Edge, seeds []string, cfg PPRConfig) map[string]float64 {
	if cfg.EdgeCap > 0 && len(edges) > cfg.EdgeCap {
		edges = edges[:cfg.EdgeCap]
	}

	out := make(map[string][]Edge)
	outWeight := make(map[string]float64)
	nodes := make(map[string]bool)
	for _, e := range edges {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		out[e.Source] = append(out[e.Source], Edge{Source: e.Source, Target: e.Target, Weight: w})
		outWeight[e.Source] += w
		nodes[e.Source] = true
		nodes[e.Target] = true
	}
	if len(nodes) == 0 {
		return map[string]float64{}
	}

	restart := make(map[string]float64, len(seeds))
	seedCount := 0
	for _, s := range seeds {
		if nodes[s] {
			seedCount++
		}
	}
	if seedCount == 0 {
		// No seed is in the subgraph; fall back to uniform restarts.
		for n := range nodes {
			restart[n] = 1.0 / float64(len(nodes))
		}
	} else {
		for _, s := range seeds {
			if nodes[s] {
				restart[s] = 1.0 / float64(seedCount)
			}
		}
	}

	rank := make(map[string]float64, len(nodes))
	for n := range nodes {
		rank[n] = restart[n]
	}

	for iter := 0; iter < cfg.Iterations; iter++ {
		next := make(map[string]float64, len(nodes))
		dangling := 0.0
		for n, r := range rank {
			if outWeight[n] == 0 {
				dangling += r
				continue
			}
			for _, e := range out[n] {
				next[e.Target] += r * e.Weight / outWeight[n]
			}
		}

		delta := 0.0
		for n := range nodes {
			v := cfg.Damping*(next[n]+dangling*restart[n]) + (1-cfg.Damping)*restart[n]
			delta += math.Abs(v - rank[n])
			rank[n] = v
		}
		if delta < cfg.Tolerance {
			break
		}
	}
	return rank
}
