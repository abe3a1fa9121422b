// Package rerank reorders retrieval candidates: Okapi BM25 text scoring,
// maximal-marginal-relevance diversification, structural fusion against
// graph embeddings, and reciprocal-rank fusion for multi-source merges.
package rerank

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Candidate is one retrieval result under consideration.
type Candidate struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]any
}

// Okapi BM25 constants. IDF is approximated as ln 2: documents are short
// and collection statistics too unstable to estimate per-term IDF.
const (
	bm25K1  = 1.2
	bm25B   = 0.75
	bm25IDF = 0.6931471805599453
)

var wordSplit = regexp.MustCompile(`\W+`)

func tokenize(text string) []string {
	var out []string
	for _, w := range wordSplit.Split(strings.ToLower(text), -1) {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// BM25 scores candidates against the query and returns them in descending
// score order.
func BM25(query string, candidates []Candidate) []Candidate {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(candidates) == 0 {
		return candidates
	}

	docs := make([][]string, len(candidates))
	totalLen := 0
	for i, c := range candidates {
		docs[i] = tokenize(c.Text)
		totalLen += len(docs[i])
	}
	avgLen := float64(totalLen) / float64(len(candidates))
	if avgLen == 0 {
		avgLen = 1
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		freq := make(map[string]int, len(docs[i]))
		for _, term := range docs[i] {
			freq[term]++
		}
		docLen := float64(len(docs[i]))

		score := 0.0
		for _, term := range queryTerms {
			tf := float64(freq[term])
			if tf == 0 {
				continue
			}
			score += bm25IDF * tf * (bm25K1 + 1) /
				(tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		}
		out[i].Score = score
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}

// DensityConfig tunes the MMR diversification pass.
type DensityConfig struct {
	// Lambda trades relevance against diversity: 1 is pure relevance.
	Lambda float64
	// MinCandidates is the pool size below which MMR adds nothing and the
	// reranker falls back to plain BM25 order.
	MinCandidates int
}

// Density reranks with BM25 then applies maximal marginal relevance:
// lambda * normalized_score - (1 - lambda) * max_jaccard over the already
// selected items.
func Density(query string, candidates []Candidate, cfg DensityConfig) []Candidate {
	ranked := BM25(query, candidates)
	if len(ranked) < cfg.MinCandidates || len(ranked) < 2 {
		return ranked
	}

	maxScore := ranked[0].Score
	if maxScore == 0 {
		maxScore = 1
	}
	tokenSets := make([]map[string]bool, len(ranked))
	for i, c := range ranked {
		tokenSets[i] = toSet(tokenize(c.Text))
	}

	selected := make([]Candidate, 0, len(ranked))
	selectedSets := make([]map[string]bool, 0, len(ranked))
	remaining := make([]int, len(ranked))
	for i := range remaining {
		remaining[i] = i
	}

	for len(remaining) > 0 {
		bestPos, bestVal := 0, math.Inf(-1)
		for pos, idx := range remaining {
			relevance := ranked[idx].Score / maxScore
			redundancy := 0.0
			for _, sel := range selectedSets {
				if j := jaccard(tokenSets[idx], sel); j > redundancy {
					redundancy = j
				}
			}
			val := cfg.Lambda*relevance - (1-cfg.Lambda)*redundancy
			if val > bestVal {
				bestVal, bestPos = val, pos
			}
		}
		idx := remaining[bestPos]
		selected = append(selected, ranked[idx])
		selectedSets = append(selectedSets, tokenSets[idx])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return selected
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Complexity mirrors the query classifier's classes; it selects the
// text/structure weight split for structural fusion.
type Complexity string

const (
	ComplexityEntityLookup Complexity = "ENTITY_LOOKUP"
	ComplexitySingleHop    Complexity = "SINGLE_HOP"
	ComplexityMultiHop     Complexity = "MULTI_HOP"
	ComplexityAggregate    Complexity = "AGGREGATE"
)

// fusionWeights maps complexity to (text, structure) weights.
var fusionWeights = map[Complexity][2]float64{
	ComplexityEntityLookup: {0.9, 0.1},
	ComplexitySingleHop:    {0.6, 0.4},
	ComplexityMultiHop:     {0.3, 0.7},
	ComplexityAggregate:    {0.4, 0.6},
}

// Structural fuses each candidate's text score with the cosine between the
// query's structural vector and the candidate's node embedding, weighted by
// query complexity. Candidates without an embedding keep their text score.
func Structural(candidates []Candidate, queryVector []float64, embeddings map[string][]float64, complexity Complexity) []Candidate {
	weights, ok := fusionWeights[complexity]
	if !ok {
		weights = fusionWeights[ComplexityEntityLookup]
	}
	textW, structW := weights[0], weights[1]

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		emb, ok := embeddings[out[i].ID]
		if !ok || len(queryVector) == 0 {
			continue
		}
		structural := cosine(queryVector, emb)
		out[i].Score = textW*out[i].Score + structW*structural
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rrfK dampens the contribution of deep ranks in reciprocal rank fusion.
const rrfK = 60

// RRF merges multiple ranked lists by reciprocal rank fusion. Candidates
// appearing in several sources accumulate score; metadata from the first
// occurrence wins.
func RRF(sources ...[]Candidate) []Candidate {
	scores := make(map[string]float64)
	first := make(map[string]Candidate)
	var order []string

	for _, source := range sources {
		for rank, c := range source {
			if _, seen := first[c.ID]; !seen {
				first[c.ID] = c
				order = append(order, c.ID)
			}
			scores[c.ID] += 1.0 / float64(rrfK+rank+1)
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		c := first[id]
		c.Score = scores[id]
		out = append(out, c)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}
