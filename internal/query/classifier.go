// Package query classifies natural-language questions, routes them to a
// retrieval path, and executes that path over the graph with caching and
// request coalescing.
package query

import (
	"regexp"

	"lattice-backend/internal/rerank"
)

// Path names a retrieval strategy.
type Path string

const (
	PathVector              Path = "vector"
	PathSingleHop           Path = "single_hop"
	PathTemplateOrTraversal Path = "template_or_traversal"
	PathHybrid              Path = "hybrid"
)

// routes is the fixed complexity → path map.
var routes = map[rerank.Complexity]Path{
	rerank.ComplexityEntityLookup: PathVector,
	rerank.ComplexitySingleHop:    PathSingleHop,
	rerank.ComplexityMultiHop:     PathTemplateOrTraversal,
	rerank.ComplexityAggregate:    PathHybrid,
}

// RouteFor returns the retrieval path for a complexity class.
func RouteFor(c rerank.Complexity) Path {
	if p, ok := routes[c]; ok {
		return p
	}
	return PathVector
}

var (
	aggregatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bhow\s+many\b`),
		regexp.MustCompile(`(?i)\b(?:count|total|number)\s+of\b`),
		regexp.MustCompile(`(?i)\b(?:most|least|top|fewest)\s+\w+`),
		regexp.MustCompile(`(?i)\b(?:average|percentage|distribution)\b`),
		regexp.MustCompile(`(?i)\ball\s+(?:services|topics|teams|databases|deployments)\b`),
		regexp.MustCompile(`(?i)\bper\s+team\b`),
	}
	multiHopPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bblast\s+radius\b`),
		regexp.MustCompile(`(?i)\bimpact\s+(?:of|for)\b`),
		regexp.MustCompile(`(?i)\b(?:transitively|indirectly|eventually)\b`),
		regexp.MustCompile(`(?i)\b(?:downstream|upstream)\b`),
		regexp.MustCompile(`(?i)\bpath\s+(?:from|between)\b`),
		regexp.MustCompile(`(?i)\b(?:breaks?|affected|fails?)\s+(?:if|when)\b`),
		regexp.MustCompile(`(?i)\bchain\s+of\b`),
		regexp.MustCompile(`(?i)\bcross.team\b`),
	}
	singleHopPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:neighbors?|connections?|connected\s+to)\b`),
		regexp.MustCompile(`(?i)\b(?:calls?|invokes?|talks?\s+to)\b`),
		regexp.MustCompile(`(?i)\b(?:consumes?|produces?|publishes?|subscribes?)\b`),
		regexp.MustCompile(`(?i)\bdeployed\b`),
		regexp.MustCompile(`(?i)\bdepends?\s+on\b`),
		regexp.MustCompile(`(?i)\bdirectly\b`),
	}
)

// Classifier maps query text to a complexity class with fixed-order regex
// banks: aggregate beats multi-hop beats single-hop, and anything else is
// an entity lookup.
type Classifier struct{}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify returns the first matching complexity class.
func (Classifier) Classify(text string) rerank.Complexity {
	for _, p := range aggregatePatterns {
		if p.MatchString(text) {
			return rerank.ComplexityAggregate
		}
	}
	for _, p := range multiHopPatterns {
		if p.MatchString(text) {
			return rerank.ComplexityMultiHop
		}
	}
	for _, p := range singleHopPatterns {
		if p.MatchString(text) {
			return rerank.ComplexitySingleHop
		}
	}
	return rerank.ComplexityEntityLookup
}
