package cypher

import (
	"fmt"
	"strconv"
	"strings"

	"lattice-backend/internal/errors"
)

// Cost factors. MATCH clauses and subquery nesting carry a fixed weight;
// variable-length paths multiply by the hop-range width.
const (
	matchCostFactor    = 10
	subqueryCostFactor = 5
	edgeCostFactor     = 25
)

// CostEstimator bounds query cost before execution and caps every LIMIT in
// the AST. It operates on parsed clauses, never on raw text, so a
// "LIMIT 9999" inside a string literal is invisible to it.
type CostEstimator struct {
	MaxCost    int
	MaxDepth   int
	MaxResults int
}

// NewCostEstimator creates an estimator with the given bounds.
func NewCostEstimator(maxCost, maxDepth, maxResults int) *CostEstimator {
	return &CostEstimator{MaxCost: maxCost, MaxDepth: maxDepth, MaxResults: maxResults}
}

// Enforce estimates cost, rejects unbounded or too-deep paths and
// row-amplification shapes, caps every LIMIT at every scope, and appends a
// trailing LIMIT when the query has none. It returns the bounded query.
func (e *CostEstimator) Enforce(query string) (string, error) {
	clauses, err := ParseQuery(query)
	if err != nil {
		return "", errors.CypherValidation("PARSE_FAILED", "query could not be parsed").
			WithCause(err).Build()
	}

	cost, err := e.scopeCost(clauses, 0)
	if err != nil {
		return "", err
	}
	if e.MaxCost > 0 && cost > e.MaxCost {
		return "", errors.CypherValidation("COST_EXCEEDED",
			"estimated query cost exceeds the configured maximum").
			WithDetails(fmt.Sprintf("cost %d > max %d", cost, e.MaxCost)).Build()
	}

	if err := checkAmplification(clauses); err != nil {
		return "", err
	}

	hadLimit := capLimits(clauses, e.MaxResults)
	out := Reconstruct(clauses)
	if !hadLimit {
		out = strings.TrimRight(out, " \t\n;") + fmt.Sprintf(" LIMIT %d", e.MaxResults)
	}
	return out, nil
}

// scopeCost sums the cost of one scope and recurses into subqueries and
// union branches. depth is the subquery nesting level.
func (e *CostEstimator) scopeCost(clauses []Clause, depth int) (int, error) {
	cost := depth * subqueryCostFactor
	for _, clause := range clauses {
		switch c := clause.(type) {
		case *MatchClause:
			cost += matchCostFactor
			pathCost, err := e.pathCost(c.Toks)
			if err != nil {
				return 0, err
			}
			cost += pathCost
		case *CallSubquery:
			inner, err := e.scopeCost(c.Body, depth+1)
			if err != nil {
				return 0, err
			}
			cost += inner
		case *UnionQuery:
			for _, branch := range c.Branches {
				inner, err := e.scopeCost(branch, depth)
				if err != nil {
					return 0, err
				}
				cost += inner
			}
		}
	}
	return cost, nil
}

// pathCost scans a MATCH pattern for variable-length relationships. A hop
// range [a..b] contributes (b-a+1) x edge factor; an unbounded range is a
// hard reject, as is an upper bound past the depth gate.
func (e *CostEstimator) pathCost(tokens []Token) (int, error) {
	cost := 0
	inBrackets := false
	for i := 0; i < len(tokens); i++ {
		switch tokens[i].Value {
		case "[":
			inBrackets = true
			continue
		case "]":
			inBrackets = false
			continue
		}
		if !inBrackets || tokens[i].Value != "*" || tokens[i].Type != TokenOperator {
			continue
		}

		lower, upper, bounded := hopRange(tokens, i+1)
		if !bounded {
			return 0, errors.CypherValidation("UNBOUNDED_PATH",
				"variable-length paths require an upper bound").Build()
		}
		if e.MaxDepth > 0 && upper > e.MaxDepth {
			return 0, errors.CypherValidation("PATH_TOO_DEEP",
				"path depth exceeds the configured maximum").
				WithDetails(fmt.Sprintf("depth %d > max %d", upper, e.MaxDepth)).Build()
		}
		cost += (upper - lower + 1) * edgeCostFactor
	}
	return cost, nil
}

// hopRange reads the range specifier after a `*` inside brackets: `3`,
// `1..3`, `..3`, `1..`, or nothing. A missing upper bound is unbounded.
func hopRange(tokens []Token, start int) (lower, upper int, bounded bool) {
	var spec strings.Builder
	for i := start; i < len(tokens); i++ {
		t := tokens[i]
		if t.Type == TokenWhitespace || t.Type == TokenComment {
			continue
		}
		if t.Type == TokenNumber || t.Value == "." {
			spec.WriteString(t.Value)
			continue
		}
		break
	}

	s := spec.String()
	if s == "" {
		return 0, 0, false
	}
	if !strings.Contains(s, "..") {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, false
		}
		return n, n, true
	}

	lo, hi, _ := strings.Cut(s, "..")
	lower = 1
	if lo != "" {
		n, err := strconv.Atoi(lo)
		if err != nil {
			return 0, 0, false
		}
		lower = n
	}
	if hi == "" {
		return 0, 0, false
	}
	n, err := strconv.Atoi(hi)
	if err != nil {
		return 0, 0, false
	}
	return lower, n, true
}

// checkAmplification rejects the row-explosion shape: a WITH carrying a
// LIMIT followed by an UNWIND, or by a CALL subquery whose body unwinds.
func checkAmplification(clauses []Clause) error {
	seenWithLimit := false
	for _, clause := range clauses {
		switch c := clause.(type) {
		case *WithClause:
			if clauseHasLimit(c.Toks) {
				seenWithLimit = true
			}
		case *UnwindClause:
			if seenWithLimit {
				return amplificationErr()
			}
		case *CallSubquery:
			if seenWithLimit && scopeHasUnwind(c.Body) {
				return amplificationErr()
			}
			if err := checkAmplification(c.Body); err != nil {
				return err
			}
		case *UnionQuery:
			for _, branch := range c.Branches {
				if err := checkAmplification(branch); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func clauseHasLimit(toks []Token) bool {
	for _, t := range toks {
		if isKeyword(t, "LIMIT") {
			return true
		}
	}
	return false
}

func amplificationErr() error {
	return errors.CypherValidation("AMPLIFICATION",
		"WITH ... LIMIT followed by UNWIND amplifies rows past the limit").Build()
}

func scopeHasUnwind(clauses []Clause) bool {
	for _, clause := range clauses {
		switch c := clause.(type) {
		case *UnwindClause:
			return true
		case *CallSubquery:
			if scopeHasUnwind(c.Body) {
				return true
			}
		case *UnionQuery:
			for _, branch := range c.Branches {
				if scopeHasUnwind(branch) {
					return true
				}
			}
		}
	}
	return false
}

// capLimits rewrites every LIMIT argument above maxResults, in every scope,
// and reports whether any LIMIT keyword was present at all.
func capLimits(clauses []Clause, maxResults int) bool {
	found := false
	for _, clause := range clauses {
		switch c := clause.(type) {
		case *CallSubquery:
			if capLimits(c.Body, maxResults) {
				found = true
			}
		case *UnionQuery:
			for _, branch := range c.Branches {
				if capLimits(branch, maxResults) {
					found = true
				}
			}
		default:
			if capTokenLimits(clause.Tokens(), maxResults) {
				found = true
			}
		}
	}
	return found
}

// capTokenLimits mutates the number token following each LIMIT keyword in
// place. Only keyword tokens count; string-literal contents never match.
func capTokenLimits(tokens []Token, maxResults int) bool {
	found := false
	for i := 0; i < len(tokens); i++ {
		if !isKeyword(tokens[i], "LIMIT") {
			continue
		}
		found = true
		for j := i + 1; j < len(tokens); j++ {
			if tokens[j].Type == TokenWhitespace || tokens[j].Type == TokenComment {
				continue
			}
			if tokens[j].Type == TokenNumber {
				if n, err := strconv.Atoi(tokens[j].Value); err == nil && n > maxResults {
					tokens[j].Value = strconv.Itoa(maxResults)
				}
			}
			break
		}
	}
	return found
}
