package cypher

import (
	"fmt"
	"strings"

	"lattice-backend/internal/errors"
	"lattice-backend/internal/tenant"
)

// RewriteResult carries the rewritten query and the parameters the injected
// condition references.
type RewriteResult struct {
	Query  string
	Params map[string]any
}

// Rewriter injects access-control predicates after every MATCH in every
// scope: top level, CALL subquery bodies, and each UNION branch. It then
// re-parses its own output and verifies coverage; a rewrite that leaves any
// MATCH unguarded is a hard error, never a degraded result.
type Rewriter struct {
	// DefaultDenyUntagged maps wildcard-team principals onto the public
	// partition instead of leaving them unfiltered.
	DefaultDenyUntagged bool
}

// NewRewriter creates a rewriter.
func NewRewriter(defaultDenyUntagged bool) *Rewriter {
	return &Rewriter{DefaultDenyUntagged: defaultDenyUntagged}
}

// Rewrite injects the principal's ACL condition. Admin principals skip both
// injection and verification.
func (r *Rewriter) Rewrite(query string, principal tenant.Principal) (*RewriteResult, error) {
	if principal.IsAdmin() {
		return &RewriteResult{Query: query, Params: map[string]any{}}, nil
	}

	condition, params := r.conditionFor(principal)

	clauses, err := ParseQuery(query)
	if err != nil {
		return nil, errors.CypherValidation("PARSE_FAILED", "query could not be parsed").
			WithCause(err).Build()
	}

	rewritten := r.injectScope(clauses, condition)

	// A query with no MATCH but a bare procedure call still needs the
	// predicate between YIELD and RETURN.
	if !scopeHasMatch(rewritten) && scopeHasProcedure(rewritten) {
		rewritten = injectBeforeReturn(rewritten, condition)
	}

	out := Reconstruct(rewritten)
	if err := r.VerifyCoverage(out, condition); err != nil {
		return nil, err
	}
	return &RewriteResult{Query: out, Params: params}, nil
}

// conditionFor builds the predicate template for the principal. The alias
// placeholder is resolved per MATCH clause.
func (r *Rewriter) conditionFor(p tenant.Principal) (string, map[string]any) {
	if p.Team == tenant.Wildcard && r.DefaultDenyUntagged {
		return "%[1]s.team_owner = $acl_team", map[string]any{"acl_team": "public"}
	}
	if p.Role != "" && p.Role != tenant.RoleAnonymous {
		return "%[1]s.team_owner = $acl_team AND $acl_role IN %[1]s.read_roles",
			map[string]any{"acl_team": p.Team, "acl_role": p.Role}
	}
	return "%[1]s.team_owner = $acl_team", map[string]any{"acl_team": p.Team}
}

// Marker returns the coverage marker of a condition: the property name to
// the left of the first '='.
func Marker(condition string) string {
	left, _, found := strings.Cut(condition, "=")
	if !found {
		return strings.TrimSpace(condition)
	}
	left = strings.TrimSpace(left)
	if idx := strings.LastIndex(left, "."); idx >= 0 {
		left = left[idx+1:]
	}
	return left
}

// injectScope rewrites one scope's clause list, recursing into subquery
// bodies and union branches.
func (r *Rewriter) injectScope(clauses []Clause, condition string) []Clause {
	var out []Clause
	for i := 0; i < len(clauses); i++ {
		switch c := clauses[i].(type) {
		case *MatchClause:
			alias := matchAlias(c.Toks)
			cond := fmt.Sprintf(condition, alias)
			out = append(out, c)
			// AND into an existing WHERE, otherwise insert one.
			if next, ok := nextSignificant(clauses, i); ok {
				if where, isWhere := clauses[next].(*WhereClause); isWhere {
					out = append(out, clauses[i+1:next]...)
					out = append(out, rewriteWhere(where, cond))
					i = next
					continue
				}
			}
			out = append(out, &WhereClause{Toks: Tokenize(" WHERE " + cond + " ")})
		case *CallSubquery:
			out = append(out, &CallSubquery{
				Open:  c.Open,
				Body:  r.injectScope(c.Body, condition),
				Close: c.Close,
			})
		case *UnionQuery:
			branches := make([][]Clause, len(c.Branches))
			for bi, branch := range c.Branches {
				branches[bi] = r.injectScope(branch, condition)
			}
			out = append(out, &UnionQuery{Branches: branches, Separator: c.Separator})
		default:
			out = append(out, clauses[i])
		}
	}
	return out
}

// rewriteWhere ANDs the condition onto an existing WHERE, parenthesizing
// the original predicate so operator precedence is preserved.
func rewriteWhere(where *WhereClause, condition string) *WhereClause {
	toks := where.Toks

	// Locate the WHERE keyword; everything after it is the predicate body.
	kwIdx := -1
	for i, t := range toks {
		if isKeyword(t, "WHERE") {
			kwIdx = i
			break
		}
	}
	if kwIdx < 0 {
		return &WhereClause{Toks: append(toks, Tokenize(" AND "+condition)...)}
	}

	// Trailing whitespace stays outside the parens so reconstruction keeps
	// its shape.
	bodyEnd := len(toks)
	for bodyEnd > kwIdx+1 && toks[bodyEnd-1].Type == TokenWhitespace {
		bodyEnd--
	}
	body := joinTokens(toks[kwIdx+1 : bodyEnd])
	tail := joinTokens(toks[bodyEnd:])

	rebuilt := joinTokens(toks[:kwIdx+1]) + " (" + strings.TrimSpace(body) + ") AND " + condition + tail
	return &WhereClause{Toks: Tokenize(rebuilt)}
}

// injectBeforeReturn inserts a WHERE condition immediately before the first
// RETURN clause at this scope. Bare procedure calls have no alias; the
// condition binds the conventional yield variable n when present.
func injectBeforeReturn(clauses []Clause, condition string) []Clause {
	cond := fmt.Sprintf(condition, "n")
	var out []Clause
	injected := false
	for _, c := range clauses {
		if _, isReturn := c.(*ReturnClause); isReturn && !injected {
			out = append(out, &WhereClause{Toks: Tokenize(" WHERE " + cond + " ")})
			injected = true
		}
		out = append(out, c)
	}
	return out
}

// matchAlias extracts the first node alias of a MATCH pattern: the first
// identifier directly after an opening parenthesis.
func matchAlias(tokens []Token) string {
	for i := 0; i < len(tokens); i++ {
		if tokens[i].Value != "(" {
			continue
		}
		for j := i + 1; j < len(tokens); j++ {
			switch tokens[j].Type {
			case TokenWhitespace, TokenComment:
				continue
			case TokenIdentifier:
				return tokens[j].Value
			}
			break
		}
	}
	// Alias-less patterns still get a predicate; the verifier will fail the
	// rewrite if the synthesized alias does not bind, which is the intended
	// fail-closed behavior.
	return "n"
}

// nextSignificant returns the index of the next clause after i that is not
// whitespace-only Generic filler.
func nextSignificant(clauses []Clause, i int) (int, bool) {
	for j := i + 1; j < len(clauses); j++ {
		if g, ok := clauses[j].(*GenericClause); ok && isWhitespaceOnly(g.Toks) {
			continue
		}
		return j, true
	}
	return 0, false
}

func isWhitespaceOnly(tokens []Token) bool {
	for _, t := range tokens {
		if t.Type != TokenWhitespace && t.Type != TokenComment {
			return false
		}
	}
	return true
}

func scopeHasMatch(clauses []Clause) bool {
	for _, c := range clauses {
		switch cc := c.(type) {
		case *MatchClause:
			return true
		case *CallSubquery:
			if scopeHasMatch(cc.Body) {
				return true
			}
		case *UnionQuery:
			for _, b := range cc.Branches {
				if scopeHasMatch(b) {
					return true
				}
			}
		}
	}
	return false
}

func scopeHasProcedure(clauses []Clause) bool {
	for _, c := range clauses {
		if _, ok := c.(*CallProcedure); ok {
			return true
		}
	}
	return false
}

// VerifyCoverage re-parses the rewritten query and asserts every MATCH in
// every scope is covered by the ACL marker, either inside its own clause
// text or in the immediately following WHERE. This is the post-condition
// that defeats comment-, union- and nested-subquery bypasses.
func (r *Rewriter) VerifyCoverage(query, condition string) error {
	marker := Marker(fmt.Sprintf(condition, "x"))
	clauses, err := ParseQuery(query)
	if err != nil {
		return errors.ACLCoverage("REPARSE_FAILED", "rewritten query could not be re-parsed").
			WithCause(err).Build()
	}
	if !verifyScope(clauses, marker) {
		return errors.ACLCoverage("COVERAGE_FAILED",
			"rewritten query has an unguarded MATCH scope").Build()
	}
	return nil
}

func verifyScope(clauses []Clause, marker string) bool {
	for i, c := range clauses {
		switch cc := c.(type) {
		case *MatchClause:
			if strings.Contains(joinTokens(cc.Toks), marker) {
				continue
			}
			next, ok := nextSignificant(clauses, i)
			if !ok {
				return false
			}
			where, isWhere := clauses[next].(*WhereClause)
			if !isWhere || !strings.Contains(joinTokens(where.Toks), marker) {
				return false
			}
		case *CallSubquery:
			if !verifyScope(cc.Body, marker) {
				return false
			}
		case *UnionQuery:
			for _, b := range cc.Branches {
				if !verifyScope(b, marker) {
					return false
				}
			}
		}
	}
	return true
}
