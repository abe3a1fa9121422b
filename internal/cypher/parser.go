package cypher

import (
	"fmt"
	"strings"
)

// Clause is the closed set of parsed clause variants. Every clause owns its
// token slice; Reconstruct is concatenation, so parse → reconstruct is exact
// for any accepted input.
type Clause interface {
	// Tokens returns the full token stream of the clause, including nested
	// scopes, in source order.
	Tokens() []Token
}

// MatchClause is a MATCH (or OPTIONAL MATCH) pattern.
type MatchClause struct{ Toks []Token }

// WhereClause is a WHERE predicate.
type WhereClause struct{ Toks []Token }

// ReturnClause is a RETURN projection, including any ORDER BY / SKIP / LIMIT.
type ReturnClause struct{ Toks []Token }

// WithClause is a WITH projection, including any ORDER BY / SKIP / LIMIT.
type WithClause struct{ Toks []Token }

// UnwindClause is an UNWIND expansion.
type UnwindClause struct{ Toks []Token }

// CallSubquery is CALL { ... }. Open holds the CALL keyword through the
// opening brace, Close holds the closing brace; Body is parsed with the
// same grammar as the top level.
type CallSubquery struct {
	Open  []Token
	Body  []Clause
	Close []Token
}

// CallProcedure is a bare CALL proc.name(...) invocation with no brace.
type CallProcedure struct{ Toks []Token }

// UnionQuery joins two branches with UNION [ALL]. Consecutive unions chain
// by nesting: the second branch of the outer union contains the inner one.
type UnionQuery struct {
	Branches  [][]Clause
	Separator []Token
}

// GenericClause is any token run that does not begin a recognized clause:
// leading whitespace, write clauses (the validator rejects those), ORDER BY
// fragments after a subquery, and anything else the grammar passes through.
type GenericClause struct{ Toks []Token }

func (c *MatchClause) Tokens() []Token   { return c.Toks }
func (c *WhereClause) Tokens() []Token   { return c.Toks }
func (c *ReturnClause) Tokens() []Token  { return c.Toks }
func (c *WithClause) Tokens() []Token    { return c.Toks }
func (c *UnwindClause) Tokens() []Token  { return c.Toks }
func (c *CallProcedure) Tokens() []Token { return c.Toks }
func (c *GenericClause) Tokens() []Token { return c.Toks }

func (c *CallSubquery) Tokens() []Token {
	out := make([]Token, 0, len(c.Open)+len(c.Close)+16)
	out = append(out, c.Open...)
	for _, inner := range c.Body {
		out = append(out, inner.Tokens()...)
	}
	out = append(out, c.Close...)
	return out
}

func (u *UnionQuery) Tokens() []Token {
	var out []Token
	for i, branch := range u.Branches {
		if i > 0 {
			out = append(out, u.Separator...)
		}
		for _, c := range branch {
			out = append(out, c.Tokens()...)
		}
	}
	return out
}

// clauseBoundaries are the keywords that terminate collection of the
// current clause when seen at the scope's brace depth.
var clauseBoundaries = map[string]bool{
	"MATCH": true, "OPTIONAL": true, "WHERE": true, "RETURN": true,
	"WITH": true, "CALL": true, "UNWIND": true, "UNION": true,
	"MERGE": true, "CREATE": true, "DELETE": true, "DETACH": true,
	"SET": true, "REMOVE": true, "DROP": true, "LOAD": true,
	"FOREACH": true,
}

// Parse turns a token stream into a clause tree. The only parse error is an
// unterminated CALL subquery; everything else degrades to GenericClause so
// reconstruction stays exact.
func Parse(tokens []Token) ([]Clause, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	return parseScope(tokens, tokens[0].BraceDepth)
}

// ParseQuery tokenizes and parses in one step.
func ParseQuery(query string) ([]Clause, error) {
	return Parse(Tokenize(query))
}

// Reconstruct concatenates the clause tree back into query text.
func Reconstruct(clauses []Clause) string {
	var b strings.Builder
	for _, c := range clauses {
		for _, t := range c.Tokens() {
			b.WriteString(t.Value)
		}
	}
	return b.String()
}

// parseScope parses tokens whose clause keywords live at baseDepth. Tokens
// at greater depth belong to nested structures inside the current clause.
func parseScope(tokens []Token, baseDepth int) ([]Clause, error) {
	var clauses []Clause
	i := 0

	for i < len(tokens) {
		// Collect any prefix (whitespace, comments, stray tokens) up to the
		// next clause keyword at scope depth.
		prefixStart := i
		for i < len(tokens) && !isBoundary(tokens[i], baseDepth) {
			i++
		}
		prefix := tokens[prefixStart:i]

		if i >= len(tokens) {
			if len(prefix) > 0 {
				clauses = append(clauses, &GenericClause{Toks: prefix})
			}
			break
		}

		kw := strings.ToUpper(tokens[i].Value)

		if kw == "UNION" {
			// Everything so far is the first branch; the rest parses
			// recursively into the second. A trailing ALL travels with the
			// separator so reconstruction preserves it.
			if len(prefix) > 0 {
				clauses = append(clauses, &GenericClause{Toks: prefix})
			}
			sepEnd := i + 1
			for sepEnd < len(tokens) && tokens[sepEnd].Type == TokenWhitespace {
				sepEnd++
			}
			if sepEnd < len(tokens) && isKeyword(tokens[sepEnd], "ALL") {
				sepEnd++
			}
			tail, err := parseScope(tokens[sepEnd:], baseDepth)
			if err != nil {
				return nil, err
			}
			return []Clause{&UnionQuery{
				Branches:  [][]Clause{clauses, tail},
				Separator: tokens[i:sepEnd],
			}}, nil
		}

		if kw == "CALL" {
			// Peek past whitespace/comments for an opening brace.
			j := i + 1
			for j < len(tokens) && (tokens[j].Type == TokenWhitespace || tokens[j].Type == TokenComment) {
				j++
			}
			if j < len(tokens) && tokens[j].Value == "{" {
				openDepth := tokens[j].BraceDepth
				closeIdx := -1
				for k := j + 1; k < len(tokens); k++ {
					if tokens[k].Value == "}" && tokens[k].BraceDepth == openDepth {
						closeIdx = k
						break
					}
				}
				if closeIdx < 0 {
					return nil, fmt.Errorf("unterminated CALL subquery at position %d", tokens[i].Position)
				}
				body, err := parseScope(tokens[j+1:closeIdx], openDepth)
				if err != nil {
					return nil, err
				}
				open := append(append([]Token{}, prefix...), tokens[i:j+1]...)
				clauses = append(clauses, &CallSubquery{
					Open:  open,
					Body:  body,
					Close: []Token{tokens[closeIdx]},
				})
				i = closeIdx + 1
				continue
			}
		}

		// Collect the clause body: everything up to the next boundary
		// keyword at scope depth.
		bodyStart := i
		i++
		if kw == "OPTIONAL" {
			// OPTIONAL MATCH is one clause; absorb the MATCH keyword.
			for i < len(tokens) && (tokens[i].Type == TokenWhitespace || tokens[i].Type == TokenComment) {
				i++
			}
			if i < len(tokens) && isKeyword(tokens[i], "MATCH") {
				i++
			}
		}
		for i < len(tokens) && !isBoundary(tokens[i], baseDepth) {
			i++
		}
		toks := append(append([]Token{}, prefix...), tokens[bodyStart:i]...)

		switch kw {
		case "MATCH", "OPTIONAL":
			clauses = append(clauses, &MatchClause{Toks: toks})
		case "WHERE":
			clauses = append(clauses, &WhereClause{Toks: toks})
		case "RETURN":
			clauses = append(clauses, &ReturnClause{Toks: toks})
		case "WITH":
			clauses = append(clauses, &WithClause{Toks: toks})
		case "UNWIND":
			clauses = append(clauses, &UnwindClause{Toks: toks})
		case "CALL":
			clauses = append(clauses, &CallProcedure{Toks: toks})
		default:
			clauses = append(clauses, &GenericClause{Toks: toks})
		}
	}

	return clauses, nil
}

func isBoundary(tok Token, baseDepth int) bool {
	return tok.Type == TokenKeyword &&
		tok.BraceDepth == baseDepth &&
		clauseBoundaries[strings.ToUpper(tok.Value)]
}
