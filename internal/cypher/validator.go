package cypher

import (
	"fmt"
	"strings"

	"lattice-backend/internal/errors"
)

// writeKeywords are rejected anywhere in a read query. DETACH DELETE is
// covered by both of its halves.
var writeKeywords = map[string]bool{
	"MERGE": true, "CREATE": true, "DELETE": true, "DETACH": true,
	"SET": true, "REMOVE": true, "DROP": true,
}

// defaultProcedureAllowlist covers introspection, the full-text index
// lookups retrieval depends on, and the path/rank procedures the retrieval
// engine issues itself.
var defaultProcedureAllowlist = map[string]bool{
	"db.labels":                            true,
	"db.relationshipTypes":                 true,
	"db.propertyKeys":                      true,
	"db.schema.visualization":              true,
	"db.index.fulltext.queryNodes":         true,
	"db.index.fulltext.queryRelationships": true,
	"dbms.components":                      true,
	"apoc.path.expandConfig":               true,
	"apoc.path.subgraphNodes":              true,
	"gds.pageRank.stream":                  true,
	"gds.graph.project":                    true,
	"gds.graph.project.cypher":             true,
	"gds.graph.drop":                       true,
}

// Validator is the read-only gate. It operates on the token stream, where
// comments are COMMENT tokens and string contents are STRING_LITERAL
// tokens, so neither can smuggle a write keyword past the gate.
type Validator struct {
	allowedProcedures map[string]bool
}

// NewValidator creates a validator with the default procedure allowlist.
func NewValidator() *Validator {
	return &Validator{allowedProcedures: lowerKeys(defaultProcedureAllowlist)}
}

// NewValidatorWithProcedures creates a validator with a custom allowlist.
func NewValidatorWithProcedures(allowed []string) *Validator {
	m := make(map[string]bool, len(allowed))
	for _, p := range allowed {
		m[strings.ToLower(p)] = true
	}
	return &Validator{allowedProcedures: m}
}

func lowerKeys(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[strings.ToLower(k)] = true
	}
	return out
}

// Validate rejects writes, LOAD CSV, unknown procedures, and cartesian
// products. The token stream includes subquery bodies, so brace-wrapped
// writes are caught by the same keyword scan.
func (v *Validator) Validate(query string) error {
	tokens := Tokenize(query)

	for i, tok := range tokens {
		if tok.Type != TokenKeyword {
			continue
		}
		upper := strings.ToUpper(tok.Value)
		if writeKeywords[upper] {
			return errors.CypherValidation("WRITE_KEYWORD",
				"write operations are not permitted").
				WithDetails(fmt.Sprintf("keyword %s at position %d", upper, tok.Position)).
				Build()
		}
		if upper == "LOAD" {
			return errors.CypherValidation("LOAD_CSV",
				"LOAD CSV is not permitted").Build()
		}
		if upper == "CALL" {
			if err := v.checkProcedure(tokens, i); err != nil {
				return err
			}
		}
	}

	clauses, err := Parse(tokens)
	if err != nil {
		return errors.CypherValidation("PARSE_FAILED", "query could not be parsed").
			WithCause(err).Build()
	}
	return v.checkCartesian(clauses)
}

// checkProcedure resolves the dotted procedure name after a bare CALL and
// matches it against the allowlist. CALL { is a subquery, not a procedure.
func (v *Validator) checkProcedure(tokens []Token, callIdx int) error {
	i := callIdx + 1
	for i < len(tokens) && (tokens[i].Type == TokenWhitespace || tokens[i].Type == TokenComment) {
		i++
	}
	if i >= len(tokens) || tokens[i].Value == "{" {
		return nil
	}

	var name strings.Builder
	for i < len(tokens) {
		t := tokens[i]
		if t.Type == TokenIdentifier || t.Value == "." || t.Type == TokenKeyword {
			name.WriteString(t.Value)
			i++
			continue
		}
		break
	}

	proc := strings.ToLower(name.String())
	if proc == "" || !v.allowedProcedures[proc] {
		return errors.CypherValidation("PROCEDURE_NOT_ALLOWED",
			"procedure is not on the allowlist").
			WithDetails(proc).Build()
	}
	return nil
}

// checkCartesian walks every MATCH clause in every scope and rejects
// comma-separated node patterns with no connecting relationship.
func (v *Validator) checkCartesian(clauses []Clause) error {
	for _, clause := range clauses {
		switch c := clause.(type) {
		case *MatchClause:
			if hasCartesianProduct(c.Toks) {
				return errors.CypherValidation("CARTESIAN_PRODUCT",
					"comma-separated node patterns without a connecting relationship").Build()
			}
		case *CallSubquery:
			if err := v.checkCartesian(c.Body); err != nil {
				return err
			}
		case *UnionQuery:
			for _, branch := range c.Branches {
				if err := v.checkCartesian(branch); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// hasCartesianProduct splits the MATCH pattern on top-level commas and
// reports true when two or more segments are plain node patterns: a
// segment that carries a relationship (`-`) is anchored and exempt.
func hasCartesianProduct(tokens []Token) bool {
	parenDepth := 0
	bracketDepth := 0
	segments := 0
	segmentHasRel := false
	unconnected := 0

	flush := func() {
		segments++
		if !segmentHasRel {
			unconnected++
		}
		segmentHasRel = false
	}

	for _, t := range tokens {
		switch t.Value {
		case "(":
			parenDepth++
		case ")":
			parenDepth--
		case "[":
			bracketDepth++
		case "]":
			bracketDepth--
		case ",":
			if parenDepth == 0 && bracketDepth == 0 {
				flush()
				continue
			}
		}
		if t.Type == TokenOperator && strings.ContainsRune(t.Value, '-') {
			segmentHasRel = true
		}
	}
	flush()

	return segments >= 2 && unconnected >= 2
}
