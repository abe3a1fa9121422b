// Package cypher implements the query security pipeline: a tokenizer, a
// round-trippable clause parser, a read-only validator, the ACL rewriter
// with its coverage verifier, a cost estimator with LIMIT capping, and the
// template hash registry.
//
// Everything downstream of the tokenizer operates on typed tokens, never on
// raw text. That is the property the whole pipeline leans on: a keyword
// hidden inside a comment or a string literal is a COMMENT or
// STRING_LITERAL token and can never be mistaken for a clause boundary or a
// write operation.
package cypher

import (
	"strings"
	"unicode"
)

// TokenType classifies a lexed token.
type TokenType string

const (
	TokenKeyword       TokenType = "KEYWORD"
	TokenIdentifier    TokenType = "IDENTIFIER"
	TokenStringLiteral TokenType = "STRING_LITERAL"
	TokenNumber        TokenType = "NUMBER"
	TokenParameter     TokenType = "PARAMETER"
	TokenPunctuation   TokenType = "PUNCTUATION"
	TokenOperator      TokenType = "OPERATOR"
	TokenWhitespace    TokenType = "WHITESPACE"
	TokenComment       TokenType = "COMMENT"
)

// Token is an immutable lexed unit. BraceDepth is the `{}` nesting level the
// token sits at; `{` carries the depth it opens and `}` the depth it closes,
// so a subquery body and its delimiting braces share one depth value. The
// parser uses this to tell top-level clause keywords from keywords inside a
// subquery body.
type Token struct {
	Type       TokenType
	Value      string
	Position   int
	BraceDepth int
}

// reservedKeywords is the closed set of words lexed as KEYWORD when they are
// not property accesses. Write keywords are included so the validator sees
// them as keywords rather than identifiers.
var reservedKeywords = map[string]bool{
	"MATCH": true, "OPTIONAL": true, "WHERE": true, "RETURN": true,
	"WITH": true, "CALL": true, "UNION": true, "UNWIND": true,
	"AS": true, "ORDER": true, "BY": true, "LIMIT": true, "SKIP": true,
	"ALL": true, "DISTINCT": true, "AND": true, "OR": true, "NOT": true,
	"XOR": true, "IN": true, "IS": true, "NULL": true, "TRUE": true,
	"FALSE": true, "STARTS": true, "ENDS": true, "CONTAINS": true,
	"CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"EXISTS": true, "YIELD": true, "ASC": true, "DESC": true,
	"MERGE": true, "CREATE": true, "DELETE": true, "DETACH": true,
	"SET": true, "REMOVE": true, "DROP": true, "LOAD": true, "CSV": true,
	"FOREACH": true, "ON": true,
}

const punctuationChars = "()[],:;."
const operatorChars = "=<>!+-*/%^"

// Tokenize lexes a Cypher string into typed tokens. It never fails: any
// byte sequence produces a token stream whose concatenated values equal the
// input exactly.
func Tokenize(input string) []Token {
	var tokens []Token
	runes := []rune(input)
	pos := 0
	depth := 0

	// lastSignificant tracks the previous non-whitespace, non-comment token
	// so property accesses (x.match) are not lexed as keywords.
	lastSignificant := func() *Token {
		for i := len(tokens) - 1; i >= 0; i-- {
			if tokens[i].Type != TokenWhitespace && tokens[i].Type != TokenComment {
				return &tokens[i]
			}
		}
		return nil
	}

	for pos < len(runes) {
		start := pos
		ch := runes[pos]

		switch {
		case ch == '/' && pos+1 < len(runes) && runes[pos+1] == '/':
			for pos < len(runes) && runes[pos] != '\n' {
				pos++
			}
			tokens = append(tokens, Token{TokenComment, string(runes[start:pos]), start, depth})

		case ch == '/' && pos+1 < len(runes) && runes[pos+1] == '*':
			pos += 2
			for pos+1 < len(runes) && !(runes[pos] == '*' && runes[pos+1] == '/') {
				pos++
			}
			if pos+1 < len(runes) {
				pos += 2
			} else {
				pos = len(runes)
			}
			tokens = append(tokens, Token{TokenComment, string(runes[start:pos]), start, depth})

		case ch == '\'' || ch == '"':
			quote := ch
			pos++
			for pos < len(runes) {
				if runes[pos] == '\\' && pos+1 < len(runes) {
					pos += 2
					continue
				}
				if runes[pos] == quote {
					pos++
					break
				}
				pos++
			}
			tokens = append(tokens, Token{TokenStringLiteral, string(runes[start:pos]), start, depth})

		case ch == '`':
			pos++
			for pos < len(runes) && runes[pos] != '`' {
				pos++
			}
			if pos < len(runes) {
				pos++
			}
			tokens = append(tokens, Token{TokenIdentifier, string(runes[start:pos]), start, depth})

		case ch == '$':
			pos++
			for pos < len(runes) && isWordRune(runes[pos]) {
				pos++
			}
			tokens = append(tokens, Token{TokenParameter, string(runes[start:pos]), start, depth})

		case ch == '{':
			depth++
			pos++
			tokens = append(tokens, Token{TokenPunctuation, "{", start, depth})

		case ch == '}':
			pos++
			tokens = append(tokens, Token{TokenPunctuation, "}", start, depth})
			if depth > 0 {
				depth--
			}

		case strings.ContainsRune(punctuationChars, ch):
			pos++
			tokens = append(tokens, Token{TokenPunctuation, string(ch), start, depth})

		case unicode.IsSpace(ch):
			for pos < len(runes) && unicode.IsSpace(runes[pos]) {
				pos++
			}
			tokens = append(tokens, Token{TokenWhitespace, string(runes[start:pos]), start, depth})

		case unicode.IsDigit(ch) || (ch == '.' && pos+1 < len(runes) && unicode.IsDigit(runes[pos+1])):
			for pos < len(runes) && (unicode.IsDigit(runes[pos]) || runes[pos] == '.') {
				pos++
			}
			tokens = append(tokens, Token{TokenNumber, string(runes[start:pos]), start, depth})

		case strings.ContainsRune(operatorChars, ch):
			pos++
			if pos < len(runes) && (runes[pos] == '=' || runes[pos] == '<' || runes[pos] == '>') {
				pos++
			}
			tokens = append(tokens, Token{TokenOperator, string(runes[start:pos]), start, depth})

		case isWordStartRune(ch):
			for pos < len(runes) && isWordRune(runes[pos]) {
				pos++
			}
			word := string(runes[start:pos])
			tokType := TokenIdentifier
			if reservedKeywords[strings.ToUpper(word)] {
				// A word after a dot is a property access, never a keyword.
				if prev := lastSignificant(); prev == nil || prev.Value != "." {
					tokType = TokenKeyword
				}
			}
			tokens = append(tokens, Token{tokType, word, start, depth})

		default:
			pos++
			tokens = append(tokens, Token{TokenPunctuation, string(ch), start, depth})
		}
	}

	return tokens
}

func isWordStartRune(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// joinTokens concatenates token values; the tokenizer guarantees this is
// the exact original text for any unmodified stream.
func joinTokens(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Value)
	}
	return b.String()
}

// isKeyword reports whether tok is the given keyword, case-insensitively.
func isKeyword(tok Token, word string) bool {
	return tok.Type == TokenKeyword && strings.EqualFold(tok.Value, word)
}
