// Package sql provides lexer-aware SQL inspection used to validate generated statements.
package sql

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenPunct
	TokenOperator
	TokenComment
	TokenSpace
)

// Token is one lexical unit. Text is the exact source text, so concatenating every
// token of a statement reproduces it byte for byte.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

// Upper returns the uppercased text of a word token.
func (t Token) Upper() string {
	return strings.ToUpper(t.Text)
}

// IsKeyword reports whether t is an unquoted word equal to kw (case-insensitive).
func (t Token) IsKeyword(kw string) bool {
	return t.Kind == TokenWord && strings.EqualFold(t.Text, kw)
}

// StringValue returns the contents of a string literal with quote doubling undone.
func (t Token) StringValue() string {
	if t.Kind != TokenString {
		return ""
	}
	s := t.Text
	// Prefixes such as E'..' or N'..'
	if i := strings.IndexByte(s, '\''); i > 0 {
		s = s[i:]
	}
	if len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	return strings.ReplaceAll(s, "''", "'")
}

// Tokenize splits sql into tokens using the quoting rules of d. Literals, quoted
// identifiers and comments are kept whole, so characters inside them are never mistaken
// for structure. PostgreSQL E'..' escape strings and $tag$ quoting are recognised only
// for DialectPostgres; [bracketed] identifiers only for DialectMSSQL.
func (d Dialect) Tokenize(sql string) ([]Token, error) {
	mssql := d == DialectMSSQL
	var tokens []Token
	i := 0
	for i < len(sql) {
		start := i
		c := sql[i]
		kind := TokenPunct

		switch {
		case isSpace(c):
			for i < len(sql) && isSpace(sql[i]) {
				i++
			}
			kind = TokenSpace

		case c == '-' && peek(sql, i+1) == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			kind = TokenComment

		case c == '/' && peek(sql, i+1) == '*':
			end, ok := scanBlockComment(sql, i)
			if !ok {
				return nil, fmt.Errorf("unterminated block comment at offset %d", start)
			}
			i = end
			kind = TokenComment

		case c == '\'' || isStringPrefix(c, mssql) && peek(sql, i+1) == '\'':
			backslash := false
			if c != '\'' {
				backslash = c == 'E' || c == 'e'
				i++
			}
			end, ok := scanQuoted(sql, i, '\'', backslash)
			if !ok {
				return nil, fmt.Errorf("unterminated string literal at offset %d", start)
			}
			i = end
			kind = TokenString

		case c == '"':
			end, ok := scanQuoted(sql, i, c, false)
			if !ok {
				return nil, fmt.Errorf("unterminated quoted identifier at offset %d", start)
			}
			i = end
			kind = TokenQuotedIdent

		case c == '[' && mssql:
			end, ok := scanQuoted(sql, i, ']', false)
			if !ok {
				return nil, fmt.Errorf("unterminated bracketed identifier at offset %d", start)
			}
			i = end
			kind = TokenQuotedIdent

		case c == '$' && !mssql && isDollarTagStart(sql, i):
			end, ok := scanDollarQuoted(sql, i)
			if !ok {
				return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", start)
			}
			i = end
			kind = TokenString

		case isWordStart(rune(c)) || c >= 0x80:
			for i < len(sql) && (isWordPart(rune(sql[i])) || sql[i] >= 0x80) {
				i++
			}
			kind = TokenWord

		case c >= '0' && c <= '9':
			for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E') {
				i++
			}
			kind = TokenNumber

		case strings.IndexByte("(),;.[]", c) >= 0:
			i++
			kind = TokenPunct

		default:
			for i < len(sql) && strings.IndexByte("<>=!+-*/%|&^~:", sql[i]) >= 0 {
				if sql[i] == '-' && peek(sql, i+1) == '-' || sql[i] == '/' && peek(sql, i+1) == '*' {
					break
				}
				i++
			}
			if i == start {
				i++
			}
			kind = TokenOperator
		}

		tokens = append(tokens, Token{Kind: kind, Text: sql[start:i], Pos: start})
	}
	return tokens, nil
}

// isStringPrefix reports whether c may prefix a string literal. N'..' is valid in both
// dialects; E'..' only in PostgreSQL.
func isStringPrefix(c byte, mssql bool) bool {
	switch c {
	case 'N', 'n':
		return true
	case 'E', 'e':
		return !mssql
	}
	return false
}

// Significant drops whitespace and comments.
func Significant(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Kind != TokenSpace && t.Kind != TokenComment {
			out = append(out, t)
		}
	}
	return out
}

func peek(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// scanQuoted returns the index just past the closing quote. A doubled quote is an escape.
func scanQuoted(s string, i int, quote byte, backslash bool) (int, bool) {
	for j := i + 1; j < len(s); j++ {
		switch {
		case backslash && s[j] == '\\':
			j++
		case s[j] == quote && peek(s, j+1) == quote:
			j++
		case s[j] == quote:
			return j + 1, true
		}
	}
	return 0, false
}

// scanBlockComment returns the index just past the comment opened at i. Both dialects
// nest block comments.
func scanBlockComment(s string, i int) (int, bool) {
	depth := 0
	for j := i; j < len(s)-1; j++ {
		switch {
		case s[j] == '/' && s[j+1] == '*':
			depth++
			j++
		case s[j] == '*' && s[j+1] == '/':
			depth--
			j++
			if depth == 0 {
				return j + 1, true
			}
		}
	}
	return 0, false
}

func isDollarTagStart(s string, i int) bool {
	j := i + 1
	for j < len(s) && s[j] != '$' && isWordPart(rune(s[j])) {
		j++
	}
	return j < len(s) && s[j] == '$' && (j == i+1 || !isDigit(s[i+1]))
}

func scanDollarQuoted(s string, i int) (int, bool) {
	j := strings.IndexByte(s[i+1:], '$') + i + 1
	tag := s[i : j+1]
	end := strings.Index(s[j+1:], tag)
	if end < 0 {
		return 0, false
	}
	return j + 1 + end + len(tag), true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordStart(r rune) bool {
	return r == '_' || r == '@' || r == '#' || unicode.IsLetter(r)
}

func isWordPart(r rune) bool {
	return isWordStart(r) || unicode.IsDigit(r) || r == '$'
}
