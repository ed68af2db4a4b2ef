package sql

import (
	"strings"
)

// OutputColumn is one item of the outermost SELECT list.
type OutputColumn struct {
	Name string // alias, column name or function name; "*" for star items
	Expr string // the expression without its alias
}

// selectListEnd ends the outermost SELECT list.
var selectListEnd = map[string]bool{
	"FROM": true, "INTO": true, "WHERE": true, "GROUP": true, "HAVING": true, "ORDER": true,
	"LIMIT": true, "OFFSET": true, "FETCH": true, "UNION": true, "EXCEPT": true,
	"INTERSECT": true, "WINDOW": true, "FOR": true,
}

// valueKeywords are words that end an expression and are never aliases.
var valueKeywords = map[string]bool{"NULL": true, "TRUE": true, "FALSE": true, "END": true}

// operatorKeywords are words after which an identifier is an operand, not an alias.
var operatorKeywords = map[string]bool{
	"AS": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "DISTINCT": true,
	"IS": true, "NOT": true, "AND": true, "OR": true, "IN": true, "LIKE": true, "ILIKE": true,
	"BETWEEN": true, "INTERVAL": true, "COLLATE": true,
}

// OutputColumns returns the items of the outermost SELECT list, so a caller can show
// what a statement will return before running it. Column lists of CTEs and subqueries
// are ignored. Statements that do not lex or have no top-level SELECT yield nil.
func (d Dialect) OutputColumns(sql string) []OutputColumn {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return nil
	}
	sig := Significant(tokens)

	start := -1
	depth := 0
	for i, t := range sig {
		switch {
		case t.Text == "(":
			depth++
		case t.Text == ")":
			depth--
		case depth == 0 && t.IsKeyword("SELECT"):
			start = i + 1
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return nil
	}
	start = skipSelectModifiers(sig, start)

	var out []OutputColumn
	itemStart := start
	depth = 0
	for i := start; i <= len(sig); i++ {
		end := i == len(sig)
		if !end {
			t := sig[i]
			switch {
			case t.Text == "(":
				depth++
				continue
			case t.Text == ")":
				depth--
				continue
			case depth > 0:
				continue
			case t.Text == ";" || t.Kind == TokenWord && selectListEnd[t.Upper()]:
				end = true
			case t.Text != ",":
				continue
			}
		}
		if i > itemStart {
			out = append(out, outputColumn(sig[itemStart:i]))
		}
		if end {
			break
		}
		itemStart = i + 1
	}
	return out
}

// skipSelectModifiers steps over DISTINCT [ON (...)], ALL and TOP n [PERCENT].
func skipSelectModifiers(sig []Token, i int) int {
	for i < len(sig) {
		switch {
		case sig[i].IsKeyword("ALL"):
			i++
		case sig[i].IsKeyword("DISTINCT"):
			i++
			if i < len(sig) && sig[i].IsKeyword("ON") {
				i = skipParens(sig, i+1)
			}
		case sig[i].IsKeyword("TOP"):
			i++
			if i < len(sig) && sig[i].Text == "(" {
				i = skipParens(sig, i)
			} else if i < len(sig) {
				i++
			}
			if i < len(sig) && sig[i].IsKeyword("PERCENT") {
				i++
			}
		default:
			return i
		}
	}
	return i
}

// skipParens returns the index after the group opened at i.
func skipParens(sig []Token, i int) int {
	if i >= len(sig) || sig[i].Text != "(" {
		return i
	}
	depth := 0
	for ; i < len(sig); i++ {
		if sig[i].Text == "(" {
			depth++
		} else if sig[i].Text == ")" {
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

func outputColumn(item []Token) OutputColumn {
	n := len(item)
	last := item[n-1]
	isIdent := last.Kind == TokenQuotedIdent || last.Kind == TokenWord && !valueKeywords[last.Upper()]

	switch {
	case n >= 3 && item[n-2].IsKeyword("AS") && isIdent:
		return OutputColumn{Name: identName(last), Expr: joinTokens(item[:n-2])}
	case n >= 2 && isIdent && isAliasable(item[n-2]):
		return OutputColumn{Name: identName(last), Expr: joinTokens(item[:n-1])}
	}

	col := OutputColumn{Expr: joinTokens(item)}
	switch {
	case last.Text == "*":
		col.Name = "*"
	case isIdent && isQualifiedName(item):
		col.Name = identName(last)
	case item[0].Kind == TokenWord && n >= 2 && item[1].Text == "(" && skipParens(item, 1) == n:
		col.Name = strings.ToLower(item[0].Text)
	case item[0].IsKeyword("CASE"):
		col.Name = "case"
	default:
		col.Name = "?column?"
	}
	return col
}

// isAliasable reports whether an identifier following t would be an implicit alias.
func isAliasable(t Token) bool {
	switch t.Kind {
	case TokenNumber, TokenString, TokenQuotedIdent:
		return true
	case TokenWord:
		return !operatorKeywords[t.Upper()]
	}
	return t.Text == ")"
}

// isQualifiedName reports whether item is name(.name)*.
func isQualifiedName(item []Token) bool {
	for i, t := range item {
		if i%2 == 1 {
			if t.Text != "." {
				return false
			}
			continue
		}
		if t.Kind != TokenWord && t.Kind != TokenQuotedIdent {
			return false
		}
	}
	return len(item)%2 == 1
}

func joinTokens(tokens []Token) string {
	var sb strings.Builder
	for i, t := range tokens {
		if i > 0 && needsSpace(tokens[i-1], t) {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.Text)
	}
	return sb.String()
}
