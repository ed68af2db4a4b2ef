package sql

import (
	"strings"
)

// stopWords end a table reference; a word from this set is never read as an alias.
var stopWords = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "HAVING": true, "LIMIT": true, "OFFSET": true,
	"FETCH": true, "JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"CROSS": true, "OUTER": true, "NATURAL": true, "LATERAL": true, "ON": true, "USING": true,
	"UNION": true, "EXCEPT": true, "INTERSECT": true, "WINDOW": true, "WITH": true, "FOR": true,
	"SELECT": true, "FROM": true, "AS": true, "TABLESAMPLE": true,
}

// TablesReferenced returns the distinct tables read by the statement, lowercased with
// identifier quotes removed, in order of first appearance. Names defined by WITH are
// not tables, and FROM inside function calls such as EXTRACT(YEAR FROM d) is ignored.
func (d Dialect) TablesReferenced(sql string) []string {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return nil
	}
	sig := Significant(tokens)
	ctes := cteNames(sig)

	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || ctes[name] || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	// Each open paren records whether it starts a subquery.
	var parens []bool
	inQuery := func() bool { return len(parens) == 0 || parens[len(parens)-1] }

	for i := 0; i < len(sig); i++ {
		t := sig[i]
		switch {
		case t.Text == "(":
			parens = append(parens, i+1 < len(sig) && (sig[i+1].IsKeyword("SELECT") || sig[i+1].IsKeyword("WITH")))
		case t.Text == ")":
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
		case (t.IsKeyword("FROM") || t.IsKeyword("JOIN")) && inQuery():
			fromList := t.IsKeyword("FROM")
			j := i + 1
			for {
				name, next := readTableRef(sig, j)
				add(name)
				j = skipAlias(sig, next)
				if !fromList || j >= len(sig) || sig[j].Text != "," {
					break
				}
				j++
			}
			i = j - 1
		}
	}
	return out
}

// readTableRef reads a possibly qualified name at i. Subqueries and table functions
// yield an empty name; the returned index points at the first unread token.
func readTableRef(sig []Token, i int) (string, int) {
	if i < len(sig) && sig[i].IsKeyword("ONLY") {
		i++
	}
	var parts []string
	for i < len(sig) {
		t := sig[i]
		if t.Kind != TokenWord && t.Kind != TokenQuotedIdent {
			break
		}
		if t.Kind == TokenWord && stopWords[t.Upper()] {
			break
		}
		parts = append(parts, identName(t))
		i++
		if i < len(sig) && sig[i].Text == "." {
			i++
			continue
		}
		break
	}
	if len(parts) == 0 {
		return "", i
	}
	if i < len(sig) && sig[i].Text == "(" {
		// table-valued function
		return "", i
	}
	return strings.Join(parts, "."), i
}

func skipAlias(sig []Token, i int) int {
	if i < len(sig) && sig[i].IsKeyword("AS") {
		i++
	}
	if i < len(sig) && (sig[i].Kind == TokenQuotedIdent || (sig[i].Kind == TokenWord && !stopWords[sig[i].Upper()])) {
		i++
	}
	return i
}

// cteNames collects names bound by WITH name [(cols)] AS (...).
func cteNames(sig []Token) map[string]bool {
	names := make(map[string]bool)
	for i := 0; i+2 < len(sig); i++ {
		t := sig[i]
		if t.Kind != TokenWord && t.Kind != TokenQuotedIdent {
			continue
		}
		j := i + 1
		if sig[j].Text == "(" {
			depth := 0
			for ; j < len(sig); j++ {
				if sig[j].Text == "(" {
					depth++
				} else if sig[j].Text == ")" {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			j++
		}
		if j+1 < len(sig) && sig[j].IsKeyword("AS") {
			k := j + 1
			if sig[k].IsKeyword("NOT") {
				k++
			}
			if k < len(sig) && sig[k].IsKeyword("MATERIALIZED") {
				k++
			}
			if k < len(sig) && sig[k].Text == "(" && i > 0 && (sig[i-1].Text == "," || sig[i-1].IsKeyword("WITH") || sig[i-1].IsKeyword("RECURSIVE")) {
				names[identName(t)] = true
			}
		}
	}
	return names
}

func identName(t Token) string {
	if t.Kind == TokenQuotedIdent && len(t.Text) >= 2 {
		closing := t.Text[len(t.Text)-1:]
		inner := strings.ReplaceAll(t.Text[1:len(t.Text)-1], closing+closing, closing)
		return strings.ToLower(inner)
	}
	return strings.ToLower(t.Text)
}
