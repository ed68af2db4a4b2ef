package sql

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
)

// StatementType is the kind of statement determined from its leading keyword.
type StatementType string

const (
	StatementSelect  StatementType = "SELECT"
	StatementInsert  StatementType = "INSERT"
	StatementUpdate  StatementType = "UPDATE"
	StatementDelete  StatementType = "DELETE"
	StatementMerge   StatementType = "MERGE"
	StatementCall    StatementType = "CALL"
	StatementDDL     StatementType = "DDL"
	StatementUnknown StatementType = "UNKNOWN"
)

// IsReadOnly reports whether the type can only read data.
func (t StatementType) IsReadOnly() bool {
	return t == StatementSelect
}

// SplitStatements splits on statement separators outside literals, quoted identifiers
// and comments. Empty statements (stray or trailing separators) are dropped.
func (d Dialect) SplitStatements(sql string) ([]string, error) {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return nil, err
	}

	var out []string
	var sb strings.Builder
	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" && d.hasSignificant(s) {
			out = append(out, s)
		}
		sb.Reset()
	}
	for _, t := range tokens {
		if t.Kind == TokenPunct && t.Text == ";" {
			flush()
			continue
		}
		sb.WriteString(t.Text)
	}
	flush()
	return out, nil
}

func (d Dialect) hasSignificant(s string) bool {
	tokens, err := d.Tokenize(s)
	return err != nil || len(Significant(tokens)) > 0
}

// ValidateAndNormalize checks that sql holds exactly one statement and returns it
// without trailing separators.
func (d Dialect) ValidateAndNormalize(sql string) (string, error) {
	statements, err := d.SplitStatements(sql)
	if err != nil {
		return "", err
	}
	switch len(statements) {
	case 0:
		return "", nil
	case 1:
		return statements[0], nil
	default:
		return "", ErrMultipleStatements
	}
}

// DetectType determines the statement type from its first keyword, skipping leading
// comments and parentheses. WITH statements are SELECT unless a CTE body modifies data.
func (d Dialect) DetectType(sql string) StatementType {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return StatementUnknown
	}
	sig := Significant(tokens)

	i := 0
	for i < len(sig) && sig[i].Kind == TokenPunct && sig[i].Text == "(" {
		i++
	}
	if i >= len(sig) || sig[i].Kind != TokenWord {
		return StatementUnknown
	}

	switch sig[i].Upper() {
	case "SELECT", "VALUES", "TABLE":
		return StatementSelect
	case "WITH":
		if hasModifyingCTE(sig[i+1:]) {
			return StatementUnknown
		}
		return StatementSelect
	case "INSERT", "UPSERT", "REPLACE":
		return StatementInsert
	case "UPDATE":
		return StatementUpdate
	case "DELETE":
		return StatementDelete
	case "MERGE":
		return StatementMerge
	case "CALL", "EXEC", "EXECUTE":
		return StatementCall
	case "CREATE", "ALTER", "DROP", "TRUNCATE", "RENAME", "COMMENT", "GRANT", "REVOKE":
		return StatementDDL
	default:
		return StatementUnknown
	}
}

// hasModifyingCTE reports whether any parenthesized body starts with a data-modifying verb,
// e.g. WITH gone AS (DELETE FROM t RETURNING *) SELECT * FROM gone.
func hasModifyingCTE(sig []Token) bool {
	for i := 1; i < len(sig); i++ {
		if sig[i].Kind != TokenWord || sig[i-1].Text != "(" {
			continue
		}
		switch sig[i].Upper() {
		case "INSERT", "UPDATE", "DELETE", "MERGE":
			return true
		}
	}
	return false
}

// forbiddenKeywords are verbs that modify data, change schema or escape the statement.
var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "ALTER": true, "CREATE": true, "TRUNCATE": true, "RENAME": true,
	"GRANT": true, "REVOKE": true, "ATTACH": true, "DETACH": true,
	"EXEC": true, "EXECUTE": true, "CALL": true, "COPY": true, "INTO": true,
	"VACUUM": true, "REINDEX": true, "PRAGMA": true, "SHUTDOWN": true,
	"OPENROWSET": true, "OPENQUERY": true,
}

// ForbiddenKeywords returns the distinct forbidden verbs used as bare keywords, in order of
// appearance. Words inside literals, quoted identifiers and comments are ignored, and
// qualified names such as t.update are not keywords.
func (d Dialect) ForbiddenKeywords(sql string) ([]string, error) {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return nil, err
	}
	sig := Significant(tokens)

	var found []string
	seen := make(map[string]bool)
	for i, t := range sig {
		if t.Kind != TokenWord {
			continue
		}
		kw := t.Upper()
		if !forbiddenKeywords[kw] || seen[kw] {
			continue
		}
		if i > 0 && sig[i-1].Text == "." {
			continue
		}
		seen[kw] = true
		found = append(found, kw)
	}
	return found, nil
}

// StringLiterals returns the decoded contents of every string literal.
func (d Dialect) StringLiterals(sql string) ([]string, error) {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range tokens {
		if t.Kind == TokenString {
			out = append(out, t.StringValue())
		}
	}
	return out, nil
}

// HasBoundingClause reports whether the statement filters or limits its rows anywhere:
// WHERE, LIMIT, TOP or FETCH FIRST/NEXT.
func (d Dialect) HasBoundingClause(sql string) bool {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return false
	}
	for _, t := range Significant(tokens) {
		if t.Kind != TokenWord {
			continue
		}
		switch t.Upper() {
		case "WHERE", "LIMIT", "TOP", "FETCH":
			return true
		}
	}
	return false
}

// HasSelectStar reports whether the statement projects * (bare or qualified).
func (d Dialect) HasSelectStar(sql string) bool {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return false
	}
	sig := Significant(tokens)
	for i, t := range sig {
		if t.Kind != TokenOperator || t.Text != "*" || i == 0 {
			continue
		}
		prev := sig[i-1]
		if prev.IsKeyword("SELECT") || prev.IsKeyword("DISTINCT") || prev.Text == "," || prev.Text == "." {
			return true
		}
	}
	return false
}

// Normalize renders sql in a canonical form: comments removed, keywords and unquoted
// identifiers lowercased, whitespace collapsed and trailing separators dropped. Literals
// and quoted identifiers are kept verbatim. Two statements that differ only in layout
// normalize identically.
func (d Dialect) Normalize(sql string) string {
	tokens, err := d.Tokenize(sql)
	if err != nil {
		return strings.Join(strings.Fields(strings.ToLower(sql)), " ")
	}
	sig := Significant(tokens)
	for len(sig) > 0 && sig[len(sig)-1].Text == ";" {
		sig = sig[:len(sig)-1]
	}

	var sb strings.Builder
	for i, t := range sig {
		text := t.Text
		if t.Kind == TokenWord {
			text = strings.ToLower(text)
		}
		if i > 0 && needsSpace(sig[i-1], t) {
			sb.WriteByte(' ')
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func needsSpace(prev, cur Token) bool {
	switch {
	case prev.Text == "(" || prev.Text == ".":
		return false
	case cur.Text == ")" || cur.Text == "," || cur.Text == "." || cur.Text == ";":
		return false
	case cur.Text == "(" && (prev.Kind == TokenWord || prev.Kind == TokenQuotedIdent):
		// name( for calls, keyword ( otherwise
		return isClauseKeyword(prev)
	}
	return true
}

func isClauseKeyword(t Token) bool {
	switch t.Upper() {
	case "IN", "AS", "FROM", "JOIN", "ON", "AND", "OR", "NOT", "EXISTS", "SELECT", "WHERE", "WITH", "OVER", "VALUES", "USING", "ANY", "ALL":
		return true
	}
	return false
}

var (
	fencePattern     = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")
	leadingStatement = regexp.MustCompile(`(?im)^\s*(SELECT|WITH)\b`)
)

// Clean turns raw model output into a bare statement: markdown fences are unwrapped,
// prose before the first SELECT/WITH line is dropped, comments removed, whitespace outside
// literals collapsed and trailing separators stripped.
func (d Dialect) Clean(raw string) string {
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	} else {
		text = strings.ReplaceAll(text, "```", "")
	}

	if loc := leadingStatement.FindStringIndex(text); loc != nil && loc[0] > 0 {
		text = text[loc[0]:]
	}

	tokens, err := d.Tokenize(text)
	if err != nil {
		return stripTrailingSemicolons(strings.TrimSpace(text))
	}

	var sb strings.Builder
	pendingSpace := false
	for _, t := range tokens {
		switch t.Kind {
		case TokenSpace, TokenComment:
			pendingSpace = sb.Len() > 0
			continue
		}
		if pendingSpace {
			sb.WriteByte(' ')
			pendingSpace = false
		}
		sb.WriteString(t.Text)
	}
	return stripTrailingSemicolons(strings.TrimSpace(sb.String()))
}

func stripTrailingSemicolons(s string) string {
	for {
		trimmed := strings.TrimRight(s, " \t\n\r")
		if !strings.HasSuffix(trimmed, ";") {
			return trimmed
		}
		s = strings.TrimSuffix(trimmed, ";")
	}
}
