package sql

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Dialect is the SQL flavor spoken by the warehouse.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMSSQL    Dialect = "mssql"
)

// ParseDialect maps a warehouse type from configuration onto a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mssql", "sqlserver":
		return DialectMSSQL, nil
	default:
		return "", fmt.Errorf("unsupported SQL dialect %q", s)
	}
}

// DisplayName is the name used in prompts.
func (d Dialect) DisplayName() string {
	if d == DialectMSSQL {
		return "Microsoft SQL Server (T-SQL)"
	}
	return "PostgreSQL"
}

var truncUnits = map[string]bool{"day": true, "week": true, "month": true, "quarter": true, "year": true}

// TruncDate renders an expression truncating expr to the start of unit
// (day, week, month, quarter or year).
func (d Dialect) TruncDate(unit, expr string) (string, error) {
	unit = strings.ToLower(unit)
	if !truncUnits[unit] {
		return "", fmt.Errorf("unsupported truncation unit %q", unit)
	}
	if d == DialectMSSQL {
		if unit == "day" {
			return fmt.Sprintf("CAST(%s AS date)", expr), nil
		}
		return fmt.Sprintf("DATEADD(%s, DATEDIFF(%s, 0, %s), 0)", unit, unit, expr), nil
	}
	return fmt.Sprintf("DATE_TRUNC('%s', %s)", unit, expr), nil
}

// DateLiteral renders t as a date constant.
func (d Dialect) DateLiteral(t time.Time) string {
	day := t.Format("2006-01-02")
	if d == DialectMSSQL {
		return fmt.Sprintf("CAST('%s' AS date)", day)
	}
	return fmt.Sprintf("DATE '%s'", day)
}

// LimitClause returns the pieces that restrict a SELECT to n rows: a prefix placed right
// after SELECT and a suffix appended to the statement. One of them is always empty.
func (d Dialect) LimitClause(n int) (prefix, suffix string) {
	if n <= 0 {
		return "", ""
	}
	if d == DialectMSSQL {
		return fmt.Sprintf("TOP %d", n), ""
	}
	return "", fmt.Sprintf("LIMIT %d", n)
}

var plainIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// QuoteIdent quotes each part of a dotted name when it is not a plain lowercase identifier.
func (d Dialect) QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if plainIdent.MatchString(p) {
			continue
		}
		if d == DialectMSSQL {
			parts[i] = "[" + strings.ReplaceAll(p, "]", "]]") + "]"
		} else {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}
