package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputColumns(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []OutputColumn
	}{
		{
			name: "simple columns",
			sql:  "SELECT id, name, email FROM users",
			expected: []OutputColumn{
				{Name: "id", Expr: "id"},
				{Name: "name", Expr: "name"},
				{Name: "email", Expr: "email"},
			},
		},
		{
			name: "aliases with and without AS",
			sql:  "SELECT name AS customer_name, COUNT(*) total FROM users GROUP BY name",
			expected: []OutputColumn{
				{Name: "customer_name", Expr: "name"},
				{Name: "total", Expr: "COUNT(*)"},
			},
		},
		{
			name: "qualified and quoted names",
			sql:  `SELECT u.id, o."Total Amount" FROM users u JOIN orders o ON u.id = o.user_id`,
			expected: []OutputColumn{
				{Name: "id", Expr: "u.id"},
				{Name: "total amount", Expr: `o."Total Amount"`},
			},
		},
		{
			name: "unaliased functions take the function name",
			sql:  "SELECT SUM(amount), MAX(price) FROM orders",
			expected: []OutputColumn{
				{Name: "sum", Expr: "SUM(amount)"},
				{Name: "max", Expr: "MAX(price)"},
			},
		},
		{
			name: "commas inside calls do not split",
			sql:  "SELECT COALESCE(discount, 0) AS discount, DATE_TRUNC('month', order_date) AS month FROM orders",
			expected: []OutputColumn{
				{Name: "discount", Expr: "COALESCE(discount, 0)"},
				{Name: "month", Expr: "DATE_TRUNC('month', order_date)"},
			},
		},
		{
			name: "case and arithmetic",
			sql:  "SELECT CASE WHEN amount > 100 THEN 'big' ELSE 'small' END, price * qty FROM line_items",
			expected: []OutputColumn{
				{Name: "case", Expr: "CASE WHEN amount > 100 THEN 'big' ELSE 'small' END"},
				{Name: "?column?", Expr: "price * qty"},
			},
		},
		{
			name: "star items",
			sql:  "SELECT o.*, c.name FROM orders o JOIN customers c ON c.id = o.customer_id",
			expected: []OutputColumn{
				{Name: "*", Expr: "o.*"},
				{Name: "name", Expr: "c.name"},
			},
		},
		{
			name: "CTE and subquery columns are ignored",
			sql: `WITH monthly AS (SELECT region, SUM(total) AS s FROM orders GROUP BY region)
				SELECT region, s AS sales, (SELECT MAX(s) FROM monthly) AS best FROM monthly`,
			expected: []OutputColumn{
				{Name: "region", Expr: "region"},
				{Name: "sales", Expr: "s"},
				{Name: "best", Expr: "(SELECT MAX(s) FROM monthly)"},
			},
		},
		{
			name: "DISTINCT and TOP are skipped",
			sql:  "SELECT DISTINCT TOP 10 region FROM orders",
			expected: []OutputColumn{
				{Name: "region", Expr: "region"},
			},
		},
		{
			name: "DISTINCT ON",
			sql:  "SELECT DISTINCT ON (customer_id) customer_id, order_date FROM orders ORDER BY customer_id, order_date DESC",
			expected: []OutputColumn{
				{Name: "customer_id", Expr: "customer_id"},
				{Name: "order_date", Expr: "order_date"},
			},
		},
		{
			name: "keywords in a string do not end the list",
			sql:  "SELECT 'from where' AS label, amount IS NULL FROM orders",
			expected: []OutputColumn{
				{Name: "label", Expr: "'from where'"},
				{Name: "?column?", Expr: "amount IS NULL"},
			},
		},
		{
			name: "no FROM",
			sql:  "SELECT 1;",
			expected: []OutputColumn{
				{Name: "?column?", Expr: "1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DialectPostgres.OutputColumns(tt.sql))
		})
	}
}

func TestOutputColumns_NotASelect(t *testing.T) {
	assert.Nil(t, DialectPostgres.OutputColumns("DELETE FROM orders"))
	assert.Nil(t, DialectPostgres.OutputColumns("SELECT 'unterminated"))
	assert.Nil(t, DialectPostgres.OutputColumns(""))
}

func TestOutputColumns_MSSQLBrackets(t *testing.T) {
	got := DialectMSSQL.OutputColumns("SELECT TOP 10 o.[Total Amount], SUM(qty) AS [Units]]Sold] FROM [dbo].[orders] o")
	assert.Equal(t, []OutputColumn{
		{Name: "total amount", Expr: "o.[Total Amount]"},
		{Name: "units]sold", Expr: "SUM(qty)"},
	}, got)
}
