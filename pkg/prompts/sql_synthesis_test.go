package prompts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

func testSynthesisInput(mode models.Provenance) SQLSynthesisInput {
	return SQLSynthesisInput{
		Mode: mode,
		Intent: &models.QueryIntent{
			Utterance:   "Show me total sales by month for the last year",
			Entities:    []string{"orders"},
			Measure:     "sales",
			Aggregation: models.AggregationSum,
			TimeGrain:   models.TimeUnitMonth,
			TimeRange:   &models.TimeRange{Relative: &models.RelativeWindow{Amount: 1, Unit: models.TimeUnitYear}, Phrase: "last year"},
		},
		Context: &models.SchemaContext{
			Tables: []models.TableDescriptor{{
				Name:        "orders",
				Description: "One row per customer order",
				RowCount:    5_000_000,
				Columns: []models.ColumnDescriptor{
					{Name: "order_date", Type: "date", Description: "Day the order was placed"},
					{Name: "total_amount", Type: "numeric", Cardinality: 90000},
				},
			}},
			Hints: []models.PatternHint{{
				Utterance: "total revenue per month",
				SQL:       "SELECT DATE_TRUNC('month', order_date), SUM(total_amount) FROM orders GROUP BY 1",
				Insights:  []string{"SUM for revenue"},
			}},
		},
		Dialect: sqlutil.DialectPostgres,
		Now:     time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestBuildSQLSynthesisPrompt_Initial(t *testing.T) {
	in := testSynthesisInput(models.ProvenanceInitial)
	in.Draft = "SELECT 1"

	prompt := BuildSQLSynthesisPrompt(in)

	assert.Contains(t, prompt, "read-only PostgreSQL SELECT")
	assert.Contains(t, prompt, "### orders")
	assert.Contains(t, prompt, "Row count: 5000000")
	assert.Contains(t, prompt, "- total_amount (numeric) ~90000 distinct")
	assert.Contains(t, prompt, "- order_date (date): Day the order was placed")
	assert.Contains(t, prompt, ">= DATE '2024-03-14' and < DATE '2025-03-15'")
	assert.Contains(t, prompt, "## Similar Accepted Queries")
	assert.Contains(t, prompt, "Note: SUM for revenue")
	assert.Contains(t, prompt, "## Draft")
	assert.NotContains(t, prompt, "## Previous Statement")
	assert.NotContains(t, prompt, "<think>")
}

func TestBuildSQLSynthesisPrompt_Modify(t *testing.T) {
	in := testSynthesisInput(models.ProvenanceModified)
	in.PriorSQL = "SELECT SUM(total_amount) FROM orders"
	in.Feedback = []string{"only completed orders", "sort by month"}
	in.Draft = "SELECT 1"

	prompt := BuildSQLSynthesisPrompt(in)

	assert.Contains(t, prompt, "## Previous Statement")
	assert.Contains(t, prompt, "SELECT SUM(total_amount) FROM orders")
	assert.Contains(t, prompt, "- only completed orders\n- sort by month")
	assert.Contains(t, prompt, "smallest change")
	assert.NotContains(t, prompt, "## Draft")
}

func TestBuildSQLSynthesisPrompt_Regenerate(t *testing.T) {
	in := testSynthesisInput(models.ProvenanceRegenerated)
	in.PriorSQL = "SELECT x FROM a"
	in.Tried = []string{"SELECT x FROM a", "SELECT y FROM b"}
	in.Feedback = []string{"add a WHERE filter or a LIMIT"}
	in.Reasoning = true

	prompt := BuildSQLSynthesisPrompt(in)

	assert.Contains(t, prompt, "structurally different approach")
	assert.Contains(t, prompt, "SELECT y FROM b")
	assert.Contains(t, prompt, "must also satisfy:\n- add a WHERE filter or a LIMIT")
	assert.NotContains(t, prompt, "## Previous Statement")
	assert.Contains(t, prompt, "<think></think>")
}

func TestBuildSQLSynthesisPrompt_MSSQLDates(t *testing.T) {
	in := testSynthesisInput(models.ProvenanceInitial)
	in.Dialect = sqlutil.DialectMSSQL

	prompt := BuildSQLSynthesisPrompt(in)

	assert.Contains(t, prompt, "Microsoft SQL Server")
	assert.Contains(t, prompt, ">= CAST('2024-03-14' AS date)")
}

func TestBuildSQLSynthesisSystemMessage(t *testing.T) {
	assert.Contains(t, BuildSQLSynthesisSystemMessage(sqlutil.DialectPostgres), "PostgreSQL")
}
