package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// SQLSynthesisInput is everything one generation attempt is conditioned on.
type SQLSynthesisInput struct {
	Mode    models.Provenance
	Intent  *models.QueryIntent
	Context *models.SchemaContext
	Dialect sqlutil.Dialect
	Now     time.Time

	// PriorSQL is the statement modify mode edits.
	PriorSQL string
	// Feedback is every piece of feedback since the utterance, oldest first. In regenerate
	// mode it carries constraints such as safety rejection reasons.
	Feedback []string

	// Tried lists statements already presented in this turn. Regenerate mode must avoid them.
	Tried []string

	// Draft is a deterministic starting point, when one could be built.
	Draft string

	// Reasoning asks for a step-by-step trace before the statement.
	Reasoning bool
}

// BuildSQLSynthesisPrompt creates the generation prompt for the requested mode.
func BuildSQLSynthesisPrompt(in SQLSynthesisInput) string {
	var prompt strings.Builder

	prompt.WriteString("# SQL Generation\n\n")
	prompt.WriteString(fmt.Sprintf("Write one read-only %s SELECT statement.\n\n", in.Dialect.DisplayName()))

	writeRequest(&prompt, in)
	writeSchema(&prompt, in.Context)
	writeHints(&prompt, in.Context)

	switch in.Mode {
	case models.ProvenanceModified:
		prompt.WriteString("## Previous Statement\n\n")
		prompt.WriteString("```sql\n")
		prompt.WriteString(in.PriorSQL)
		prompt.WriteString("\n```\n\n")
		prompt.WriteString("## Feedback\n\n")
		for _, f := range in.Feedback {
			prompt.WriteString(fmt.Sprintf("- %s\n", f))
		}
		prompt.WriteString("\n")
		prompt.WriteString("Make the smallest change to the previous statement that addresses the most recent feedback. ")
		prompt.WriteString("Keep everything the feedback does not mention, including the time range.\n\n")

	case models.ProvenanceRegenerated:
		prompt.WriteString("## Start Over\n\n")
		prompt.WriteString("Ignore earlier attempts and propose a structurally different approach: ")
		prompt.WriteString("a different join path, a different source table or a different aggregation strategy.\n")
		if len(in.Feedback) > 0 {
			prompt.WriteString("The new statement must also satisfy:\n")
			for _, f := range in.Feedback {
				prompt.WriteString(fmt.Sprintf("- %s\n", f))
			}
		}
		if len(in.Tried) > 0 {
			prompt.WriteString("These statements were already tried and must not be repeated:\n\n")
			for _, s := range in.Tried {
				prompt.WriteString("```sql\n")
				prompt.WriteString(s)
				prompt.WriteString("\n```\n")
			}
		}
		prompt.WriteString("\n")

	default:
		if in.Draft != "" {
			prompt.WriteString("## Draft\n\n")
			prompt.WriteString("A draft built from the request. Use it if it is right, otherwise improve it:\n\n")
			prompt.WriteString("```sql\n")
			prompt.WriteString(in.Draft)
			prompt.WriteString("\n```\n\n")
		}
	}

	prompt.WriteString("## Rules\n\n")
	prompt.WriteString("- Only use tables and columns listed in the schema above.\n")
	prompt.WriteString("- Never modify data or schema. One statement only, no trailing semicolon.\n")
	prompt.WriteString("- Write relative dates as the explicit bounds given above; do not use the current date functions.\n")
	prompt.WriteString("- Qualify columns with table aliases when more than one table is joined.\n")
	if in.Reasoning {
		prompt.WriteString("\nFirst reason step by step inside <think></think> tags: which tables, how they join, ")
		prompt.WriteString("which filters, which aggregation and grouping. Then give the statement.\n")
	}
	prompt.WriteString("\nReturn the statement in a ```sql code block.\n")

	return prompt.String()
}

func writeRequest(prompt *strings.Builder, in SQLSynthesisInput) {
	intent := in.Intent
	prompt.WriteString("## Request\n\n")
	prompt.WriteString(intent.Utterance)
	prompt.WriteString("\n\n")

	prompt.WriteString("Interpreted as:\n")
	if len(intent.Entities) > 0 {
		prompt.WriteString(fmt.Sprintf("- Entities: %s\n", strings.Join(intent.Entities, ", ")))
	}
	if intent.Measure != "" {
		prompt.WriteString(fmt.Sprintf("- Measure: %s\n", intent.Measure))
	}
	if fn := intent.Aggregation.SQLFunction(); fn != "" {
		prompt.WriteString(fmt.Sprintf("- Aggregation: %s\n", intent.Aggregation))
	}
	if intent.TimeGrain != "" {
		prompt.WriteString(fmt.Sprintf("- Group by %s (truncate the date column to the %s)\n", intent.TimeGrain, intent.TimeGrain))
	}
	if len(intent.GroupBy) > 0 {
		prompt.WriteString(fmt.Sprintf("- Group by: %s\n", strings.Join(intent.GroupBy, ", ")))
	}
	for _, f := range intent.Filters {
		prompt.WriteString(fmt.Sprintf("- Filter: %s\n", f))
	}
	if intent.Limit > 0 {
		prompt.WriteString(fmt.Sprintf("- Top %d rows\n", intent.Limit))
	}
	if !intent.TimeRange.IsZero() {
		start, end := intent.TimeRange.Resolve(in.Now)
		var bounds []string
		if !start.IsZero() {
			bounds = append(bounds, ">= "+in.Dialect.DateLiteral(start))
		}
		if !end.IsZero() {
			bounds = append(bounds, "< "+in.Dialect.DateLiteral(end))
		}
		prompt.WriteString(fmt.Sprintf("- Time range (%s): date column %s\n", intent.TimeRange, strings.Join(bounds, " and ")))
	}
	if len(intent.Refinements) > 0 {
		prompt.WriteString(fmt.Sprintf("- Refined by: %s\n", strings.Join(intent.Refinements, "; ")))
	}
	prompt.WriteString("\n")
}

func writeSchema(prompt *strings.Builder, ctx *models.SchemaContext) {
	prompt.WriteString("## Schema\n\n")
	if ctx == nil {
		return
	}
	for _, table := range ctx.Tables {
		prompt.WriteString(fmt.Sprintf("### %s\n", table.Name))
		if table.Description != "" {
			prompt.WriteString(table.Description)
			prompt.WriteString("\n")
		}
		if table.RowCount > 0 {
			prompt.WriteString(fmt.Sprintf("Row count: %d\n", table.RowCount))
		}
		prompt.WriteString("Columns:\n")
		for _, col := range table.Columns {
			line := fmt.Sprintf("- %s (%s)", col.Name, col.Type)
			if col.Cardinality > 0 {
				line += fmt.Sprintf(" ~%d distinct", col.Cardinality)
			}
			if col.Description != "" {
				line += ": " + col.Description
			}
			prompt.WriteString(line)
			prompt.WriteString("\n")
		}
		prompt.WriteString("\n")
	}
}

func writeHints(prompt *strings.Builder, ctx *models.SchemaContext) {
	if ctx == nil || len(ctx.Hints) == 0 {
		return
	}
	prompt.WriteString("## Similar Accepted Queries\n\n")
	prompt.WriteString("Earlier questions whose answers were accepted. Use them as hints, not as the answer:\n\n")
	for _, h := range ctx.Hints {
		prompt.WriteString(fmt.Sprintf("Question: %s\n", h.Utterance))
		for _, insight := range h.Insights {
			prompt.WriteString(fmt.Sprintf("Note: %s\n", insight))
		}
		prompt.WriteString("```sql\n")
		prompt.WriteString(h.SQL)
		prompt.WriteString("\n```\n\n")
	}
}

// BuildSQLSynthesisSystemMessage returns the system message for SQL generation.
func BuildSQLSynthesisSystemMessage(dialect sqlutil.Dialect) string {
	return fmt.Sprintf(`You are a senior analytics engineer writing %s for a large data warehouse. You write correct, read-only SELECT statements against the schema you are given and nothing else.`, dialect.DisplayName())
}
