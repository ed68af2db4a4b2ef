package services

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// SQLDrafter builds single-table statements straight from an intent, without a model.
// Drafts anchor the generator's prompt and back it up when the model keeps repeating
// the same table choice.
type SQLDrafter struct {
	dialect sqlutil.Dialect
	now     func() time.Time
}

// Draft is a deterministic statement over one table.
type Draft struct {
	SQL   string
	Table string
	// Complete is true when every part of the intent made it into the statement.
	Complete bool
}

// NewSQLDrafter creates a drafter for dialect. Relative time ranges resolve against now.
func NewSQLDrafter(dialect sqlutil.Dialect, now func() time.Time) *SQLDrafter {
	if now == nil {
		now = time.Now
	}
	return &SQLDrafter{dialect: dialect, now: now}
}

// draftPlan is the column selection for one table.
type draftPlan struct {
	table   *models.TableDescriptor
	date    string
	measure string
	groups  []string
	filters []renderedFilter
	partial bool
}

type renderedFilter struct {
	column string
	op     string
	value  string
}

// ViablePaths returns the context tables a draft can be built on, in context order.
func (d *SQLDrafter) ViablePaths(intent *models.QueryIntent, sc *models.SchemaContext) []string {
	if !draftable(intent) || sc == nil {
		return nil
	}
	var out []string
	for i := range sc.Tables {
		if _, ok := planFor(intent, &sc.Tables[i]); ok {
			out = append(out, sc.Tables[i].Name)
		}
	}
	return out
}

// Draft builds a statement on the highest-ranked viable table not named in exclude.
func (d *SQLDrafter) Draft(intent *models.QueryIntent, sc *models.SchemaContext, exclude ...string) (*Draft, bool) {
	if !draftable(intent) || sc == nil {
		return nil, false
	}
	for i := range sc.Tables {
		t := &sc.Tables[i]
		if slices.ContainsFunc(exclude, func(e string) bool {
			return strings.EqualFold(e, t.Name) || strings.EqualFold(e, t.BareName())
		}) {
			continue
		}
		plan, ok := planFor(intent, t)
		if !ok {
			continue
		}
		sql, err := d.render(intent, plan)
		if err != nil {
			continue
		}
		return &Draft{
			SQL:      sql,
			Table:    t.Name,
			Complete: !plan.partial && coversEntities(intent, t) && len(intent.Refinements) == 0,
		}, true
	}
	return nil, false
}

// draftable reports whether the intent asks for something a grouped aggregate can answer.
func draftable(intent *models.QueryIntent) bool {
	if intent == nil {
		return false
	}
	return intent.Aggregation != models.AggregationNone && intent.Aggregation != "" ||
		intent.TimeGrain != "" || len(intent.GroupBy) > 0
}

func planFor(intent *models.QueryIntent, t *models.TableDescriptor) (*draftPlan, bool) {
	plan := &draftPlan{table: t}

	if !intent.TimeRange.IsZero() || intent.TimeGrain != "" {
		plan.date = pickDateColumn(t, intent)
		if plan.date == "" {
			return nil, false
		}
	}

	switch intent.Aggregation {
	case models.AggregationSum, models.AggregationAvg, models.AggregationMin, models.AggregationMax:
		plan.measure = pickMeasureColumn(t, intent.Measure, true)
		if plan.measure == "" {
			return nil, false
		}
	case models.AggregationCountDistinct:
		plan.measure = pickMeasureColumn(t, intent.Measure, false)
		if plan.measure == "" {
			return nil, false
		}
	case models.AggregationNone, "":
		plan.partial = true
	}

	for _, g := range intent.GroupBy {
		col := pickNamedColumn(t, g)
		if col == "" {
			return nil, false
		}
		plan.groups = append(plan.groups, col)
	}

	for _, f := range intent.Filters {
		col := pickNamedColumn(t, f.Field)
		if col == "" {
			return nil, false
		}
		op, ok := normalizeOperator(f.Operator)
		if !ok {
			plan.partial = true
			continue
		}
		plan.filters = append(plan.filters, renderedFilter{column: col, op: op, value: f.Value})
	}

	return plan, true
}

func (d *SQLDrafter) render(intent *models.QueryIntent, plan *draftPlan) (string, error) {
	q := d.dialect.QuoteIdent

	var selects, groupBy []string
	var orderBy string

	if intent.TimeGrain != "" {
		expr, err := d.dialect.TruncDate(string(intent.TimeGrain), q(plan.date))
		if err != nil {
			return "", err
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, intent.TimeGrain))
		groupBy = append(groupBy, expr)
		orderBy = string(intent.TimeGrain)
	}
	for _, g := range plan.groups {
		selects = append(selects, q(g))
		groupBy = append(groupBy, q(g))
	}

	aggExpr, aggAlias := aggregateExpr(intent, plan, q)
	selects = append(selects, fmt.Sprintf("%s AS %s", aggExpr, aggAlias))
	if intent.Limit > 0 || orderBy == "" {
		orderBy = aggAlias + " DESC"
	}

	var where []string
	if !intent.TimeRange.IsZero() {
		start, end := intent.TimeRange.Resolve(d.now())
		if !start.IsZero() {
			where = append(where, fmt.Sprintf("%s >= %s", q(plan.date), d.dialect.DateLiteral(start)))
		}
		if !end.IsZero() {
			where = append(where, fmt.Sprintf("%s < %s", q(plan.date), d.dialect.DateLiteral(end)))
		}
	}
	for _, f := range plan.filters {
		where = append(where, fmt.Sprintf("%s %s %s", q(f.column), f.op, sqlValue(f.value)))
	}

	prefix, suffix := d.dialect.LimitClause(intent.Limit)

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if prefix != "" {
		sb.WriteString(prefix + " ")
	}
	sb.WriteString(strings.Join(selects, ", "))
	sb.WriteString("\nFROM " + q(plan.table.Name))
	if len(where) > 0 {
		sb.WriteString("\nWHERE " + strings.Join(where, " AND "))
	}
	if len(groupBy) > 0 {
		sb.WriteString("\nGROUP BY " + strings.Join(groupBy, ", "))
	}
	sb.WriteString("\nORDER BY " + orderBy)
	if suffix != "" {
		sb.WriteString("\n" + suffix)
	}
	return sb.String(), nil
}

func aggregateExpr(intent *models.QueryIntent, plan *draftPlan, q func(string) string) (expr, alias string) {
	label := aliasPart(intent.Measure)
	switch intent.Aggregation {
	case models.AggregationCount:
		if label == "" {
			label = aliasPart(plan.table.BareName())
		}
		return "COUNT(*)", label + "_count"
	case models.AggregationCountDistinct:
		return fmt.Sprintf("COUNT(DISTINCT %s)", q(plan.measure)), "distinct_" + aliasPart(plan.measure)
	case models.AggregationNone, "":
		return "COUNT(*)", "row_count"
	}
	if label == "" {
		label = aliasPart(plan.measure)
	}
	prefix := map[models.Aggregation]string{
		models.AggregationSum: "total",
		models.AggregationAvg: "avg",
		models.AggregationMin: "min",
		models.AggregationMax: "max",
	}[intent.Aggregation]
	return fmt.Sprintf("%s(%s)", intent.Aggregation.SQLFunction(), q(plan.measure)), prefix + "_" + label
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func aliasPart(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// measureSynonyms maps business measures onto words that typically appear in column names.
var measureSynonyms = map[string][]string{
	"sale":     {"sales", "amount", "total", "revenue", "price"},
	"revenue":  {"revenue", "amount", "total", "sales"},
	"amount":   {"amount", "total", "value"},
	"spend":    {"spend", "amount", "cost", "total"},
	"cost":     {"cost", "amount", "spend"},
	"price":    {"price", "amount"},
	"quantity": {"quantity", "qty", "units", "count"},
	"profit":   {"profit", "margin"},
	"duration": {"duration", "seconds", "minutes", "length"},
}

func pickMeasureColumn(t *models.TableDescriptor, measure string, numeric bool) string {
	term := models.NormalizeTerm(measure)
	words := strings.Fields(strings.ReplaceAll(term, "_", " "))
	for _, w := range strings.Fields(term) {
		words = append(words, measureSynonyms[w]...)
	}

	best, bestScore := "", 0
	for _, c := range t.Columns {
		if isKeyColumn(c.Name) || (numeric && !isNumericType(c.Type)) {
			continue
		}
		score := 0
		for _, part := range nameParts(c.Name) {
			for _, w := range words {
				if part == w || models.NormalizeTerm(part) == w {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = c.Name, score
		}
	}
	return best
}

func pickDateColumn(t *models.TableDescriptor, intent *models.QueryIntent) string {
	entities := intent.NormalizedEntities()
	best, bestScore := "", -1
	for _, c := range t.Columns {
		if !isDateType(c.Type) {
			continue
		}
		score := 0
		parts := nameParts(c.Name)
		if slices.Contains(parts, "date") {
			score++
		}
		for _, p := range parts {
			if slices.Contains(entities, models.NormalizeTerm(p)) {
				score += 2
			}
		}
		if score > bestScore {
			best, bestScore = c.Name, score
		}
	}
	return best
}

// pickNamedColumn finds the column a business term refers to: exact name, name with
// underscores for spaces, or a column whose name contains the term.
func pickNamedColumn(t *models.TableDescriptor, term string) string {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(term)), " ", "_")
	if norm == "" {
		return ""
	}
	singular := strings.ReplaceAll(models.NormalizeTerm(term), " ", "_")
	for _, c := range t.Columns {
		name := strings.ToLower(c.Name)
		if name == norm || name == singular {
			return c.Name
		}
	}
	for _, c := range t.Columns {
		name := strings.ToLower(c.Name)
		if strings.Contains(name, singular) && !isKeyColumn(name) {
			return c.Name
		}
	}
	return ""
}

// coversEntities reports whether every entity of the intent can be answered from t alone.
func coversEntities(intent *models.QueryIntent, t *models.TableDescriptor) bool {
	entities := intent.NormalizedEntities()
	if len(entities) <= 1 {
		return true
	}
	table := models.NormalizeTerm(strings.ReplaceAll(t.BareName(), "_", " "))
	for _, e := range entities {
		if strings.Contains(table, e) {
			continue
		}
		if pickNamedColumn(t, e) != "" {
			continue
		}
		return false
	}
	return true
}

func normalizeOperator(op string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "=", "==", "IS", "EQUALS":
		return "=", true
	case "!=", "<>", "NOT EQUALS":
		return "<>", true
	case ">", "<", ">=", "<=":
		return strings.TrimSpace(op), true
	case "LIKE", "CONTAINS":
		return "LIKE", true
	}
	return "", false
}

func sqlValue(v string) string {
	v = strings.TrimSpace(v)
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func nameParts(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == ' ' || r == '.'
	})
}

func isKeyColumn(name string) bool {
	name = strings.ToLower(name)
	return name == "id" || strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "_key")
}

func isNumericType(t string) bool {
	t = strings.ToLower(t)
	for _, s := range []string{"int", "numeric", "decimal", "float", "double", "real", "money", "number"} {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}

func isDateType(t string) bool {
	t = strings.ToLower(t)
	return strings.Contains(t, "date") || strings.Contains(t, "time")
}
