package models

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ColumnDescriptor describes one column of a retrieved table.
type ColumnDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Cardinality int64  `json:"cardinality,omitempty"`
	Description string `json:"description,omitempty"`
}

// TableDescriptor is a read-only snapshot of one table from the schema context store.
type TableDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Columns     []ColumnDescriptor `json:"columns"`
	// RowCount is the cardinality estimate for the whole table.
	RowCount int64 `json:"row_count,omitempty"`
	// Score is the similarity against the current intent. Zero outside a retrieval.
	Score float64 `json:"score,omitempty"`
}

// Column returns the named column, matched case-insensitively.
func (t *TableDescriptor) Column(name string) (ColumnDescriptor, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnDescriptor{}, false
}

// Clone returns a copy that shares nothing with t.
func (t TableDescriptor) Clone() TableDescriptor {
	t.Columns = slices.Clone(t.Columns)
	return t
}

// BareName strips any schema qualifier from the table name.
func (t *TableDescriptor) BareName() string {
	if i := strings.LastIndexByte(t.Name, '.'); i >= 0 {
		return t.Name[i+1:]
	}
	return t.Name
}

// PatternHint is a previously accepted query whose intent closely matches the current one.
// It is advisory context for the generator, never a substitute for generation.
type PatternHint struct {
	Fingerprint string   `json:"fingerprint"`
	Utterance   string   `json:"utterance"`
	SQL         string   `json:"sql"`
	Insights    []string `json:"insights,omitempty"`
	Score       float64  `json:"score"`
}

// SchemaContext is the bounded set of tables supplied to one generation attempt.
// Tables are ordered by descending score and carry unique names.
type SchemaContext struct {
	Tables []TableDescriptor `json:"tables"`
	Hints  []PatternHint     `json:"hints,omitempty"`
	// Query is the similarity text the context was retrieved with.
	Query string `json:"query,omitempty"`
}

// NewSchemaContext deduplicates tables by name keeping the highest score, orders them by
// descending score (ties by name) and truncates to maxTables.
func NewSchemaContext(tables []TableDescriptor, maxTables int) *SchemaContext {
	best := make(map[string]TableDescriptor, len(tables))
	for _, t := range tables {
		key := strings.ToLower(t.Name)
		if cur, ok := best[key]; !ok || t.Score > cur.Score {
			best[key] = t.Clone()
		}
	}

	out := make([]TableDescriptor, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})

	if maxTables > 0 && len(out) > maxTables {
		out = out[:maxTables]
	}
	return &SchemaContext{Tables: out}
}

// IsEmpty reports whether no table was selected.
func (c *SchemaContext) IsEmpty() bool {
	return c == nil || len(c.Tables) == 0
}

// TableNames returns table names in context order.
func (c *SchemaContext) TableNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// Table looks a table up by name, accepting schema-qualified or bare names.
func (c *SchemaContext) Table(name string) (*TableDescriptor, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Tables {
		t := &c.Tables[i]
		if strings.EqualFold(t.Name, name) || strings.EqualFold(t.BareName(), name) {
			return t, true
		}
	}
	return nil, false
}

// Validate checks the ordering, uniqueness and size invariants.
func (c *SchemaContext) Validate(maxTables int) error {
	if c.IsEmpty() {
		return fmt.Errorf("schema context is empty")
	}
	if maxTables > 0 && len(c.Tables) > maxTables {
		return fmt.Errorf("schema context has %d tables, max is %d", len(c.Tables), maxTables)
	}
	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		key := strings.ToLower(t.Name)
		if seen[key] {
			return fmt.Errorf("duplicate table %q in schema context", t.Name)
		}
		seen[key] = true
		if i > 0 && t.Score > c.Tables[i-1].Score {
			return fmt.Errorf("schema context not ordered by score at %q", t.Name)
		}
	}
	return nil
}
