package models

import (
	"slices"
	"time"

	"github.com/google/uuid"

	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// VerdictStatus is the safety validator's decision on a candidate.
type VerdictStatus string

const (
	VerdictPending  VerdictStatus = "pending"
	VerdictApproved VerdictStatus = "approved"
	VerdictRejected VerdictStatus = "rejected"
)

// Verdict is the outcome of static inspection.
type Verdict struct {
	Status VerdictStatus `json:"status"`
	// Reason is set when the candidate was rejected.
	Reason string `json:"reason,omitempty"`
	// Warnings flag constructs that were allowed but deserve the user's attention.
	Warnings []string `json:"warnings,omitempty"`
}

// Provenance records which generation mode produced a candidate.
type Provenance string

const (
	ProvenanceInitial     Provenance = "initial"
	ProvenanceModified    Provenance = "modified"
	ProvenanceRegenerated Provenance = "regenerated"
)

// SQLCandidate is one generated, not yet executed statement.
type SQLCandidate struct {
	ID         uuid.UUID      `json:"id"`
	Text       string         `json:"sql"`
	Context    *SchemaContext `json:"-"`
	Verdict    Verdict        `json:"verdict"`
	Provenance Provenance     `json:"provenance"`
	// Tables are the tables the statement reads from, in order of first reference.
	Tables []string `json:"tables,omitempty"`
	// OutputColumns are the items of the outermost SELECT list, read with the warehouse dialect.
	OutputColumns []sqlutil.OutputColumn `json:"output_columns,omitempty"`
	// Reasoning is the model's reasoning trace when reasoning mode was used.
	Reasoning string `json:"reasoning,omitempty"`
	// Drafted is true when the statement came from the deterministic drafter rather than the model.
	Drafted   bool      `json:"drafted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Approved reports whether the candidate may be executed.
func (c *SQLCandidate) Approved() bool {
	return c != nil && c.Verdict.Status == VerdictApproved
}

// WithVerdict returns a copy of the candidate carrying v.
func (c SQLCandidate) WithVerdict(v Verdict) *SQLCandidate {
	v.Warnings = slices.Clone(v.Warnings)
	c.Verdict = v
	c.Tables = slices.Clone(c.Tables)
	c.OutputColumns = slices.Clone(c.OutputColumns)
	return &c
}
