package models

import (
	"time"
)

// LearnedPattern is an accepted (utterance, intent, SQL) tuple persisted for reuse.
// Patterns are keyed by Fingerprint and never updated once stored.
type LearnedPattern struct {
	Fingerprint   string    `json:"fingerprint"`
	Utterance     string    `json:"utterance"`
	IntentSummary string    `json:"intent_summary"`
	SQL           string    `json:"sql"`
	Tables        []string  `json:"tables,omitempty"`
	Insights      []string  `json:"insights,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// UpsertOutcome is the result of writing a pattern under its fingerprint.
type UpsertOutcome string

const (
	UpsertStored        UpsertOutcome = "stored"
	UpsertAlreadyExists UpsertOutcome = "already_exists"
	// UpsertFailed is reported by the recorder when the store write failed.
	UpsertFailed UpsertOutcome = "failed"
)

// ExecutionResult holds rows returned by the execution gateway.
type ExecutionResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	// RowCount is len(Rows).
	RowCount int           `json:"row_count"`
	Duration time.Duration `json:"duration"`
	// Truncated is true when the gateway's row limit cut the result short.
	Truncated bool `json:"truncated,omitempty"`
}
