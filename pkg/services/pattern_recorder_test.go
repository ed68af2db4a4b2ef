package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/schemastore"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

func acceptedTurn(sql string) *models.ConversationTurn {
	candidate := &models.SQLCandidate{Text: sql, Tables: []string{"orders"}}
	return &models.ConversationTurn{
		Intent:    monthlySalesIntent(),
		Candidate: candidate.WithVerdict(models.Verdict{Status: models.VerdictApproved}),
		Decision:  models.DecisionAccept,
		State:     models.StateTerminalAccepted,
	}
}

func readPatternLog(t *testing.T, path string) []schemastore.PatternLogEntry {
	t.Helper()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var entries []schemastore.PatternLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e schemastore.PatternLogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestPatternRecorder_IdempotentPerFingerprint(t *testing.T) {
	store := schemastore.NewMemoryStore(schemastore.NewHashEmbedder(256), zap.NewNop())
	logPath := filepath.Join(t.TempDir(), "patterns", "accepted.jsonl")
	r := NewPatternRecorder(sqlutil.DialectPostgres, store, schemastore.NewPatternLog(logPath), zap.NewNop())

	assert.Equal(t, models.UpsertStored, r.Record(context.Background(), acceptedTurn(monthlySalesSQL)))

	// Same statement with different layout and keyword case.
	relaid := "select DATE_TRUNC('month', order_date) as month,\n  SUM(total_amount) AS total_sales\nFROM orders WHERE order_date >= DATE '2024-03-14' AND order_date < DATE '2025-03-15' GROUP BY DATE_TRUNC('month', order_date) ORDER BY month;"
	assert.Equal(t, models.UpsertAlreadyExists, r.Record(context.Background(), acceptedTurn(relaid)))

	assert.Equal(t, 1, store.PatternCount())

	entries := readPatternLog(t, logPath)
	require.Len(t, entries, 1)
	assert.Equal(t, monthlySalesSQL, entries[0].SQL)
	assert.Equal(t, "total sales by month for the last year", entries[0].Utterance)
	assert.Contains(t, entries[0].Insights, "SUM for revenue")

	hints, err := store.SearchPatterns(context.Background(), schemastore.PatternQuery(monthlySalesIntent()), 3)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, monthlySalesSQL, hints[0].SQL)
}

// failingStore fails every pattern write.
type failingStore struct {
	fakeStore
}

func (s *failingStore) UpsertPattern(context.Context, *models.LearnedPattern) (models.UpsertOutcome, error) {
	return "", errors.New("database is locked")
}

func TestPatternRecorder_FailuresAreSwallowed(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "accepted.jsonl")
	r := NewPatternRecorder(sqlutil.DialectPostgres, &failingStore{}, schemastore.NewPatternLog(logPath), zap.NewNop())

	assert.Equal(t, models.UpsertFailed, r.Record(context.Background(), acceptedTurn(monthlySalesSQL)))
	assert.Empty(t, readPatternLog(t, logPath))
}

func TestPatternRecorder_RequiresApprovedCandidate(t *testing.T) {
	store := schemastore.NewMemoryStore(schemastore.NewHashEmbedder(256), zap.NewNop())
	r := NewPatternRecorder(sqlutil.DialectPostgres, store, nil, zap.NewNop())

	turn := acceptedTurn(monthlySalesSQL)
	turn.Candidate = turn.Candidate.WithVerdict(models.Verdict{Status: models.VerdictRejected, Reason: "no"})

	assert.Equal(t, models.UpsertFailed, r.Record(context.Background(), turn))
	assert.Equal(t, models.UpsertFailed, r.Record(context.Background(), nil))
	assert.Equal(t, 0, store.PatternCount())
}

func TestFingerprint(t *testing.T) {
	intent := monthlySalesIntent()
	base := Fingerprint(sqlutil.DialectPostgres, intent, monthlySalesSQL)

	assert.Len(t, base, 64)
	assert.Equal(t, base, Fingerprint(sqlutil.DialectPostgres, intent, "  "+monthlySalesSQL+" ; "))

	other := intent.Clone()
	other.Utterance = "monthly sales over the past year"
	assert.Equal(t, base, Fingerprint(sqlutil.DialectPostgres, other, monthlySalesSQL), "utterance wording is not part of the fingerprint")

	assert.NotEqual(t, base, Fingerprint(sqlutil.DialectPostgres, intent.WithFeedback("only EMEA"), monthlySalesSQL+" LIMIT 5"))
	assert.NotEqual(t, base, Fingerprint(sqlutil.DialectPostgres, intent, "SELECT 1"))
}

func TestInsights(t *testing.T) {
	tests := []struct {
		name   string
		intent *models.QueryIntent
		sql    string
		want   []string
	}{
		{
			name:   "monthly revenue",
			intent: monthlySalesIntent(),
			sql:    monthlySalesSQL,
			want:   []string{"SUM for revenue", "dates truncated to month", "explicit date bounds for last 1 year"},
		},
		{
			name: "join with top-n",
			intent: &models.QueryIntent{
				Entities:    []string{"customers", "orders"},
				Aggregation: models.AggregationCount,
				Limit:       10,
				Refinements: []string{"only active customers"},
			},
			sql: "SELECT c.name, COUNT(*) AS n FROM customers c JOIN orders o ON o.customer_id = c.id GROUP BY c.name ORDER BY n DESC LIMIT 10",
			want: []string{
				"multi-table join: customers, orders",
				"COUNT aggregate",
				"uses LIMIT for top-N",
				"refined: only active customers",
			},
		},
		{
			name:   "tsql top",
			intent: &models.QueryIntent{Entities: []string{"orders"}, Aggregation: models.AggregationAvg, Measure: "quantity", Limit: 3},
			sql:    "SELECT TOP 3 region, AVG(quantity) AS q FROM orders GROUP BY region ORDER BY q DESC",
			want:   []string{"AVG for quantity", "uses TOP for top-N"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Insights(sqlutil.DialectPostgres, tt.intent, tt.sql))
		})
	}
}
