package schemastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

func openTestSQLiteStore(t *testing.T, path string, embedder Embedder) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(context.Background(), path, embedder, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_PersistsSchemaAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.db")

	s := openTestSQLiteStore(t, path, NewHashEmbedder(128))
	require.NoError(t, s.ReplaceSchema(ctx, fixtureTables()))
	require.NoError(t, s.Close())

	reopened := openTestSQLiteStore(t, path, NewHashEmbedder(128))
	assert.Equal(t, 3, reopened.TableCount())

	hits, err := reopened.SimilaritySearch(ctx, "total order amount", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "orders", hits[0].Name)
	assert.Len(t, hits[0].Columns, 4)
}

func TestSQLiteStore_UpsertPatternIdempotentAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	p := &models.LearnedPattern{
		Fingerprint:   "abc123",
		Utterance:     "total sales by month",
		IntentSummary: "entities=order; agg=sum",
		SQL:           "SELECT DATE_TRUNC('month', order_date), SUM(total_amount) FROM orders GROUP BY 1",
		Tables:        []string{"orders"},
		Insights:      []string{"Uses SUM for revenue calculations"},
		CreatedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	s := openTestSQLiteStore(t, path, NewHashEmbedder(64))
	outcome, err := s.UpsertPattern(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertStored, outcome)

	outcome, err = s.UpsertPattern(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertAlreadyExists, outcome)
	require.NoError(t, s.Close())

	reopened := openTestSQLiteStore(t, path, NewHashEmbedder(64))
	outcome, err = reopened.UpsertPattern(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.UpsertAlreadyExists, outcome)

	hints, err := reopened.SearchPatterns(ctx, "sales by month", 5)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, p.SQL, hints[0].SQL)
	assert.Equal(t, p.Insights, hints[0].Insights)
}

func TestSQLiteStore_ReembedsWhenEmbedderChanges(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	s := openTestSQLiteStore(t, path, NewHashEmbedder(32))
	require.NoError(t, s.ReplaceSchema(ctx, fixtureTables()))
	_, err := s.UpsertPattern(ctx, &models.LearnedPattern{Fingerprint: "fp", Utterance: "orders per region", SQL: "SELECT 1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestSQLiteStore(t, path, NewHashEmbedder(256))
	hits, err := reopened.SimilaritySearch(ctx, "total order amount", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Greater(t, hits[0].Score, 0.0, "vectors must match the new embedder's dimensions")

	hints, err := reopened.SearchPatterns(ctx, "orders per region", 1)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Greater(t, hints[0].Score, 0.9)
}

func TestSQLiteStore_SkipsPatternsWithCorruptLists(t *testing.T) {
	tests := []struct {
		name   string
		column string
		// dims differs from the writer's to force the re-embedding load path.
		dims int
	}{
		{name: "corrupt tables", column: "tables", dims: 64},
		{name: "corrupt insights", column: "insights", dims: 64},
		{name: "corrupt tables while re-embedding", column: "tables", dims: 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "store.db")

			s := openTestSQLiteStore(t, path, NewHashEmbedder(64))
			require.NoError(t, s.ReplaceSchema(ctx, fixtureTables()))
			for _, p := range []*models.LearnedPattern{
				{Fingerprint: "good", Utterance: "orders per region", SQL: "SELECT 1", Tables: []string{"orders"}},
				{Fingerprint: "bad", Utterance: "orders per region last year", SQL: "SELECT 2", Tables: []string{"orders"}},
			} {
				_, err := s.UpsertPattern(ctx, p)
				require.NoError(t, err)
			}
			_, err := s.db.ExecContext(ctx, "UPDATE learned_patterns SET "+tt.column+" = '[\"orders\"' WHERE fingerprint = 'bad'")
			require.NoError(t, err)
			require.NoError(t, s.Close())

			core, logs := observer.New(zap.WarnLevel)
			reopened, err := OpenSQLiteStore(ctx, path, NewHashEmbedder(tt.dims), zap.New(core))
			require.NoError(t, err)
			t.Cleanup(func() { _ = reopened.Close() })

			hints, err := reopened.SearchPatterns(ctx, "orders per region", 5)
			require.NoError(t, err)
			require.Len(t, hints, 1)
			assert.Equal(t, "SELECT 1", hints[0].SQL)

			skipped := logs.FilterMessage("Skipping pattern with corrupt table or insight list").All()
			require.Len(t, skipped, 1)
			assert.Equal(t, "bad", skipped[0].ContextMap()["fingerprint"])
		})
	}
}

func TestSQLiteStore_SaveTurn(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLiteStore(t, filepath.Join(t.TempDir(), "store.db"), NewHashEmbedder(16))

	sessionID := uuid.New()
	first := &models.ConversationTurn{
		ID:        uuid.New(),
		SessionID: sessionID,
		Seq:       1,
		Input:     "total sales by month",
		InputKind: models.InputUtterance,
		State:     models.StatePresentingCandidate,
		Candidate: &models.SQLCandidate{Text: "SELECT 1", Verdict: models.Verdict{Status: models.VerdictApproved}},
		CreatedAt: time.Now().UTC(),
	}
	second := &models.ConversationTurn{
		ID:        uuid.New(),
		SessionID: sessionID,
		Seq:       2,
		InputKind: models.InputSystem,
		State:     models.StateTerminalRejected,
		Decision:  models.DecisionReject,
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, s.SaveTurn(ctx, second))
	require.NoError(t, s.SaveTurn(ctx, first))
	require.NoError(t, s.SaveTurn(ctx, first), "saving the same turn twice is a no-op")
	require.NoError(t, s.SaveTurn(ctx, &models.ConversationTurn{ID: uuid.New(), SessionID: uuid.New(), Seq: 1, State: models.StateTerminalFailed}))

	turns, err := s.SessionTurns(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, first.ID, turns[0].ID)
	assert.Equal(t, "SELECT 1", turns[0].Candidate.Text)
	assert.Equal(t, models.DecisionReject, turns[1].Decision)
}

func TestOpen_SelectsImplementation(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, configWithPath(""), NewHashEmbedder(16), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, configWithPath(filepath.Join(t.TempDir(), "s.db")), NewHashEmbedder(16), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
}
