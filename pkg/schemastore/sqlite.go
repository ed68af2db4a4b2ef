package schemastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists both indexes and the turn audit log in SQLite. Searches run
// against an in-memory copy loaded at open and kept in step with every write.
type SQLiteStore struct {
	db       *sql.DB
	mem      *MemoryStore
	embedder Embedder
	logger   *zap.Logger
}

// OpenSQLiteStore opens (creating if needed) the store database at path, applies
// migrations and loads the indexes.
func OpenSQLiteStore(ctx context.Context, path string, embedder Embedder, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store database: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		mem:      NewMemoryStore(embedder, logger),
		embedder: embedder,
		logger:   logger.Named("sqlite-store"),
	}

	if err := RunMigrations(db, s.logger); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) load(ctx context.Context) error {
	tables, err := s.loadTables(ctx)
	if err != nil {
		return err
	}

	var storedEmbedder string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedder'`).Scan(&storedEmbedder)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading store metadata: %w", err)
	}

	if storedEmbedder != "" && storedEmbedder != s.embedder.Name() {
		s.logger.Warn("Embedder changed since the store was written; re-embedding",
			zap.String("stored", storedEmbedder),
			zap.String("current", s.embedder.Name()))
		list := make([]models.TableDescriptor, 0, len(tables))
		for _, t := range tables {
			list = append(list, t)
		}
		if err := s.ReplaceSchema(ctx, list); err != nil {
			return err
		}
		return s.reembedPatterns(ctx)
	}

	docs, err := s.loadDocuments(ctx)
	if err != nil {
		return err
	}
	s.mem.swapSchema(tables, docs)

	if err := s.loadPatterns(ctx); err != nil {
		return err
	}

	s.logger.Info("Store loaded",
		zap.Int("tables", len(tables)),
		zap.Int("documents", len(docs)),
		zap.Int("patterns", s.mem.PatternCount()))
	return nil
}

func (s *SQLiteStore) loadTables(ctx context.Context) (map[string]models.TableDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, descriptor FROM schema_tables`)
	if err != nil {
		return nil, fmt.Errorf("querying tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]models.TableDescriptor)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scanning table: %w", err)
		}
		var t models.TableDescriptor
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decoding table %s: %w", name, err)
		}
		tables[strings.ToLower(name)] = t
	}
	return tables, rows.Err()
}

func (s *SQLiteStore) loadDocuments(ctx context.Context) ([]document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.table_name, d.column_name, d.content, d.embedding
		FROM schema_documents d
		JOIN schema_tables t ON t.name = d.table_name
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []document
	for rows.Next() {
		var d document
		var raw []byte
		if err := rows.Scan(&d.Table, &d.Column, &d.Text, &raw); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if err := json.Unmarshal(raw, &d.Vector); err != nil {
			s.logger.Warn("Skipping document with corrupt embedding", zap.String("table", d.Table))
			continue
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) loadPatterns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, utterance, intent_summary, sql_text, tables, insights, embedding, created_at
		FROM learned_patterns`)
	if err != nil {
		return fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.LearnedPattern
		var tables, insights string
		var raw []byte
		if err := rows.Scan(&p.Fingerprint, &p.Utterance, &p.IntentSummary, &p.SQL, &tables, &insights, &raw, &p.CreatedAt); err != nil {
			return fmt.Errorf("scanning pattern: %w", err)
		}
		if err := decodePatternLists(&p, tables, insights); err != nil {
			s.logger.Warn("Skipping pattern with corrupt table or insight list",
				zap.String("fingerprint", p.Fingerprint),
				zap.Error(err))
			continue
		}

		var vector []float32
		if err := json.Unmarshal(raw, &vector); err != nil {
			s.logger.Warn("Skipping pattern with corrupt embedding", zap.String("fingerprint", p.Fingerprint))
			continue
		}
		s.mem.putPattern(p, vector)
	}
	return rows.Err()
}

// decodePatternLists fills the JSON-encoded table and insight columns of a pattern row.
func decodePatternLists(p *models.LearnedPattern, tables, insights string) error {
	if err := json.Unmarshal([]byte(tables), &p.Tables); err != nil {
		return fmt.Errorf("decoding tables: %w", err)
	}
	if err := json.Unmarshal([]byte(insights), &p.Insights); err != nil {
		return fmt.Errorf("decoding insights: %w", err)
	}
	return nil
}

// reembedPatterns loads patterns and re-embeds them with the current embedder.
func (s *SQLiteStore) reembedPatterns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, utterance, intent_summary, sql_text, tables, insights, created_at
		FROM learned_patterns`)
	if err != nil {
		return fmt.Errorf("querying patterns: %w", err)
	}
	var patterns []models.LearnedPattern
	for rows.Next() {
		var p models.LearnedPattern
		var tables, insights string
		if err := rows.Scan(&p.Fingerprint, &p.Utterance, &p.IntentSummary, &p.SQL, &tables, &insights, &p.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scanning pattern: %w", err)
		}
		if err := decodePatternLists(&p, tables, insights); err != nil {
			s.logger.Warn("Skipping pattern with corrupt table or insight list",
				zap.String("fingerprint", p.Fingerprint),
				zap.Error(err))
			continue
		}
		patterns = append(patterns, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range patterns {
		p := patterns[i]
		vector, err := embedOne(ctx, s.embedder, patternText(&p))
		if err != nil {
			return fmt.Errorf("re-embedding pattern %s: %w", p.Fingerprint, err)
		}
		raw, _ := json.Marshal(vector)
		if _, err := s.db.ExecContext(ctx, `UPDATE learned_patterns SET embedding = ? WHERE fingerprint = ?`, raw, p.Fingerprint); err != nil {
			return fmt.Errorf("updating pattern embedding: %w", err)
		}
		s.mem.putPattern(p, vector)
	}
	return nil
}

func (s *SQLiteStore) SimilaritySearch(ctx context.Context, query string, k int) ([]models.TableDescriptor, error) {
	return s.mem.SimilaritySearch(ctx, query, k)
}

func (s *SQLiteStore) SearchPatterns(ctx context.Context, query string, k int) ([]models.PatternHint, error) {
	return s.mem.SearchPatterns(ctx, query, k)
}

func (s *SQLiteStore) UpsertPattern(ctx context.Context, p *models.LearnedPattern) (models.UpsertOutcome, error) {
	if p == nil || p.Fingerprint == "" {
		return "", errors.New("pattern needs a fingerprint")
	}
	if s.mem.hasPattern(p.Fingerprint) {
		return models.UpsertAlreadyExists, nil
	}

	vector, err := embedOne(ctx, s.embedder, patternText(p))
	if err != nil {
		return "", fmt.Errorf("embed pattern: %w", err)
	}

	tables, _ := json.Marshal(p.Tables)
	insights, _ := json.Marshal(p.Insights)
	raw, _ := json.Marshal(vector)
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO learned_patterns (fingerprint, utterance, intent_summary, sql_text, tables, insights, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		p.Fingerprint, p.Utterance, p.IntentSummary, p.SQL, string(tables), string(insights), raw, createdAt)
	if err != nil {
		return "", fmt.Errorf("inserting pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("inserting pattern: %w", err)
	}

	stored := *p
	stored.CreatedAt = createdAt
	outcome := s.mem.putPattern(stored, vector)
	if n == 0 {
		return models.UpsertAlreadyExists, nil
	}
	return outcome, nil
}

func (s *SQLiteStore) ReplaceSchema(ctx context.Context, tables []models.TableDescriptor) error {
	docs, byName, err := buildSchemaIndex(ctx, s.embedder, tables)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_documents`); err != nil {
		return fmt.Errorf("clearing documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_tables`); err != nil {
		return fmt.Errorf("clearing tables: %w", err)
	}

	tableStmt, err := tx.PrepareContext(ctx, `INSERT INTO schema_tables (name, descriptor) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer tableStmt.Close()
	for _, t := range byName {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encoding table %s: %w", t.Name, err)
		}
		if _, err := tableStmt.ExecContext(ctx, t.Name, string(raw)); err != nil {
			return fmt.Errorf("inserting table %s: %w", t.Name, err)
		}
	}

	docStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO schema_documents (table_name, column_name, content, embedding)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer docStmt.Close()
	for _, d := range docs {
		raw, err := json.Marshal(d.Vector)
		if err != nil {
			return fmt.Errorf("encoding embedding: %w", err)
		}
		if _, err := docStmt.ExecContext(ctx, d.Table, d.Column, d.Text, raw); err != nil {
			return fmt.Errorf("inserting document: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES ('embedder', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, s.embedder.Name()); err != nil {
		return fmt.Errorf("writing store metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}

	s.mem.swapSchema(byName, docs)
	s.logger.Info("Schema index replaced",
		zap.Int("tables", len(byName)),
		zap.Int("documents", len(docs)))
	return nil
}

func (s *SQLiteStore) TableCount() int {
	return s.mem.TableCount()
}

// SaveTurn appends one conversation turn to the audit log. Saving the same turn twice is a no-op.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *models.ConversationTurn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encoding turn: %w", err)
	}

	var sqlText, verdict string
	if turn.Candidate != nil {
		sqlText = turn.Candidate.Text
		verdict = string(turn.Candidate.Verdict.Status)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns
			(id, session_id, seq, input_kind, input, state, decision, sql_text, verdict, failure, row_count, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		turn.ID.String(), turn.SessionID.String(), turn.Seq, string(turn.InputKind), turn.Input,
		string(turn.State), string(turn.Decision), sqlText, verdict, turn.Failure, turn.RowCount,
		string(payload), turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// SessionTurns returns the recorded turns of a session in sequence order.
func (s *SQLiteStore) SessionTurns(ctx context.Context, sessionID uuid.UUID) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM conversation_turns WHERE session_id = ? ORDER BY seq`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		var t models.ConversationTurn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decoding turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
