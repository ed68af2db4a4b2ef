// Package schemastore is the schema context store: a similarity index over table and
// column descriptions plus a separate index of learned query patterns.
package schemastore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/llm"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// Store is the port the refinement engine uses to reach schema metadata and learned patterns.
type Store interface {
	// SimilaritySearch returns up to k hits ordered by descending score. Each hit is a
	// snapshot of the table owning the matched description, with Score set. A table
	// matched through several of its columns appears once per match.
	SimilaritySearch(ctx context.Context, query string, k int) ([]models.TableDescriptor, error)

	// SearchPatterns returns up to k learned patterns ordered by descending score.
	SearchPatterns(ctx context.Context, query string, k int) ([]models.PatternHint, error)

	// UpsertPattern stores p under its fingerprint. Writing an existing fingerprint is a
	// no-op reported as UpsertAlreadyExists.
	UpsertPattern(ctx context.Context, p *models.LearnedPattern) (models.UpsertOutcome, error)

	// ReplaceSchema swaps the whole schema index for tables.
	ReplaceSchema(ctx context.Context, tables []models.TableDescriptor) error

	// TableCount returns the number of indexed tables.
	TableCount() int

	Close() error
}

// Open returns the store described by cfg: SQLite-backed when a path is configured,
// in-memory otherwise.
func Open(ctx context.Context, cfg config.StoreConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	if cfg.SQLitePath == "" {
		return NewMemoryStore(embedder, logger), nil
	}
	return OpenSQLiteStore(ctx, cfg.SQLitePath, embedder, logger)
}

// document is one embedded description in the schema index.
type document struct {
	Table  string
	Column string
	Text   string
	Vector []float32
}

// schemaDocuments renders the texts embedded for a table: one for the table itself and
// one per column.
func schemaDocuments(t models.TableDescriptor) []document {
	docs := make([]document, 0, len(t.Columns)+1)

	var sb strings.Builder
	sb.WriteString("table ")
	sb.WriteString(t.Name)
	if t.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(t.Description)
	}
	docs = append(docs, document{Table: t.Name, Text: sb.String()})

	for _, c := range t.Columns {
		text := fmt.Sprintf("%s.%s (%s)", t.Name, c.Name, c.Type)
		if c.Description != "" {
			text += ": " + c.Description
		}
		docs = append(docs, document{Table: t.Name, Column: c.Name, Text: text})
	}
	return docs
}

// patternText is what a learned pattern is embedded and searched by.
func patternText(p *models.LearnedPattern) string {
	return p.Utterance + "\n" + p.IntentSummary
}

// PatternQuery renders an intent the way learned patterns are indexed, so SearchPatterns
// compares like with like.
func PatternQuery(intent *models.QueryIntent) string {
	return patternText(&models.LearnedPattern{Utterance: intent.Utterance, IntentSummary: intent.Summary()})
}

// Embedding batches are sized for provider request limits and sent a few at a time.
const (
	embedBatchSize   = 256
	embedConcurrency = 4
)

func embedDocuments(ctx context.Context, embedder Embedder, docs []document) error {
	var items []llm.WorkItem[[][]float32]
	for start := 0; start < len(docs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(docs))
		texts := make([]string, 0, end-start)
		for _, d := range docs[start:end] {
			texts = append(texts, d.Text)
		}
		items = append(items, llm.WorkItem[[][]float32]{
			ID: fmt.Sprintf("docs[%d:%d]", start, end),
			Execute: func(ctx context.Context) ([][]float32, error) {
				return embedder.Embed(ctx, texts)
			},
		})
	}

	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: embedConcurrency}, zap.NewNop())
	results := llm.Process(ctx, pool, items, nil)
	if err := llm.FirstError(results); err != nil {
		return err
	}
	for _, res := range results {
		start := res.Index * embedBatchSize
		end := min(start+embedBatchSize, len(docs))
		if len(res.Result) != end-start {
			return fmt.Errorf("embedder returned %d vectors for %d documents", len(res.Result), end-start)
		}
		for i, v := range res.Result {
			docs[start+i].Vector = v
		}
	}
	return nil
}

func embedOne(ctx context.Context, embedder Embedder, text string) ([]float32, error) {
	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 text", len(vectors))
	}
	return vectors[0], nil
}
