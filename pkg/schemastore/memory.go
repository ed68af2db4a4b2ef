package schemastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

type patternEntry struct {
	pattern models.LearnedPattern
	vector  []float32
}

// MemoryStore keeps both indexes in memory and searches them by brute-force cosine similarity.
// It is safe for concurrent use.
type MemoryStore struct {
	embedder Embedder
	logger   *zap.Logger

	mu       sync.RWMutex
	tables   map[string]models.TableDescriptor // keyed by lowercased name
	docs     []document
	patterns map[string]patternEntry // keyed by fingerprint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(embedder Embedder, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		embedder: embedder,
		logger:   logger.Named("schema-store"),
		tables:   make(map[string]models.TableDescriptor),
		patterns: make(map[string]patternEntry),
	}
}

func (s *MemoryStore) SimilaritySearch(ctx context.Context, query string, k int) ([]models.TableDescriptor, error) {
	if k <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("similarity search needs a non-empty query")
	}

	vector, err := embedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		doc   *document
		score float64
	}
	results := make([]scored, 0, len(s.docs))
	for i := range s.docs {
		results = append(results, scored{doc: &s.docs[i], score: CosineSimilarity(vector, s.docs[i].Vector)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		if results[i].doc.Table != results[j].doc.Table {
			return results[i].doc.Table < results[j].doc.Table
		}
		return results[i].doc.Column < results[j].doc.Column
	})
	if len(results) > k {
		results = results[:k]
	}

	hits := make([]models.TableDescriptor, 0, len(results))
	for _, r := range results {
		t, ok := s.tables[strings.ToLower(r.doc.Table)]
		if !ok {
			continue
		}
		hit := t.Clone()
		hit.Score = r.score
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *MemoryStore) SearchPatterns(ctx context.Context, query string, k int) ([]models.PatternHint, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	s.mu.RLock()
	empty := len(s.patterns) == 0
	s.mu.RUnlock()
	if empty {
		return nil, nil
	}

	vector, err := embedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed pattern query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hints := make([]models.PatternHint, 0, len(s.patterns))
	for _, e := range s.patterns {
		hints = append(hints, models.PatternHint{
			Fingerprint: e.pattern.Fingerprint,
			Utterance:   e.pattern.Utterance,
			SQL:         e.pattern.SQL,
			Insights:    e.pattern.Insights,
			Score:       CosineSimilarity(vector, e.vector),
		})
	}
	sort.Slice(hints, func(i, j int) bool {
		if hints[i].Score != hints[j].Score {
			return hints[i].Score > hints[j].Score
		}
		return hints[i].Fingerprint < hints[j].Fingerprint
	})
	if len(hints) > k {
		hints = hints[:k]
	}
	return hints, nil
}

func (s *MemoryStore) UpsertPattern(ctx context.Context, p *models.LearnedPattern) (models.UpsertOutcome, error) {
	if p == nil || p.Fingerprint == "" {
		return "", errors.New("pattern needs a fingerprint")
	}

	if s.hasPattern(p.Fingerprint) {
		return models.UpsertAlreadyExists, nil
	}

	vector, err := embedOne(ctx, s.embedder, patternText(p))
	if err != nil {
		return "", fmt.Errorf("embed pattern: %w", err)
	}
	return s.putPattern(*p, vector), nil
}

func (s *MemoryStore) hasPattern(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.patterns[fingerprint]
	return ok
}

// putPattern inserts unless the fingerprint is already present.
func (s *MemoryStore) putPattern(p models.LearnedPattern, vector []float32) models.UpsertOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[p.Fingerprint]; ok {
		return models.UpsertAlreadyExists
	}
	s.patterns[p.Fingerprint] = patternEntry{pattern: p, vector: vector}
	return models.UpsertStored
}

func (s *MemoryStore) ReplaceSchema(ctx context.Context, tables []models.TableDescriptor) error {
	docs, byName, err := buildSchemaIndex(ctx, s.embedder, tables)
	if err != nil {
		return err
	}
	s.swapSchema(byName, docs)
	s.logger.Info("Schema index replaced",
		zap.Int("tables", len(byName)),
		zap.Int("documents", len(docs)))
	return nil
}

func (s *MemoryStore) swapSchema(tables map[string]models.TableDescriptor, docs []document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = tables
	s.docs = docs
}

func (s *MemoryStore) TableCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables)
}

// PatternCount returns the number of stored learned patterns.
func (s *MemoryStore) PatternCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

func (s *MemoryStore) Close() error {
	return nil
}

// buildSchemaIndex embeds every table and column description. Later duplicates of a
// table name replace earlier ones.
func buildSchemaIndex(ctx context.Context, embedder Embedder, tables []models.TableDescriptor) ([]document, map[string]models.TableDescriptor, error) {
	byName := make(map[string]models.TableDescriptor, len(tables))
	var order []string
	for _, t := range tables {
		if t.Name == "" {
			return nil, nil, errors.New("table descriptor without a name")
		}
		key := strings.ToLower(t.Name)
		if _, ok := byName[key]; !ok {
			order = append(order, key)
		}
		t = t.Clone()
		t.Score = 0
		byName[key] = t
	}

	var docs []document
	for _, key := range order {
		docs = append(docs, schemaDocuments(byName[key])...)
	}
	if len(docs) > 0 {
		if err := embedDocuments(ctx, embedder, docs); err != nil {
			return nil, nil, fmt.Errorf("embed schema documents: %w", err)
		}
	}
	return docs, byName, nil
}
