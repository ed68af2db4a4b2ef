package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/retry"
	"github.com/ekaya-inc/ekaya-refine/pkg/schemastore"
)

// ContextAssembler selects the schema context for one generation attempt.
type ContextAssembler interface {
	// Retrieve returns at most k tables (capped by the configured maximum) that pass the
	// similarity threshold, plus advisory pattern hints. It fails with an ErrRetrievalEmpty
	// turn error when no table passes.
	Retrieve(ctx context.Context, intent *models.QueryIntent, k int) (*models.SchemaContext, error)
}

type contextAssembler struct {
	store  schemastore.Store
	cfg    config.RefinementConfig
	logger *zap.Logger
}

var _ ContextAssembler = (*contextAssembler)(nil)

// NewContextAssembler creates an assembler reading from store.
func NewContextAssembler(store schemastore.Store, cfg config.RefinementConfig, logger *zap.Logger) ContextAssembler {
	return &contextAssembler{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("context-assembler"),
	}
}

func (a *contextAssembler) Retrieve(ctx context.Context, intent *models.QueryIntent, k int) (*models.SchemaContext, error) {
	if k <= 0 || k > a.cfg.MaxTables {
		k = a.cfg.MaxTables
	}

	query := strings.TrimSpace(intent.SearchText())
	if query == "" {
		return nil, apperrors.NewRetrievalEmptyError(intent.Utterance)
	}

	// The store returns one hit per matching document, so the same table can come back
	// several times; oversample before deduplicating.
	hits, err := retry.DoIfRetryableWithResult(ctx, retry.Budget(a.cfg.GenerationRetries), func() ([]models.TableDescriptor, error) {
		return a.store.SimilaritySearch(ctx, query, k*max(a.cfg.SearchOversample, 1))
	})
	if err != nil {
		a.logger.Error("Similarity search failed", zap.String("query", query), zap.Error(err))
		return nil, apperrors.NewUpstreamError("retrieval", err)
	}

	relevant := make([]models.TableDescriptor, 0, len(hits))
	for _, t := range hits {
		if t.Score >= a.cfg.MinSimilarity {
			relevant = append(relevant, t)
		}
	}

	schemaCtx := models.NewSchemaContext(relevant, k)
	schemaCtx.Query = query
	if schemaCtx.IsEmpty() {
		a.logger.Info("No table passed the similarity threshold",
			zap.String("query", query),
			zap.Int("hits", len(hits)),
			zap.Float64("min_similarity", a.cfg.MinSimilarity))
		return nil, apperrors.NewRetrievalEmptyError(query)
	}

	schemaCtx.Hints = a.patternHints(ctx, intent)

	a.logger.Debug("Assembled schema context",
		zap.String("query", query),
		zap.Strings("tables", schemaCtx.TableNames()),
		zap.Int("hints", len(schemaCtx.Hints)))

	return schemaCtx, nil
}

// patternHints returns learned patterns close enough to the intent to be worth showing
// the generator. Failures only cost the hints.
func (a *contextAssembler) patternHints(ctx context.Context, intent *models.QueryIntent) []models.PatternHint {
	if a.cfg.PatternHintLimit <= 0 {
		return nil
	}
	hints, err := a.store.SearchPatterns(ctx, schemastore.PatternQuery(intent), a.cfg.PatternHintLimit)
	if err != nil {
		a.logger.Warn("Pattern search failed, continuing without hints", zap.Error(err))
		return nil
	}

	out := make([]models.PatternHint, 0, len(hints))
	for _, h := range hints {
		if h.Score >= a.cfg.PatternHintThreshold {
			out = append(out, h)
		}
	}
	return out
}
