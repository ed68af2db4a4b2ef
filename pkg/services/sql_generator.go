package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/llm"
	"github.com/ekaya-inc/ekaya-refine/pkg/logging"
	"github.com/ekaya-inc/ekaya-refine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/prompts"
	"github.com/ekaya-inc/ekaya-refine/pkg/retry"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// GenerateRequest is one generation attempt.
type GenerateRequest struct {
	Mode    models.Provenance
	Intent  *models.QueryIntent
	Context *models.SchemaContext
	// Feedback is the feedback recorded since the utterance, oldest first.
	Feedback []string
	// Prior is the candidate being modified or replaced.
	Prior *models.SQLCandidate
	// Tried lists every statement already presented in this turn.
	Tried []string
}

// SQLGenerator produces candidate statements.
type SQLGenerator interface {
	// Generate returns an unvalidated candidate. Empty or unreachable model output is
	// retried within the configured budget, then reported as an ErrGeneration turn error.
	Generate(ctx context.Context, req GenerateRequest) (*models.SQLCandidate, error)
}

type sqlGenerator struct {
	llmClient   llm.LLMClient
	drafter     *SQLDrafter
	dialect     sqlutil.Dialect
	cfg         config.RefinementConfig
	temperature float64
	now         func() time.Time
	logger      *zap.Logger
}

var _ SQLGenerator = (*sqlGenerator)(nil)

var errEmptyGeneration = errors.New("model returned no SQL")

// NewSQLGenerator creates a generator writing dialect SQL.
func NewSQLGenerator(llmClient llm.LLMClient, drafter *SQLDrafter, dialect sqlutil.Dialect, cfg config.RefinementConfig, temperature float64, logger *zap.Logger) SQLGenerator {
	return &sqlGenerator{
		llmClient:   llmClient,
		drafter:     drafter,
		dialect:     dialect,
		cfg:         cfg,
		temperature: temperature,
		now:         time.Now,
		logger:      logger.Named("sql-generator"),
	}
}

type generation struct {
	text      string
	reasoning string
}

func (g *sqlGenerator) Generate(ctx context.Context, req GenerateRequest) (*models.SQLCandidate, error) {
	if req.Context.IsEmpty() {
		return nil, apperrors.NewRetrievalEmptyError(req.Intent.Utterance)
	}
	if req.Mode == "" || (req.Mode == models.ProvenanceModified && req.Prior == nil) {
		req.Mode = models.ProvenanceInitial
	}

	start := time.Now()
	draft, hasDraft := g.drafter.Draft(req.Intent, req.Context)

	if req.Mode == models.ProvenanceInitial && g.cfg.UseDrafts && hasDraft && draft.Complete {
		metrics.ObserveGeneration(string(req.Mode), "draft", time.Since(start))
		g.logger.Debug("Using deterministic draft", zap.String("table", draft.Table))
		return g.candidate(req, generation{text: draft.SQL}, true), nil
	}

	in := prompts.SQLSynthesisInput{
		Mode:      req.Mode,
		Intent:    req.Intent,
		Context:   req.Context,
		Dialect:   g.dialect,
		Now:       g.now(),
		Feedback:  req.Feedback,
		Tried:     req.Tried,
		Reasoning: needsReasoning(req.Intent, req.Context),
	}
	if req.Prior != nil && req.Mode == models.ProvenanceModified {
		in.PriorSQL = req.Prior.Text
	}
	if hasDraft && req.Mode == models.ProvenanceInitial {
		in.Draft = draft.SQL
	}

	prompt := prompts.BuildSQLSynthesisPrompt(in)
	systemMsg := prompts.BuildSQLSynthesisSystemMessage(g.dialect)

	gen, err := retry.DoWithResult(ctx, retry.Budget(g.cfg.GenerationRetries), func() (generation, error) {
		result, err := g.llmClient.GenerateResponse(ctx, prompt, systemMsg, g.temperature, in.Reasoning)
		if err != nil {
			return generation{}, err
		}
		text := g.dialect.Clean(llm.StripThinking(result.Content))
		if text == "" {
			return generation{}, errEmptyGeneration
		}
		return generation{text: text, reasoning: llm.ExtractThinking(result.Content)}, nil
	})
	if err != nil {
		g.logger.Error("SQL generation failed",
			zap.String("mode", string(req.Mode)),
			zap.String("error", logging.SanitizeError(err)))
		if errors.Is(err, errEmptyGeneration) {
			return nil, apperrors.NewGenerationError("The model returned no SQL. Try again or rephrase the request.", err)
		}
		return nil, apperrors.NewGenerationError("The SQL generation service is unavailable.", err)
	}

	drafted := false
	if req.Mode == models.ProvenanceRegenerated && req.Prior != nil {
		if alt, ok := g.structuralAlternative(req, gen.text); ok {
			gen = generation{text: alt.SQL, reasoning: "Switched to " + alt.Table + " for a different approach than the previous statement."}
			drafted = true
		}
	}

	source := "llm"
	if drafted {
		source = "draft"
	}
	metrics.ObserveGeneration(string(req.Mode), source, time.Since(start))

	return g.candidate(req, gen, drafted), nil
}

// structuralAlternative returns a draft on a different table when the model answered a
// regenerate request with the same tables as before, or with a statement already tried,
// and the context offers another viable table.
func (g *sqlGenerator) structuralAlternative(req GenerateRequest, text string) (*Draft, bool) {
	repeated := slices.Contains(req.Tried, text) ||
		sameTables(g.dialect.TablesReferenced(text), req.Prior.Tables)
	if !repeated {
		return nil, false
	}
	if len(g.drafter.ViablePaths(req.Intent, req.Context)) < 2 {
		return nil, false
	}
	draft, ok := g.drafter.Draft(req.Intent, req.Context, req.Prior.Tables...)
	if !ok || slices.Contains(req.Tried, draft.SQL) {
		return nil, false
	}
	g.logger.Info("Model repeated the previous structure, using drafted alternative",
		zap.Strings("previous_tables", req.Prior.Tables),
		zap.String("table", draft.Table))
	return draft, true
}

func (g *sqlGenerator) candidate(req GenerateRequest, gen generation, drafted bool) *models.SQLCandidate {
	return &models.SQLCandidate{
		ID:            uuid.New(),
		Text:          gen.text,
		Context:       req.Context,
		Verdict:       models.Verdict{Status: models.VerdictPending},
		Provenance:    req.Mode,
		Tables:        g.dialect.TablesReferenced(gen.text),
		OutputColumns: g.dialect.OutputColumns(gen.text),
		Reasoning:     gen.reasoning,
		Drafted:       drafted,
		CreatedAt:     g.now(),
	}
}

// needsReasoning asks for a reasoning trace when the answer likely spans several tables
// or aggregates.
func needsReasoning(intent *models.QueryIntent, sc *models.SchemaContext) bool {
	if len(intent.NormalizedEntities()) > 1 || len(intent.GroupBy) > 0 {
		return true
	}
	return intent.Aggregation != models.AggregationNone && intent.Aggregation != "" && len(sc.Tables) > 1
}

func sameTables(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := make([]string, len(a))
	y := make([]string, len(b))
	for i := range a {
		x[i] = strings.ToLower(a[i])
		y[i] = strings.ToLower(b[i])
	}
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
