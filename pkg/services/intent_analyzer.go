package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/llm"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/prompts"
	"github.com/ekaya-inc/ekaya-refine/pkg/retry"
)

// IntentAnalyzer turns an utterance into a structured QueryIntent.
type IntentAnalyzer interface {
	// Analyze resolves utterance against the session history. It fails with an
	// ErrIntentParse turn error when neither the utterance nor the history names an
	// entity or a time reference.
	Analyze(ctx context.Context, utterance string, history *models.ConversationHistory) (*models.QueryIntent, error)
}

type intentAnalyzer struct {
	llmClient   llm.LLMClient
	cfg         config.RefinementConfig
	temperature float64
	now         func() time.Time
	logger      *zap.Logger
}

var _ IntentAnalyzer = (*intentAnalyzer)(nil)

// NewIntentAnalyzer creates an analyzer backed by llmClient.
func NewIntentAnalyzer(llmClient llm.LLMClient, cfg config.RefinementConfig, logger *zap.Logger) IntentAnalyzer {
	return &intentAnalyzer{
		llmClient:   llmClient,
		cfg:         cfg,
		temperature: 0.0,
		now:         time.Now,
		logger:      logger.Named("intent-analyzer"),
	}
}

// intentResponse is the JSON shape requested by the intent extraction prompt.
type intentResponse struct {
	Entities    []string           `json:"entities"`
	Measure     string             `json:"measure"`
	Aggregation string             `json:"aggregation"`
	TimeGrain   string             `json:"time_grain"`
	GroupBy     []string           `json:"group_by"`
	Filters     []models.Filter    `json:"filters"`
	TimeRange   *timeRangeResponse `json:"time_range"`
	Limit       int                `json:"limit"`
	Rationale   string             `json:"rationale"`
}

type timeRangeResponse struct {
	LastAmount int    `json:"last_amount"`
	LastUnit   string `json:"last_unit"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Phrase     string `json:"phrase"`
}

func (a *intentAnalyzer) Analyze(ctx context.Context, utterance string, history *models.ConversationHistory) (*models.QueryIntent, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, apperrors.NewIntentParseError("The request is empty.")
	}

	var prior []models.ConversationTurn
	if history != nil {
		prior = history.LastN(a.cfg.HistoryTurns)
	}

	prompt := prompts.BuildIntentExtractionPrompt(utterance, prompts.IntentTurnsFromHistory(prior), a.now())
	systemMsg := prompts.BuildIntentExtractionSystemMessage()

	result, err := retry.DoIfRetryableWithResult(ctx, retry.Budget(a.cfg.GenerationRetries), func() (*llm.GenerateResponseResult, error) {
		return a.llmClient.GenerateResponse(ctx, prompt, systemMsg, a.temperature, false)
	})
	if err != nil {
		a.logger.Error("Intent extraction call failed", zap.Error(err))
		return nil, apperrors.NewUpstreamError("intent", err)
	}

	resp, err := llm.ParseJSONResponse[intentResponse](result.Content)
	if err != nil {
		a.logger.Warn("Intent extraction returned unparseable output",
			zap.String("model", a.llmClient.GetModel()),
			zap.Error(err))
		return nil, &apperrors.TurnError{
			Kind:    apperrors.ErrIntentParse,
			Stage:   "intent",
			Message: "The request could not be interpreted. Try naming what you want to measure and over which period.",
			Cause:   err,
		}
	}

	intent := resp.toIntent(utterance, a.logger)

	if !intent.HasReference() {
		var last *models.QueryIntent
		if history != nil {
			last = history.LastIntent()
		}
		if last == nil {
			return nil, apperrors.NewIntentParseError("The request names nothing to look up. Mention a business entity such as orders or customers, or a time period.")
		}
		inheritReferences(intent, last)
	}

	a.logger.Debug("Extracted intent",
		zap.Strings("entities", intent.Entities),
		zap.String("aggregation", string(intent.Aggregation)),
		zap.String("time_range", intent.TimeRange.String()))

	return intent, nil
}

func (r *intentResponse) toIntent(utterance string, logger *zap.Logger) *models.QueryIntent {
	intent := &models.QueryIntent{
		Utterance:   utterance,
		Entities:    cleanTerms(r.Entities),
		Measure:     strings.TrimSpace(r.Measure),
		Aggregation: models.ParseAggregation(r.Aggregation),
		GroupBy:     cleanTerms(r.GroupBy),
		Limit:       max(r.Limit, 0),
		Rationale:   strings.TrimSpace(r.Rationale),
	}
	if grain, ok := models.ParseTimeUnit(r.TimeGrain); ok {
		intent.TimeGrain = grain
	}
	for _, f := range r.Filters {
		if strings.TrimSpace(f.Field) == "" {
			continue
		}
		intent.Filters = append(intent.Filters, f)
	}
	if r.TimeRange != nil {
		tr, err := r.TimeRange.toTimeRange()
		if err != nil {
			logger.Warn("Dropping unparseable time range", zap.Error(err))
		} else if !tr.IsZero() {
			intent.TimeRange = tr
		}
	}
	return intent
}

func (r *timeRangeResponse) toTimeRange() (*models.TimeRange, error) {
	tr := &models.TimeRange{Phrase: strings.TrimSpace(r.Phrase)}
	if r.LastAmount > 0 {
		unit, ok := models.ParseTimeUnit(r.LastUnit)
		if !ok {
			return nil, fmt.Errorf("unknown time unit %q", r.LastUnit)
		}
		tr.Relative = &models.RelativeWindow{Amount: r.LastAmount, Unit: unit}
		return tr, nil
	}
	for _, bound := range []struct {
		raw string
		dst **time.Time
	}{{r.Start, &tr.Start}, {r.End, &tr.End}} {
		if strings.TrimSpace(bound.raw) == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, strings.TrimSpace(bound.raw))
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", bound.raw, err)
		}
		*bound.dst = &t
	}
	return tr, nil
}

// inheritReferences fills an elliptical follow-up ("and by region?") from the previous intent.
func inheritReferences(intent, last *models.QueryIntent) {
	intent.Entities = append([]string(nil), last.Entities...)
	if intent.TimeRange.IsZero() {
		intent.TimeRange = last.Clone().TimeRange
	}
	if intent.Measure == "" {
		intent.Measure = last.Measure
	}
	if intent.Aggregation == models.AggregationNone {
		intent.Aggregation = last.Aggregation
	}
	if intent.TimeGrain == "" {
		intent.TimeGrain = last.TimeGrain
	}
}

func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
