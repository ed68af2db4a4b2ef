package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/schemastore"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// PatternRecorder stores accepted turns as reusable patterns.
type PatternRecorder interface {
	// Record persists the turn's utterance, intent and SQL under their fingerprint.
	// Failures are logged and reported as UpsertFailed, never returned.
	Record(ctx context.Context, turn *models.ConversationTurn) models.UpsertOutcome
}

type patternRecorder struct {
	dialect sqlutil.Dialect
	store   schemastore.Store
	log     *schemastore.PatternLog
	logger  *zap.Logger
}

var _ PatternRecorder = (*patternRecorder)(nil)

// NewPatternRecorder creates a recorder writing to store and, for new patterns, to log.
// Statements are normalized with the quoting rules of dialect.
func NewPatternRecorder(dialect sqlutil.Dialect, store schemastore.Store, log *schemastore.PatternLog, logger *zap.Logger) PatternRecorder {
	return &patternRecorder{
		dialect: dialect,
		store:   store,
		log:     log,
		logger:  logger.Named("pattern-recorder"),
	}
}

// Fingerprint hashes the canonical intent summary with the normalized statement, so
// layout or keyword case changes do not produce a new pattern.
func Fingerprint(dialect sqlutil.Dialect, intent *models.QueryIntent, sql string) string {
	sum := sha256.Sum256([]byte(intent.Summary() + "\n" + dialect.Normalize(sql)))
	return hex.EncodeToString(sum[:])
}

func (r *patternRecorder) Record(ctx context.Context, turn *models.ConversationTurn) models.UpsertOutcome {
	if turn == nil || turn.Intent == nil || !turn.Candidate.Approved() {
		r.logger.Warn("Skipping pattern for a turn without an approved candidate")
		return models.UpsertFailed
	}

	pattern := &models.LearnedPattern{
		Fingerprint:   Fingerprint(r.dialect, turn.Intent, turn.Candidate.Text),
		Utterance:     turn.Intent.Utterance,
		IntentSummary: turn.Intent.Summary(),
		SQL:           turn.Candidate.Text,
		Tables:        turn.Candidate.Tables,
		Insights:      Insights(r.dialect, turn.Intent, turn.Candidate.Text),
		CreatedAt:     time.Now().UTC(),
	}

	outcome, err := r.store.UpsertPattern(ctx, pattern)
	if err != nil {
		metrics.ObservePatternWrite(string(models.UpsertFailed))
		r.logger.Error("Failed to store learned pattern",
			zap.String("fingerprint", pattern.Fingerprint),
			zap.Error(err))
		return models.UpsertFailed
	}
	metrics.ObservePatternWrite(string(outcome))

	if outcome == models.UpsertStored {
		if err := r.log.Append(pattern); err != nil {
			r.logger.Warn("Failed to append pattern log", zap.Error(err))
		}
	}

	r.logger.Debug("Recorded learned pattern",
		zap.String("fingerprint", pattern.Fingerprint),
		zap.String("outcome", string(outcome)))
	return outcome
}

// revenueMeasures are measures an aggregate insight calls out as money.
var revenueMeasures = map[string]bool{"sale": true, "revenue": true, "amount": true, "spend": true, "price": true, "cost": true}

// Insights derives short, reusable notes about how an accepted statement answered its intent.
func Insights(dialect sqlutil.Dialect, intent *models.QueryIntent, sql string) []string {
	var out []string

	tables := dialect.TablesReferenced(sql)
	if len(tables) > 1 {
		out = append(out, "multi-table join: "+strings.Join(tables, ", "))
	}

	if fn := intent.Aggregation.SQLFunction(); fn != "" {
		measure := models.NormalizeTerm(intent.Measure)
		switch {
		case revenueMeasures[measure] && intent.Aggregation == models.AggregationSum:
			out = append(out, "SUM for revenue")
		case measure != "":
			out = append(out, fmt.Sprintf("%s for %s", fn, measure))
		default:
			out = append(out, fn+" aggregate")
		}
	}

	if intent.TimeGrain != "" {
		out = append(out, fmt.Sprintf("dates truncated to %s", intent.TimeGrain))
	}
	if !intent.TimeRange.IsZero() {
		out = append(out, fmt.Sprintf("explicit date bounds for %s", intent.TimeRange))
	}

	if intent.Limit > 0 {
		norm := " " + dialect.Normalize(sql) + " "
		switch {
		case strings.Contains(norm, " limit "):
			out = append(out, "uses LIMIT for top-N")
		case strings.Contains(norm, " top "), strings.Contains(norm, " top("):
			out = append(out, "uses TOP for top-N")
		}
	}

	for _, f := range intent.Refinements {
		out = append(out, "refined: "+f)
	}
	return out
}
