package services

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/logging"
	"github.com/ekaya-inc/ekaya-refine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// SafetyValidator statically inspects candidates before they can be executed.
type SafetyValidator interface {
	// Validate returns a copy of candidate carrying an approved or rejected verdict.
	// Rejection is a verdict, never an error.
	Validate(candidate *models.SQLCandidate) *models.SQLCandidate
}

// Safety rule names, used as rejection metric labels.
const (
	ruleEmpty          = "empty"
	ruleUnparseable    = "unparseable"
	ruleMultiStatement = "multi_statement"
	ruleNotSelect      = "not_select"
	ruleForbidden      = "forbidden_keyword"
	ruleInjection      = "literal_injection"
	ruleFullScan       = "full_scan"
)

type safetyValidator struct {
	dialect           sqlutil.Dialect
	fullScanThreshold int64
	logger            *zap.Logger
}

var _ SafetyValidator = (*safetyValidator)(nil)

// NewSafetyValidator creates a validator that lexes statements with the quoting rules of
// the warehouse dialect. Statements reading a table estimated above the configured
// full-scan threshold must filter or limit their rows.
func NewSafetyValidator(dialect sqlutil.Dialect, cfg config.RefinementConfig, logger *zap.Logger) SafetyValidator {
	return &safetyValidator{
		dialect:           dialect,
		fullScanThreshold: cfg.FullScanThreshold,
		logger:            logger.Named("safety-validator"),
	}
}

func (v *safetyValidator) Validate(candidate *models.SQLCandidate) *models.SQLCandidate {
	rule, reason := v.check(candidate)
	if rule != "" {
		metrics.ObserveSafetyRejection(rule)
		v.logger.Info("Candidate rejected",
			zap.String("rule", rule),
			zap.String("reason", reason),
			zap.String("sql", logging.SanitizeQuery(candidate.Text)))
		return candidate.WithVerdict(models.Verdict{Status: models.VerdictRejected, Reason: reason})
	}
	return candidate.WithVerdict(models.Verdict{Status: models.VerdictApproved, Warnings: v.warnings(candidate)})
}

// check applies the rules in order and returns the first that fails.
func (v *safetyValidator) check(candidate *models.SQLCandidate) (rule, reason string) {
	text := strings.TrimSpace(candidate.Text)
	if text == "" {
		return ruleEmpty, "The statement is empty."
	}

	statements, err := v.dialect.SplitStatements(text)
	if err != nil {
		return ruleUnparseable, fmt.Sprintf("The statement could not be parsed: %v.", err)
	}
	if len(statements) > 1 {
		return ruleMultiStatement, fmt.Sprintf("The text contains %d statements separated by ';'. Return exactly one SELECT statement.", len(statements))
	}

	if typ := v.dialect.DetectType(text); !typ.IsReadOnly() {
		return ruleNotSelect, fmt.Sprintf("Only SELECT statements may run; this is a %s statement.", typ)
	}

	keywords, err := v.dialect.ForbiddenKeywords(text)
	if err != nil {
		return ruleUnparseable, fmt.Sprintf("The statement could not be parsed: %v.", err)
	}
	if len(keywords) > 0 {
		return ruleForbidden, fmt.Sprintf("The statement uses %s, which can modify data or schema. Write a read-only SELECT.", strings.Join(keywords, ", "))
	}

	injections, err := v.dialect.CheckLiterals(text)
	if err != nil {
		return ruleUnparseable, fmt.Sprintf("The statement could not be parsed: %v.", err)
	}
	if len(injections) > 0 {
		return ruleInjection, fmt.Sprintf("The string literal %q looks like an injection payload.", injections[0].Literal)
	}

	if table, rows, ok := v.unboundedScan(candidate, text); ok {
		return ruleFullScan, fmt.Sprintf("The statement reads all of %s (~%d rows) with no WHERE filter or row limit. Add a filter or a LIMIT.", table, rows)
	}

	return "", ""
}

// unboundedScan finds the largest referenced table above the threshold when the statement
// has no bounding clause anywhere.
func (v *safetyValidator) unboundedScan(candidate *models.SQLCandidate, text string) (string, int64, bool) {
	if v.fullScanThreshold <= 0 || v.dialect.HasBoundingClause(text) {
		return "", 0, false
	}
	var worst string
	var worstRows int64
	for _, name := range v.dialect.TablesReferenced(text) {
		t, ok := candidate.Context.Table(name)
		if !ok {
			continue
		}
		if t.RowCount > v.fullScanThreshold && t.RowCount > worstRows {
			worst, worstRows = t.Name, t.RowCount
		}
	}
	return worst, worstRows, worst != ""
}

func (v *safetyValidator) warnings(candidate *models.SQLCandidate) []string {
	var out []string
	if v.dialect.HasSelectStar(candidate.Text) {
		out = append(out, "SELECT * returns every column; list the columns you need.")
	}
	for _, name := range v.dialect.TablesReferenced(candidate.Text) {
		if _, ok := candidate.Context.Table(name); !ok {
			out = append(out, fmt.Sprintf("Table %s was not part of the retrieved schema context.", name))
		}
	}
	return out
}
