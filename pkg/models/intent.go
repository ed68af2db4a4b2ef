// Package models contains the domain types of a query refinement session.
package models

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
)

// Aggregation is the reduction the user asked for.
type Aggregation string

const (
	AggregationNone          Aggregation = "none"
	AggregationSum           Aggregation = "sum"
	AggregationAvg           Aggregation = "avg"
	AggregationCount         Aggregation = "count"
	AggregationCountDistinct Aggregation = "count_distinct"
	AggregationMin           Aggregation = "min"
	AggregationMax           Aggregation = "max"
)

// ParseAggregation maps free-form model output ("total", "average", "AVG") to an Aggregation.
// Unknown values map to AggregationNone.
func ParseAggregation(s string) Aggregation {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum", "total":
		return AggregationSum
	case "avg", "average", "mean":
		return AggregationAvg
	case "count":
		return AggregationCount
	case "count_distinct", "distinct_count", "count distinct":
		return AggregationCountDistinct
	case "min", "minimum":
		return AggregationMin
	case "max", "maximum":
		return AggregationMax
	default:
		return AggregationNone
	}
}

// SQLFunction returns the SQL aggregate function name, or "" for AggregationNone.
func (a Aggregation) SQLFunction() string {
	switch a {
	case AggregationSum:
		return "SUM"
	case AggregationAvg:
		return "AVG"
	case AggregationCount, AggregationCountDistinct:
		return "COUNT"
	case AggregationMin:
		return "MIN"
	case AggregationMax:
		return "MAX"
	default:
		return ""
	}
}

// TimeUnit is a calendar unit used for relative windows and date truncation.
type TimeUnit string

const (
	TimeUnitDay     TimeUnit = "day"
	TimeUnitWeek    TimeUnit = "week"
	TimeUnitMonth   TimeUnit = "month"
	TimeUnitQuarter TimeUnit = "quarter"
	TimeUnitYear    TimeUnit = "year"
)

// ParseTimeUnit accepts singular, plural and adverbial forms ("months", "monthly").
func ParseTimeUnit(s string) (TimeUnit, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "ly")
	if s == "dai" {
		s = "day"
	}
	s = inflection.Singular(s)
	switch TimeUnit(s) {
	case TimeUnitDay, TimeUnitWeek, TimeUnitMonth, TimeUnitQuarter, TimeUnitYear:
		return TimeUnit(s), true
	}
	return "", false
}

// RelativeWindow is a trailing window such as "last 3 months".
type RelativeWindow struct {
	Amount int      `json:"amount"`
	Unit   TimeUnit `json:"unit"`
}

// TimeRange is either explicit bounds or a relative window. Start is inclusive, End exclusive.
type TimeRange struct {
	Start    *time.Time      `json:"start,omitempty"`
	End      *time.Time      `json:"end,omitempty"`
	Relative *RelativeWindow `json:"relative,omitempty"`
	// Phrase is the text the range was extracted from, e.g. "last year".
	Phrase string `json:"phrase,omitempty"`
}

// Resolve turns the range into explicit bounds relative to now.
// A relative window of N units covers [today - N units, tomorrow).
// Open explicit bounds are returned as zero times.
func (r *TimeRange) Resolve(now time.Time) (start, end time.Time) {
	if r == nil {
		return time.Time{}, time.Time{}
	}
	if r.Relative != nil && r.Relative.Amount > 0 {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		end = today.AddDate(0, 0, 1)
		n := r.Relative.Amount
		switch r.Relative.Unit {
		case TimeUnitDay:
			start = today.AddDate(0, 0, -n)
		case TimeUnitWeek:
			start = today.AddDate(0, 0, -7*n)
		case TimeUnitMonth:
			start = today.AddDate(0, -n, 0)
		case TimeUnitQuarter:
			start = today.AddDate(0, -3*n, 0)
		default:
			start = today.AddDate(-n, 0, 0)
		}
		return start, end
	}
	if r.Start != nil {
		start = *r.Start
	}
	if r.End != nil {
		end = *r.End
	}
	return start, end
}

// IsZero reports whether the range carries no bound at all.
func (r *TimeRange) IsZero() bool {
	return r == nil || (r.Start == nil && r.End == nil && (r.Relative == nil || r.Relative.Amount <= 0))
}

func (r *TimeRange) String() string {
	if r.IsZero() {
		return ""
	}
	if r.Relative != nil && r.Relative.Amount > 0 {
		return fmt.Sprintf("last %d %s", r.Relative.Amount, r.Relative.Unit)
	}
	var parts []string
	if r.Start != nil {
		parts = append(parts, "from "+r.Start.Format(time.DateOnly))
	}
	if r.End != nil {
		parts = append(parts, "until "+r.End.Format(time.DateOnly))
	}
	return strings.Join(parts, " ")
}

// Filter is one predicate descriptor, e.g. {region, =, EMEA}.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

func (f Filter) String() string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", f.Field, f.Operator, f.Value))
}

// QueryIntent is the structured form of a request. It is treated as immutable once
// produced; refinements derive a new intent with WithFeedback.
type QueryIntent struct {
	Utterance   string      `json:"utterance"`
	Entities    []string    `json:"entities"`
	TimeRange   *TimeRange  `json:"time_range,omitempty"`
	Aggregation Aggregation `json:"aggregation"`
	// Measure is the business quantity being aggregated ("sales", "revenue").
	Measure string `json:"measure,omitempty"`
	// TimeGrain is set when results are bucketed by time ("by month").
	TimeGrain TimeUnit `json:"time_grain,omitempty"`
	GroupBy   []string `json:"group_by,omitempty"`
	Filters   []Filter `json:"filters,omitempty"`
	// Limit is set for top-N style requests.
	Limit     int    `json:"limit,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	// Refinements holds the feedback texts applied on top of the original utterance, in order.
	Refinements []string `json:"refinements,omitempty"`
}

// HasReference reports whether the intent names at least one entity or time reference.
func (q *QueryIntent) HasReference() bool {
	return q != nil && (len(q.Entities) > 0 || !q.TimeRange.IsZero())
}

// Clone returns a deep copy.
func (q *QueryIntent) Clone() *QueryIntent {
	if q == nil {
		return nil
	}
	c := *q
	c.Entities = slices.Clone(q.Entities)
	c.GroupBy = slices.Clone(q.GroupBy)
	c.Filters = slices.Clone(q.Filters)
	c.Refinements = slices.Clone(q.Refinements)
	if q.TimeRange != nil {
		tr := *q.TimeRange
		if q.TimeRange.Relative != nil {
			rel := *q.TimeRange.Relative
			tr.Relative = &rel
		}
		c.TimeRange = &tr
	}
	return &c
}

// WithFeedback derives the intent for a refinement turn. Entities and time range are
// carried over unchanged; the feedback is recorded so generation can condition on it.
func (q *QueryIntent) WithFeedback(feedback string) *QueryIntent {
	c := q.Clone()
	if feedback = strings.TrimSpace(feedback); feedback != "" {
		c.Refinements = append(c.Refinements, feedback)
	}
	return c
}

// NormalizedEntities lowercases and singularizes entity names, dropping duplicates.
func (q *QueryIntent) NormalizedEntities() []string {
	seen := make(map[string]bool, len(q.Entities))
	out := make([]string, 0, len(q.Entities))
	for _, e := range q.Entities {
		n := NormalizeTerm(e)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SearchText builds the similarity query from entities, measure, aggregation, grouping and filter keys.
func (q *QueryIntent) SearchText() string {
	var parts []string
	parts = append(parts, q.Entities...)
	if q.Measure != "" {
		parts = append(parts, q.Measure)
	}
	if q.Aggregation != "" && q.Aggregation != AggregationNone {
		parts = append(parts, string(q.Aggregation))
	}
	parts = append(parts, q.GroupBy...)
	for _, f := range q.Filters {
		parts = append(parts, f.Field)
	}
	if !q.TimeRange.IsZero() || q.TimeGrain != "" {
		parts = append(parts, "date")
	}
	return strings.Join(parts, " ")
}

// Summary is a canonical one-line rendering used for fingerprints and pattern matching.
// Field order is fixed and list fields are sorted, so equivalent intents summarize identically.
func (q *QueryIntent) Summary() string {
	entities := q.NormalizedEntities()
	sort.Strings(entities)

	groups := make([]string, 0, len(q.GroupBy))
	for _, g := range q.GroupBy {
		groups = append(groups, NormalizeTerm(g))
	}
	sort.Strings(groups)

	filters := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		filters = append(filters, strings.ToLower(f.String()))
	}
	sort.Strings(filters)

	agg := q.Aggregation
	if agg == "" {
		agg = AggregationNone
	}

	return fmt.Sprintf("entities=%s; measure=%s; agg=%s; grain=%s; group=%s; filters=%s; time=%s; limit=%d",
		strings.Join(entities, ","),
		NormalizeTerm(q.Measure),
		agg,
		q.TimeGrain,
		strings.Join(groups, ","),
		strings.Join(filters, ","),
		q.TimeRange.String(),
		q.Limit,
	)
}

// NormalizeTerm lowercases, trims and singularizes a business term.
func NormalizeTerm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	words := strings.Fields(s)
	words[len(words)-1] = inflection.Singular(words[len(words)-1])
	return strings.Join(words, " ")
}
