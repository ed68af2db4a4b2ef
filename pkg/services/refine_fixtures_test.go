package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

// fixedNow is the clock used by every refinement test.
var fixedNow = time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)

func testRefinementConfig() config.RefinementConfig {
	return config.RefinementConfig{
		MaxTables:            20,
		MinSimilarity:        0.2,
		SearchOversample:     3,
		PatternHintThreshold: 0.85,
		PatternHintLimit:     3,
		GenerationRetries:    1,
		SafetyRegenerations:  2,
		ExecutionRetries:     1,
		FullScanThreshold:    1_000_000,
		UseDrafts:            false,
	}
}

func ordersTable() models.TableDescriptor {
	return models.TableDescriptor{
		Name:        "orders",
		Description: "Customer orders",
		RowCount:    5_000_000,
		Score:       0.9,
		Columns: []models.ColumnDescriptor{
			{Name: "order_id", Type: "bigint"},
			{Name: "customer_id", Type: "bigint"},
			{Name: "order_date", Type: "date"},
			{Name: "total_amount", Type: "numeric(12,2)"},
			{Name: "region", Type: "text", Cardinality: 5},
		},
	}
}

func invoicesTable() models.TableDescriptor {
	return models.TableDescriptor{
		Name:     "invoices",
		RowCount: 200_000,
		Score:    0.7,
		Columns: []models.ColumnDescriptor{
			{Name: "invoice_id", Type: "bigint"},
			{Name: "invoice_date", Type: "timestamp"},
			{Name: "amount", Type: "numeric"},
		},
	}
}

func monthlySalesIntent() *models.QueryIntent {
	return &models.QueryIntent{
		Utterance:   "total sales by month for the last year",
		Entities:    []string{"orders"},
		Measure:     "sales",
		Aggregation: models.AggregationSum,
		TimeGrain:   models.TimeUnitMonth,
		TimeRange: &models.TimeRange{
			Relative: &models.RelativeWindow{Amount: 1, Unit: models.TimeUnitYear},
			Phrase:   "last year",
		},
	}
}

func monthlySalesContext() *models.SchemaContext {
	return models.NewSchemaContext([]models.TableDescriptor{ordersTable()}, 20)
}

const monthlySalesSQL = "SELECT DATE_TRUNC('month', order_date) AS month, SUM(total_amount) AS total_sales FROM orders WHERE order_date >= DATE '2024-03-14' AND order_date < DATE '2025-03-15' GROUP BY DATE_TRUNC('month', order_date) ORDER BY month"

// fakeAnalyzer returns a fixed intent, or err.
type fakeAnalyzer struct {
	intent *models.QueryIntent
	err    error
	calls  int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, utterance string, _ *models.ConversationHistory) (*models.QueryIntent, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	intent := f.intent.Clone()
	intent.Utterance = utterance
	return intent, nil
}

type fakeAssembler struct {
	sc  *models.SchemaContext
	err error
}

func (f *fakeAssembler) Retrieve(_ context.Context, _ *models.QueryIntent, _ int) (*models.SchemaContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sc, nil
}

// scriptedGenerator returns the scripted statements in order and records every request.
type scriptedGenerator struct {
	mu       sync.Mutex
	texts    []string
	err      error
	requests []GenerateRequest
}

func (g *scriptedGenerator) Generate(_ context.Context, req GenerateRequest) (*models.SQLCandidate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	text := g.texts[0]
	if len(g.texts) > 1 {
		g.texts = g.texts[1:]
	}
	return &models.SQLCandidate{
		Text:       text,
		Context:    req.Context,
		Provenance: req.Mode,
		Verdict:    models.Verdict{Status: models.VerdictPending},
	}, nil
}

// fakeGateway counts executions and fails with the scripted errors first.
type fakeGateway struct {
	mu       sync.Mutex
	errs     []error
	executed []string
	block    chan struct{}
}

func (g *fakeGateway) Execute(ctx context.Context, sql string) (*models.ExecutionResult, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executed = append(g.executed, sql)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	rows := []map[string]any{{"month": "2024-04-01", "total_sales": 1200.5}}
	return &models.ExecutionResult{Columns: []string{"month", "total_sales"}, Rows: rows, RowCount: len(rows)}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.executed)
}

type recordingPatterns struct {
	mu    sync.Mutex
	turns []models.ConversationTurn
}

func (r *recordingPatterns) Record(_ context.Context, turn *models.ConversationTurn) models.UpsertOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, *turn)
	return models.UpsertStored
}

type recordingTurns struct {
	mu    sync.Mutex
	turns []models.ConversationTurn
}

func (r *recordingTurns) Record(turn models.ConversationTurn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
}

// memoryTurnRepo is a TurnRepository kept in memory.
type memoryTurnRepo struct {
	mu    sync.Mutex
	turns []models.ConversationTurn
	err   error
}

func (r *memoryTurnRepo) SaveTurn(_ context.Context, turn *models.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.turns = append(r.turns, *turn)
	return nil
}

func (r *memoryTurnRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

var errWarehouse = errors.New(`column "totl" does not exist`)

type engineFixture struct {
	analyzer  *fakeAnalyzer
	assembler *fakeAssembler
	generator *scriptedGenerator
	gateway   *fakeGateway
	patterns  *recordingPatterns
	turns     *recordingTurns
	engine    *Engine
}

func newEngineFixture(t *testing.T, cfg config.RefinementConfig, texts ...string) *engineFixture {
	t.Helper()
	f := &engineFixture{
		analyzer:  &fakeAnalyzer{intent: monthlySalesIntent()},
		assembler: &fakeAssembler{sc: monthlySalesContext()},
		generator: &scriptedGenerator{texts: texts},
		gateway:   &fakeGateway{},
		patterns:  &recordingPatterns{},
		turns:     &recordingTurns{},
	}
	logger := zap.NewNop()
	f.engine = NewEngine(EngineDeps{
		Analyzer:  f.analyzer,
		Assembler: f.assembler,
		Generator: f.generator,
		Validator: NewSafetyValidator(sqlutil.DialectPostgres, cfg, logger),
		Gateway:   f.gateway,
		Patterns:  f.patterns,
		Turns:     f.turns,
	}, cfg, logger)
	return f
}

const (
	timeoutShort = 2 * time.Second
	tick         = 10 * time.Millisecond
)
