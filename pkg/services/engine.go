package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// ExecutionGateway runs approved statements against the warehouse.
type ExecutionGateway interface {
	Execute(ctx context.Context, sql string) (*models.ExecutionResult, error)
}

// EngineDeps are the components every session drives.
type EngineDeps struct {
	Analyzer  IntentAnalyzer
	Assembler ContextAssembler
	Generator SQLGenerator
	Validator SafetyValidator
	Gateway   ExecutionGateway
	Patterns  PatternRecorder
	// Turns is optional; when set every appended turn is passed to it.
	Turns TurnRecorder
}

// Engine holds the shared, stateless components. Sessions carry all per-conversation state,
// so one Engine serves any number of concurrent sessions.
type Engine struct {
	analyzer  IntentAnalyzer
	assembler ContextAssembler
	generator SQLGenerator
	validator SafetyValidator
	gateway   ExecutionGateway
	patterns  PatternRecorder
	turns     TurnRecorder
	cfg       config.RefinementConfig
	logger    *zap.Logger
}

// NewEngine wires deps with the refinement tuning knobs.
func NewEngine(deps EngineDeps, cfg config.RefinementConfig, logger *zap.Logger) *Engine {
	return &Engine{
		analyzer:  deps.Analyzer,
		assembler: deps.Assembler,
		generator: deps.Generator,
		validator: deps.Validator,
		gateway:   deps.Gateway,
		patterns:  deps.Patterns,
		turns:     deps.Turns,
		cfg:       cfg,
		logger:    logger,
	}
}
