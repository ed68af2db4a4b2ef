package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/llm"
	"github.com/ekaya-inc/ekaya-refine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// TurnResult is what a session reports back after Submit or Feedback.
type TurnResult struct {
	State     models.SessionState
	Candidate *models.SQLCandidate
	Result    *models.ExecutionResult
	// Err is set when the turn ended in TERMINAL_FAILED.
	Err *apperrors.TurnError
	// SafetyRegenerations counts internal regenerations after safety rejections.
	SafetyRegenerations int
}

// Session is one conversation with the refinement engine. At most one turn runs at a
// time; concurrent Submit or Feedback calls fail with ErrSessionBusy.
type Session struct {
	ID        uuid.UUID
	CreatedAt time.Time

	engine *Engine
	logger *zap.Logger

	// mu serializes turns.
	mu sync.Mutex

	stateMu   sync.RWMutex
	state     models.SessionState
	candidate *models.SQLCandidate

	history      *models.ConversationHistory
	intent       *models.QueryIntent
	schemaCtx    *models.SchemaContext
	execAttempts int
}

// NewSession starts an idle session on engine.
func NewSession(engine *Engine) *Session {
	id := uuid.New()
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		engine:    engine,
		logger:    engine.logger.Named("session").With(zap.String("session_id", id.String())),
		state:     models.StateAwaitingInput,
		history:   models.NewConversationHistory(),
	}
}

// State returns the current state.
func (s *Session) State() models.SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Candidate returns the candidate currently awaiting feedback, if any.
func (s *Session) Candidate() *models.SQLCandidate {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.candidate
}

// History returns a snapshot of the recorded turns.
func (s *Session) History() []models.ConversationTurn {
	return s.history.Turns()
}

// ClearHistory drops every turn and returns to AWAITING_INPUT.
func (s *Session) ClearHistory() error {
	if !s.mu.TryLock() {
		return apperrors.ErrSessionBusy
	}
	defer s.mu.Unlock()

	if err := s.transition(EventClear); err != nil {
		return err
	}
	s.history.Clear()
	s.resetTurn()
	s.logger.Info("History cleared")
	return nil
}

// Submit starts a new turn from a natural-language utterance.
func (s *Session) Submit(ctx context.Context, utterance string) (*TurnResult, error) {
	if !s.mu.TryLock() {
		return nil, apperrors.ErrSessionBusy
	}
	defer s.mu.Unlock()

	state := s.State()
	if state == models.StateAwaitingFeedback {
		return nil, fmt.Errorf("%w: a candidate is awaiting feedback", apperrors.ErrSessionBusy)
	}
	if _, err := nextState(state, EventUtterance); err != nil {
		return nil, err
	}

	s.resetTurn()
	s.logger.Info("Turn started", zap.Int("utterance_length", len(utterance)))
	ctx = llm.WithRequestID(ctx, s.ID)

	intent, err := s.engine.analyzer.Analyze(ctx, utterance, s.history)
	if err != nil {
		return s.fail(utterance, models.InputUtterance, nil, err)
	}
	sc, err := s.engine.assembler.Retrieve(ctx, intent, s.engine.cfg.MaxTables)
	if err != nil {
		return s.fail(utterance, models.InputUtterance, intent, err)
	}
	s.intent = intent
	s.schemaCtx = sc

	if err := s.transition(EventUtterance); err != nil {
		return nil, err
	}
	return s.present(ctx, utterance, models.InputUtterance, models.DecisionNone, GenerateRequest{
		Mode:    models.ProvenanceInitial,
		Intent:  intent,
		Context: sc,
	})
}

// Feedback applies the user's decision to the presented candidate. Modify requires text.
func (s *Session) Feedback(ctx context.Context, decision models.Decision, text string) (*TurnResult, error) {
	if !s.mu.TryLock() {
		return nil, apperrors.ErrSessionBusy
	}
	defer s.mu.Unlock()

	event, ok := decisionEvents[decision]
	if !ok {
		return nil, fmt.Errorf("%w: unknown decision %q", apperrors.ErrInvalidTransition, decision)
	}
	if _, err := nextState(s.State(), event); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)

	switch decision {
	case models.DecisionAccept:
		if !s.candidate.Approved() {
			return nil, apperrors.ErrCandidateNotApproved
		}
	case models.DecisionModify:
		if text == "" {
			return nil, apperrors.ErrFeedbackRequired
		}
	}

	metrics.ObserveDecision(string(decision))
	s.logger.Info("Feedback received", zap.String("decision", string(decision)))
	ctx = llm.WithRequestID(ctx, s.ID)

	switch decision {
	case models.DecisionAccept:
		if err := s.transition(EventAccept); err != nil {
			return nil, err
		}
		return s.execute(ctx, text)

	case models.DecisionReject:
		if err := s.transition(EventReject); err != nil {
			return nil, err
		}
		s.appendTurn(models.ConversationTurn{
			Input:     text,
			InputKind: models.InputFeedback,
			Intent:    s.intent,
			Candidate: s.candidate,
			Decision:  models.DecisionReject,
			State:     models.StateTerminalRejected,
		})
		return &TurnResult{State: models.StateTerminalRejected, Candidate: s.candidate}, nil

	case models.DecisionModify:
		s.intent = s.intent.WithFeedback(text)
		feedback := append(s.history.FeedbackSince(), text)
		if err := s.transition(EventModify); err != nil {
			return nil, err
		}
		return s.present(ctx, text, models.InputFeedback, models.DecisionModify, GenerateRequest{
			Mode:     models.ProvenanceModified,
			Intent:   s.intent,
			Context:  s.schemaCtx,
			Feedback: feedback,
			Prior:    s.candidate,
			Tried:    s.history.TriedStatements(),
		})

	default:
		// The reason is optional and does not change the intent.
		feedback := s.history.FeedbackSince()
		if text != "" {
			feedback = append(feedback, text)
		}
		if err := s.transition(EventRegenerate); err != nil {
			return nil, err
		}
		return s.present(ctx, text, models.InputFeedback, models.DecisionRegenerate, GenerateRequest{
			Mode:     models.ProvenanceRegenerated,
			Intent:   s.intent,
			Context:  s.schemaCtx,
			Feedback: feedback,
			Prior:    s.candidate,
			Tried:    s.history.TriedStatements(),
		})
	}
}

// present generates and validates a candidate, regenerating internally after safety
// rejections up to the configured cap, and hands the result to the user.
func (s *Session) present(ctx context.Context, input string, kind models.InputKind, decision models.Decision, req GenerateRequest) (*TurnResult, error) {
	candidate, err := s.generateValidated(ctx, input, kind, decision, req)
	if err != nil {
		return s.fail(input, kind, req.Intent, err)
	}

	regenerations := 0
	for !candidate.Approved() && regenerations < s.engine.cfg.SafetyRegenerations {
		if err := s.transition(EventSafetyRejected); err != nil {
			return nil, err
		}
		regenerations++
		reason := "The previous statement was rejected: " + candidate.Verdict.Reason
		s.logger.Info("Regenerating after safety rejection",
			zap.Int("attempt", regenerations),
			zap.String("reason", candidate.Verdict.Reason))

		candidate, err = s.generateValidated(ctx, reason, models.InputSystem, models.DecisionNone, GenerateRequest{
			Mode:     models.ProvenanceRegenerated,
			Intent:   req.Intent,
			Context:  req.Context,
			Feedback: append(s.history.FeedbackSince(), reason),
			Prior:    candidate,
			Tried:    s.history.TriedStatements(),
		})
		if err != nil {
			return s.fail(reason, models.InputSystem, req.Intent, err)
		}
	}

	if err := s.transition(EventPresented); err != nil {
		return nil, err
	}
	s.setCandidate(candidate)
	return &TurnResult{
		State:               models.StateAwaitingFeedback,
		Candidate:           candidate,
		SafetyRegenerations: regenerations,
	}, nil
}

// generateValidated runs one generation plus validation and records the presented candidate.
func (s *Session) generateValidated(ctx context.Context, input string, kind models.InputKind, decision models.Decision, req GenerateRequest) (*models.SQLCandidate, error) {
	candidate, err := s.engine.generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	candidate = s.engine.validator.Validate(candidate)
	s.appendTurn(models.ConversationTurn{
		Input:     input,
		InputKind: kind,
		Intent:    req.Intent,
		Candidate: candidate,
		Decision:  decision,
		State:     models.StatePresentingCandidate,
	})
	return candidate, nil
}

// execute runs the approved candidate. A warehouse error is fed back through modify mode
// within the execution retry budget; the modified candidate runs only if approved.
func (s *Session) execute(ctx context.Context, input string) (*TurnResult, error) {
	for {
		candidate := s.Candidate()
		if !candidate.Approved() {
			// Unreachable through the transition table; checked again before any gateway call.
			return s.fail(input, models.InputFeedback, s.intent, apperrors.NewSafetyRejection(candidate.Verdict.Reason))
		}

		result, err := s.engine.gateway.Execute(ctx, candidate.Text)
		if err == nil {
			return s.accepted(ctx, input, candidate, result)
		}

		turnErr, ok := apperrors.AsTurnError(err)
		if !ok {
			turnErr = apperrors.NewExecutionError(err)
		}
		s.logger.Warn("Execution failed",
			zap.Int("attempt", s.execAttempts+1),
			zap.String("error", turnErr.UserMessage()))

		if s.execAttempts >= s.engine.cfg.ExecutionRetries {
			return s.fail(input, models.InputFeedback, s.intent, turnErr)
		}
		s.execAttempts++

		if err := s.transition(EventExecutionFailed); err != nil {
			return nil, err
		}
		reason := "The warehouse rejected the statement: " + turnErr.UserMessage()
		retry, genErr := s.generateValidated(ctx, reason, models.InputSystem, models.DecisionNone, GenerateRequest{
			Mode:     models.ProvenanceModified,
			Intent:   s.intent,
			Context:  s.schemaCtx,
			Feedback: append(s.history.FeedbackSince(), reason),
			Prior:    candidate,
			Tried:    s.history.TriedStatements(),
		})
		if genErr != nil {
			return s.fail(reason, models.InputSystem, s.intent, genErr)
		}
		if !retry.Approved() {
			return s.fail(reason, models.InputSystem, s.intent, apperrors.NewSafetyRejection(retry.Verdict.Reason))
		}
		if err := s.transition(EventRetryApproved); err != nil {
			return nil, err
		}
		s.setCandidate(retry)
		input = reason
	}
}

func (s *Session) accepted(ctx context.Context, input string, candidate *models.SQLCandidate, result *models.ExecutionResult) (*TurnResult, error) {
	if err := s.transition(EventExecuted); err != nil {
		return nil, err
	}
	turn := s.appendTurn(models.ConversationTurn{
		Input:     input,
		InputKind: models.InputFeedback,
		Intent:    s.intent,
		Candidate: candidate,
		Decision:  models.DecisionAccept,
		State:     models.StateTerminalAccepted,
		RowCount:  result.RowCount,
	})
	s.logger.Info("Turn accepted",
		zap.Int("rows", result.RowCount),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("duration", result.Duration))

	if s.engine.patterns != nil {
		s.engine.patterns.Record(ctx, &turn)
	}
	return &TurnResult{State: models.StateTerminalAccepted, Candidate: candidate, Result: result}, nil
}

// fail ends the turn in TERMINAL_FAILED.
func (s *Session) fail(input string, kind models.InputKind, intent *models.QueryIntent, err error) (*TurnResult, error) {
	turnErr, ok := apperrors.AsTurnError(err)
	if !ok {
		turnErr = apperrors.NewUpstreamError("session", err)
	}
	if tErr := s.transition(EventFailed); tErr != nil {
		return nil, tErr
	}
	s.logger.Warn("Turn failed",
		zap.String("stage", turnErr.Stage),
		zap.Error(turnErr))

	s.appendTurn(models.ConversationTurn{
		Input:     input,
		InputKind: kind,
		Intent:    intent,
		Candidate: s.Candidate(),
		State:     models.StateTerminalFailed,
		Failure:   turnErr.UserMessage(),
	})
	return &TurnResult{State: models.StateTerminalFailed, Candidate: s.Candidate(), Err: turnErr}, nil
}

func (s *Session) appendTurn(turn models.ConversationTurn) models.ConversationTurn {
	turn.SessionID = s.ID
	turn.CreatedAt = time.Now().UTC()
	stored := s.history.Append(turn)
	if s.engine.turns != nil {
		s.engine.turns.Record(stored)
	}
	if stored.State.IsTerminal() {
		metrics.ObserveTerminalTurn(string(stored.State))
	}
	return stored
}

func (s *Session) transition(event EventKind) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	next, err := nextState(s.state, event)
	if err != nil {
		return err
	}
	s.logger.Debug("State transition",
		zap.String("from", string(s.state)),
		zap.String("event", string(event)),
		zap.String("to", string(next)))
	s.state = next
	return nil
}

func (s *Session) setCandidate(c *models.SQLCandidate) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.candidate = c
}

func (s *Session) resetTurn() {
	s.setCandidate(nil)
	s.intent = nil
	s.schemaCtx = nil
	s.execAttempts = 0
}
