package services

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// EventKind is an input to the refinement state machine.
type EventKind string

const (
	// EventUtterance starts a turn once intent and context are ready.
	EventUtterance EventKind = "utterance"
	// EventSafetyRejected regenerates internally after a rejected candidate.
	EventSafetyRejected EventKind = "safety_rejected"
	// EventPresented hands the candidate to the user.
	EventPresented  EventKind = "presented"
	EventAccept     EventKind = "accept"
	EventReject     EventKind = "reject"
	EventModify     EventKind = "modify"
	EventRegenerate EventKind = "regenerate"
	EventExecuted   EventKind = "executed"
	// EventExecutionFailed routes a warehouse error back through modify mode.
	EventExecutionFailed EventKind = "execution_failed"
	// EventRetryApproved executes the automatically modified candidate.
	EventRetryApproved EventKind = "retry_approved"
	EventFailed        EventKind = "failed"
	EventClear         EventKind = "clear"
)

// turnStart is reachable from the idle state and from every terminal state.
var turnStart = map[EventKind]models.SessionState{
	EventUtterance: models.StatePresentingCandidate,
	EventFailed:    models.StateTerminalFailed,
	EventClear:     models.StateAwaitingInput,
}

// transitions is the complete state machine. Anything not listed is an invalid transition.
var transitions = map[models.SessionState]map[EventKind]models.SessionState{
	models.StateAwaitingInput: turnStart,
	models.StatePresentingCandidate: {
		EventSafetyRejected: models.StatePresentingCandidate,
		EventPresented:      models.StateAwaitingFeedback,
		EventRetryApproved:  models.StateExecuting,
		EventFailed:         models.StateTerminalFailed,
	},
	models.StateAwaitingFeedback: {
		EventAccept:     models.StateExecuting,
		EventReject:     models.StateTerminalRejected,
		EventModify:     models.StatePresentingCandidate,
		EventRegenerate: models.StatePresentingCandidate,
		EventClear:      models.StateAwaitingInput,
	},
	models.StateExecuting: {
		EventExecuted:        models.StateTerminalAccepted,
		EventExecutionFailed: models.StatePresentingCandidate,
		EventFailed:          models.StateTerminalFailed,
	},
	models.StateTerminalAccepted: turnStart,
	models.StateTerminalRejected: turnStart,
	models.StateTerminalFailed:   turnStart,
}

// nextState looks up the transition for event in state.
func nextState(state models.SessionState, event EventKind) (models.SessionState, error) {
	next, ok := transitions[state][event]
	if !ok {
		return state, fmt.Errorf("%w: %s in state %s", apperrors.ErrInvalidTransition, event, state)
	}
	return next, nil
}

// decisionEvents maps user decisions onto state machine events.
var decisionEvents = map[models.Decision]EventKind{
	models.DecisionAccept:     EventAccept,
	models.DecisionReject:     EventReject,
	models.DecisionModify:     EventModify,
	models.DecisionRegenerate: EventRegenerate,
}
