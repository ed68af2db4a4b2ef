package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionBusy          = errors.New("session has a turn in flight")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrCandidateNotApproved = errors.New("candidate has not been approved by the safety validator")
	ErrFeedbackRequired     = errors.New("modify requires feedback text")
)

// Turn failure kinds. Every *TurnError unwraps to exactly one of these.
var (
	ErrIntentParse     = errors.New("could not extract a query intent")
	ErrRetrievalEmpty  = errors.New("no relevant schema found")
	ErrGeneration      = errors.New("sql generation failed")
	ErrSafetyRejection = errors.New("sql rejected by safety validator")
	ErrExecution       = errors.New("sql execution failed")
	ErrUpstream        = errors.New("upstream service unavailable")
)

// TurnError is a user-facing failure raised while processing one conversation turn.
// Stage names the component that produced it (intent, retrieval, generation, safety, execution).
type TurnError struct {
	Kind    error
	Stage   string
	Message string
	Cause   error
}

func (e *TurnError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, msg)
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is/As.
func (e *TurnError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// UserMessage returns the text shown to the person driving the session.
// Execution failures carry the warehouse message verbatim.
func (e *TurnError) UserMessage() string {
	switch {
	case errors.Is(e.Kind, ErrExecution) && e.Cause != nil:
		return e.Cause.Error()
	case errors.Is(e.Kind, ErrRetrievalEmpty):
		return "No relevant tables were found for that question. Try rephrasing it with the business terms your tables use."
	case e.Message != "":
		return e.Message
	default:
		return e.Kind.Error()
	}
}

func NewIntentParseError(message string) *TurnError {
	return &TurnError{Kind: ErrIntentParse, Stage: "intent", Message: message}
}

func NewRetrievalEmptyError(query string) *TurnError {
	return &TurnError{Kind: ErrRetrievalEmpty, Stage: "retrieval", Message: fmt.Sprintf("no table passed the similarity threshold for %q", query)}
}

func NewGenerationError(message string, cause error) *TurnError {
	return &TurnError{Kind: ErrGeneration, Stage: "generation", Message: message, Cause: cause}
}

func NewSafetyRejection(reason string) *TurnError {
	return &TurnError{Kind: ErrSafetyRejection, Stage: "safety", Message: reason}
}

func NewExecutionError(cause error) *TurnError {
	return &TurnError{Kind: ErrExecution, Stage: "execution", Cause: cause}
}

func NewUpstreamError(stage string, cause error) *TurnError {
	return &TurnError{Kind: ErrUpstream, Stage: stage, Cause: cause}
}

// AsTurnError returns the *TurnError inside err, if any.
func AsTurnError(err error) (*TurnError, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
