package models

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is a state of the refinement state machine.
type SessionState string

const (
	StateAwaitingInput       SessionState = "AWAITING_INPUT"
	StatePresentingCandidate SessionState = "PRESENTING_CANDIDATE"
	StateAwaitingFeedback    SessionState = "AWAITING_FEEDBACK"
	StateExecuting           SessionState = "EXECUTING"
	StateTerminalAccepted    SessionState = "TERMINAL_ACCEPTED"
	StateTerminalRejected    SessionState = "TERMINAL_REJECTED"
	StateTerminalFailed      SessionState = "TERMINAL_FAILED"
)

// IsTerminal reports whether the turn has finished in this state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateTerminalAccepted, StateTerminalRejected, StateTerminalFailed:
		return true
	}
	return false
}

// Decision is what the user did with a presented candidate.
type Decision string

const (
	DecisionNone       Decision = ""
	DecisionAccept     Decision = "accept"
	DecisionReject     Decision = "reject"
	DecisionModify     Decision = "modify"
	DecisionRegenerate Decision = "regenerate"
)

// ParseDecision maps a decision name or its CLI alias (yes, no) to a Decision.
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "yes", "y":
		return DecisionAccept, true
	case "reject", "no", "n":
		return DecisionReject, true
	case "modify":
		return DecisionModify, true
	case "regenerate", "regen":
		return DecisionRegenerate, true
	}
	return DecisionNone, false
}

// InputKind says where the text of a turn came from.
type InputKind string

const (
	InputUtterance InputKind = "utterance"
	InputFeedback  InputKind = "feedback"
	// InputSystem marks synthetic feedback such as a safety rejection reason or an execution error.
	InputSystem InputKind = "system"
)

// ConversationTurn is one recorded exchange.
type ConversationTurn struct {
	ID        uuid.UUID     `json:"id"`
	SessionID uuid.UUID     `json:"session_id"`
	Seq       int           `json:"seq"`
	Input     string        `json:"input"`
	InputKind InputKind     `json:"input_kind"`
	Intent    *QueryIntent  `json:"intent,omitempty"`
	Candidate *SQLCandidate `json:"candidate,omitempty"`
	Decision  Decision      `json:"decision,omitempty"`
	State     SessionState  `json:"state"`
	// Failure holds the user-facing failure message for TERMINAL_FAILED turns.
	Failure   string    `json:"failure,omitempty"`
	RowCount  int       `json:"row_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Failed reports whether this turn records a failure.
func (t *ConversationTurn) Failed() bool {
	return t.State == StateTerminalFailed
}

// ConversationHistory is the append-only record of one session.
// Appends never rewrite earlier turns; only Clear truncates.
type ConversationHistory struct {
	mu    sync.RWMutex
	turns []ConversationTurn
}

// NewConversationHistory returns an empty history.
func NewConversationHistory() *ConversationHistory {
	return &ConversationHistory{}
}

// Append stores turn, assigning its sequence number, and returns the stored copy.
func (h *ConversationHistory) Append(turn ConversationTurn) ConversationTurn {
	h.mu.Lock()
	defer h.mu.Unlock()

	turn.Seq = len(h.turns) + 1
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	h.turns = append(h.turns, turn)
	return turn
}

// Turns returns a snapshot of all turns in order.
func (h *ConversationHistory) Turns() []ConversationTurn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.turns)
}

// LastN returns the most recent n turns in order. n <= 0 returns all turns.
func (h *ConversationHistory) LastN(n int) []ConversationTurn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n >= len(h.turns) {
		return slices.Clone(h.turns)
	}
	return slices.Clone(h.turns[len(h.turns)-n:])
}

// Len returns the number of recorded turns.
func (h *ConversationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Clear drops every turn.
func (h *ConversationHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// LastIntent returns the intent of the most recent turn that carried one.
func (h *ConversationHistory) LastIntent() *QueryIntent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Intent != nil {
			return h.turns[i].Intent
		}
	}
	return nil
}

// FeedbackSince returns feedback texts, in order, recorded after the most recent utterance.
// This is the only source of previous feedback fed back into generation.
func (h *ConversationHistory) FeedbackSince() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for i := len(h.turns) - 1; i >= 0; i-- {
		t := h.turns[i]
		if t.InputKind == InputUtterance {
			break
		}
		if t.Input != "" {
			out = append(out, t.Input)
		}
	}
	slices.Reverse(out)
	return slices.Compact(out)
}

// TriedStatements returns the distinct candidate statements presented since the most recent utterance.
func (h *ConversationHistory) TriedStatements() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	start := 0
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].InputKind == InputUtterance {
			start = i
			break
		}
	}
	for _, t := range h.turns[start:] {
		if t.Candidate == nil || t.Candidate.Text == "" || seen[t.Candidate.Text] {
			continue
		}
		seen[t.Candidate.Text] = true
		out = append(out, t.Candidate.Text)
	}
	return out
}
