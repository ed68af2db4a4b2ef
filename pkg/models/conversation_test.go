package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationHistory_AppendOnly(t *testing.T) {
	h := NewConversationHistory()

	first := h.Append(ConversationTurn{Input: "total sales by month", InputKind: InputUtterance, State: StatePresentingCandidate})
	second := h.Append(ConversationTurn{Input: "only EMEA", InputKind: InputFeedback, State: StatePresentingCandidate})

	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)
	assert.NotEqual(t, first.ID, second.ID)

	snapshot := h.Turns()
	snapshot[0].Input = "mutated"
	assert.Equal(t, "total sales by month", h.Turns()[0].Input)

	assert.Len(t, h.LastN(1), 1)
	assert.Equal(t, "only EMEA", h.LastN(1)[0].Input)
	assert.Len(t, h.LastN(0), 2)

	h.Clear()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 1, h.Append(ConversationTurn{}).Seq)
}

func TestConversationHistory_FeedbackAndTriedSinceLastUtterance(t *testing.T) {
	h := NewConversationHistory()
	h.Append(ConversationTurn{Input: "old question", InputKind: InputUtterance, Candidate: &SQLCandidate{Text: "SELECT 0"}})
	h.Append(ConversationTurn{Input: "old feedback", InputKind: InputFeedback, Candidate: &SQLCandidate{Text: "SELECT 00"}})
	h.Append(ConversationTurn{Input: "sales by month", InputKind: InputUtterance, Candidate: &SQLCandidate{Text: "SELECT 1"}, Intent: &QueryIntent{Entities: []string{"sales"}}})
	h.Append(ConversationTurn{Input: "statement contains DELETE", InputKind: InputSystem, Candidate: &SQLCandidate{Text: "SELECT 2"}})
	h.Append(ConversationTurn{Input: "use net amount", InputKind: InputFeedback, Candidate: &SQLCandidate{Text: "SELECT 2"}})

	assert.Equal(t, []string{"statement contains DELETE", "use net amount"}, h.FeedbackSince())
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, h.TriedStatements())

	intent := h.LastIntent()
	require.NotNil(t, intent)
	assert.Equal(t, []string{"sales"}, intent.Entities)
}

func TestSessionState_IsTerminal(t *testing.T) {
	assert.True(t, StateTerminalAccepted.IsTerminal())
	assert.True(t, StateTerminalRejected.IsTerminal())
	assert.True(t, StateTerminalFailed.IsTerminal())
	assert.False(t, StateAwaitingFeedback.IsTerminal())
	assert.False(t, StateExecuting.IsTerminal())
}

func TestSQLCandidate_WithVerdictCopies(t *testing.T) {
	c := SQLCandidate{Text: "SELECT 1", Tables: []string{"orders"}, Verdict: Verdict{Status: VerdictPending}}
	approved := c.WithVerdict(Verdict{Status: VerdictApproved})

	assert.True(t, approved.Approved())
	assert.False(t, c.Verdict.Status == VerdictApproved)
	approved.Tables[0] = "x"
	assert.Equal(t, "orders", c.Tables[0])
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
		ok   bool
	}{
		{"yes", DecisionAccept, true},
		{" Accept ", DecisionAccept, true},
		{"no", DecisionReject, true},
		{"modify", DecisionModify, true},
		{"regen", DecisionRegenerate, true},
		{"maybe", DecisionNone, false},
		{"", DecisionNone, false},
	}
	for _, tt := range tests {
		got, ok := ParseDecision(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
