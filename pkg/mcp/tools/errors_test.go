package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
)

// getTextContent extracts the text string from the first text content item
func getTextContent(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	jsonBytes, _ := json.Marshal(result.Content[0])
	var textContent struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	json.Unmarshal(jsonBytes, &textContent)
	return textContent.Text
}

func TestNewErrorResult(t *testing.T) {
	result := NewErrorResult("test_error", "this is a test error")

	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	assert.True(t, result.IsError)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &errResp))

	assert.True(t, errResp.Error, "error field should be true")
	assert.Equal(t, "test_error", errResp.Code)
	assert.Equal(t, "this is a test error", errResp.Message)
	assert.Nil(t, errResp.Details, "details should be nil when not provided")
}

func TestNewErrorResultWithDetails(t *testing.T) {
	result := NewErrorResultWithDetails("invalid_parameters", "unknown decision", map[string]any{
		"valid_decisions": []string{"accept", "reject"},
	})

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &errResp))

	details, ok := errResp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"accept", "reject"}, details["valid_decisions"])
}

func TestNewSessionErrorResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{name: "not found", err: apperrors.ErrSessionNotFound, code: "session_not_found"},
		{name: "busy wrapped", err: fmt.Errorf("submit: %w", apperrors.ErrSessionBusy), code: "session_busy"},
		{name: "invalid transition", err: fmt.Errorf("accept in AWAITING_INPUT: %w", apperrors.ErrInvalidTransition), code: "invalid_transition"},
		{name: "not approved", err: apperrors.ErrCandidateNotApproved, code: "candidate_not_approved"},
		{name: "feedback required", err: apperrors.ErrFeedbackRequired, code: "feedback_required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewSessionErrorResult(tt.err)
			require.NotNil(t, result)

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(getTextContent(result)), &errResp))
			assert.Equal(t, tt.code, errResp.Code)
			assert.Equal(t, tt.err.Error(), errResp.Message)
		})
	}

	assert.Nil(t, NewSessionErrorResult(errors.New("disk full")))
}

func TestTurnErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  *apperrors.TurnError
		code string
	}{
		{name: "intent", err: apperrors.NewIntentParseError("nothing to query"), code: "intent_parse"},
		{name: "retrieval", err: apperrors.NewRetrievalEmptyError("widgets"), code: "retrieval_empty"},
		{name: "generation", err: apperrors.NewGenerationError("empty", nil), code: "generation_failed"},
		{name: "safety", err: apperrors.NewSafetyRejection("DELETE"), code: "safety_rejection"},
		{name: "upstream", err: apperrors.NewUpstreamError("retrieval", nil), code: "upstream_unavailable"},
		{name: "execution without sqlstate", err: apperrors.NewExecutionError(errors.New("connection reset")), code: "execution_failed"},
		{
			name: "execution with pg error",
			err:  apperrors.NewExecutionError(&pgconn.PgError{Code: "42703", Message: `column "totl" does not exist`}),
			code: "undefined_column",
		},
		{
			name: "execution with sqlstate in message",
			err:  apperrors.NewExecutionError(errors.New("ERROR: division by zero (SQLSTATE 22012)")),
			code: "division_by_zero",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, TurnErrorCode(tt.err))
		})
	}
}

func TestSQLUserErrorCode(t *testing.T) {
	assert.Equal(t, "", SQLUserErrorCode(nil))
	assert.Equal(t, "undefined_table", SQLUserErrorCode(&pgconn.PgError{Code: "42P01"}))
	assert.Equal(t, "sql_error", SQLUserErrorCode(&pgconn.PgError{Code: "42501"}))
	assert.Equal(t, "data_exception", SQLUserErrorCode(&pgconn.PgError{Code: "22023"}))
	assert.Equal(t, "", SQLUserErrorCode(&pgconn.PgError{Code: "08006"}), "connection failures are not user errors")
}
