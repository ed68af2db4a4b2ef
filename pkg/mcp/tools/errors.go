package tools

import (
	"encoding/json"
	"errors"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
)

// ErrorResponse represents a structured error in tool results.
// It is returned as a tool result so the calling agent sees the details
// rather than a protocol error the client may swallow.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for errors the caller can act on (unknown session, wrong decision for the
// current state). System failures should still return Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// sessionErrorCodes maps session sentinel errors to stable tool error codes.
var sessionErrorCodes = []struct {
	err  error
	code string
}{
	{apperrors.ErrSessionNotFound, "session_not_found"},
	{apperrors.ErrSessionBusy, "session_busy"},
	{apperrors.ErrInvalidTransition, "invalid_transition"},
	{apperrors.ErrCandidateNotApproved, "candidate_not_approved"},
	{apperrors.ErrFeedbackRequired, "feedback_required"},
}

// NewSessionErrorResult returns an error result when err is a session usage error,
// and nil otherwise (the caller should return err as a Go error).
func NewSessionErrorResult(err error) *mcp.CallToolResult {
	for _, m := range sessionErrorCodes {
		if errors.Is(err, m.err) {
			return NewErrorResult(m.code, err.Error())
		}
	}
	return nil
}

// turnErrorCodes maps turn failure kinds to codes reported in the turn response.
var turnErrorCodes = []struct {
	kind error
	code string
}{
	{apperrors.ErrIntentParse, "intent_parse"},
	{apperrors.ErrRetrievalEmpty, "retrieval_empty"},
	{apperrors.ErrGeneration, "generation_failed"},
	{apperrors.ErrSafetyRejection, "safety_rejection"},
	{apperrors.ErrExecution, "execution_failed"},
	{apperrors.ErrUpstream, "upstream_unavailable"},
}

// TurnErrorCode returns the code for a failed turn. Warehouse errors carrying a
// PostgreSQL SQLSTATE get the more specific SQL error code.
func TurnErrorCode(te *apperrors.TurnError) string {
	if errors.Is(te.Kind, apperrors.ErrExecution) {
		if code := SQLUserErrorCode(te.Cause); code != "" {
			return code
		}
	}
	for _, m := range turnErrorCodes {
		if errors.Is(te.Kind, m.kind) {
			return m.code
		}
	}
	return "turn_failed"
}

// sqlStateRegex matches PostgreSQL SQLSTATE codes in error messages like "(SQLSTATE 42601)"
var sqlStateRegex = regexp.MustCompile(`\(SQLSTATE ([0-9A-Z]{5})\)`)

// SQLUserErrorCode returns an error code for a SQL user error (bad SQL, missing table,
// invalid input). Returns empty string if the error is not one.
func SQLUserErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapSQLStateToCode(pgErr.Code)
	}

	if matches := sqlStateRegex.FindStringSubmatch(err.Error()); len(matches) >= 2 {
		return mapSQLStateToCode(matches[1])
	}
	return ""
}

// mapSQLStateToCode maps a user-error SQLSTATE to a readable code, or "" for server errors.
func mapSQLStateToCode(sqlState string) string {
	if len(sqlState) < 2 {
		return ""
	}

	switch sqlState {
	case "42601":
		return "syntax_error"
	case "42703":
		return "undefined_column"
	case "42P01":
		return "undefined_table"
	case "42883":
		return "undefined_function"
	case "22003":
		return "numeric_out_of_range"
	case "22007", "22008":
		return "invalid_datetime"
	case "22012":
		return "division_by_zero"
	case "22P02":
		return "invalid_input"
	case "57014":
		return "query_canceled"
	}

	switch sqlState[:2] {
	case "22":
		return "data_exception"
	case "42":
		return "sql_error"
	}
	return ""
}
