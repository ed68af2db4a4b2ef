package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/services"
)

// SessionRegistry is the subset of services.SessionManager the refinement tools use.
type SessionRegistry interface {
	Start() *services.Session
	Lookup(id string) (*services.Session, error)
	End(id uuid.UUID) error
	Count() int
}

var _ SessionRegistry = (*services.SessionManager)(nil)

// RefineToolDeps contains dependencies for the refinement session tools.
type RefineToolDeps struct {
	Sessions SessionRegistry
	Logger   *zap.Logger
}

// RegisterRefineTools registers the tools that drive refinement sessions.
func RegisterRefineTools(s *server.MCPServer, deps *RefineToolDeps) {
	registerStartSessionTool(s, deps)
	registerAskTool(s, deps)
	registerFeedbackTool(s, deps)
	registerHistoryTool(s, deps)
	registerClearHistoryTool(s, deps)
	registerEndSessionTool(s, deps)
}

// turnResponse is the JSON shape returned by ask and feedback.
type turnResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`

	SQL                 string   `json:"sql,omitempty"`
	Verdict             string   `json:"verdict,omitempty"`
	Reason              string   `json:"reason,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	Reasoning           string   `json:"reasoning,omitempty"`
	Provenance          string   `json:"provenance,omitempty"`
	SafetyRegenerations int      `json:"safety_regenerations,omitempty"`

	// OutputColumns previews the columns a presented statement will return.
	OutputColumns []outputColumn `json:"output_columns,omitempty"`

	Columns   []string         `json:"columns,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	RowCount  *int             `json:"row_count,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`

	Error *turnErrorResponse `json:"error,omitempty"`

	// NextActions lists the decisions the session accepts in its current state.
	NextActions []string `json:"next_actions,omitempty"`
}

type outputColumn struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

type turnErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newTurnResponse(sessionID uuid.UUID, res *services.TurnResult) turnResponse {
	resp := turnResponse{
		SessionID:           sessionID.String(),
		State:               string(res.State),
		SafetyRegenerations: res.SafetyRegenerations,
		NextActions:         nextActions(res),
	}

	if c := res.Candidate; c != nil {
		resp.SQL = c.Text
		resp.Verdict = string(c.Verdict.Status)
		resp.Reason = c.Verdict.Reason
		resp.Warnings = c.Verdict.Warnings
		resp.Reasoning = c.Reasoning
		resp.Provenance = string(c.Provenance)
		if res.State == models.StateAwaitingFeedback {
			for _, col := range c.OutputColumns {
				resp.OutputColumns = append(resp.OutputColumns, outputColumn(col))
			}
		}
	}

	if r := res.Result; r != nil {
		rowCount := r.RowCount
		resp.Columns = r.Columns
		resp.Rows = r.Rows
		resp.RowCount = &rowCount
		resp.Truncated = r.Truncated
	}

	if res.Err != nil {
		resp.Error = &turnErrorResponse{
			Code:    TurnErrorCode(res.Err),
			Message: res.Err.UserMessage(),
		}
	}
	return resp
}

func nextActions(res *services.TurnResult) []string {
	if res.State != models.StateAwaitingFeedback {
		return []string{"ask"}
	}
	actions := []string{}
	if res.Candidate.Approved() {
		actions = append(actions, string(models.DecisionAccept))
	}
	return append(actions,
		string(models.DecisionReject),
		string(models.DecisionModify),
		string(models.DecisionRegenerate))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonResult, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(jsonResult)), nil
}

// lookupSession resolves the session_id argument. A nil session with a nil error means
// the returned result already carries a structured error.
func lookupSession(deps *RefineToolDeps, req mcp.CallToolRequest) (*services.Session, *mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, nil, err
	}
	sess, err := deps.Sessions.Lookup(strings.TrimSpace(sessionID))
	if err != nil {
		if res := NewSessionErrorResult(err); res != nil {
			return nil, res, nil
		}
		return nil, nil, err
	}
	return sess, nil, nil
}

func registerStartSessionTool(s *server.MCPServer, deps *RefineToolDeps) {
	tool := mcp.NewTool(
		"start_session",
		mcp.WithDescription("Opens a new query refinement session and returns its session_id. "+
			"Each session keeps its own conversation history."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess := deps.Sessions.Start()
		return jsonResult(struct {
			SessionID string `json:"session_id"`
			State     string `json:"state"`
		}{
			SessionID: sess.ID.String(),
			State:     string(sess.State()),
		})
	})
}

func registerAskTool(s *server.MCPServer, deps *RefineToolDeps) {
	tool := mcp.NewTool(
		"ask",
		mcp.WithDescription("Asks a question in natural language. Returns a proposed SQL statement with its "+
			"safety verdict; nothing is executed until you call feedback with decision=accept. "+
			"Follow-up questions may refer to earlier turns (\"now break that down by region\")."),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("Session ID returned by start_session"),
		),
		mcp.WithString(
			"utterance",
			mcp.Required(),
			mcp.Description("The question, e.g. \"total sales by month for the last year\""),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, errResult, err := lookupSession(deps, req)
		if sess == nil {
			return errResult, err
		}
		utterance, err := req.RequireString("utterance")
		if err != nil {
			return nil, err
		}
		utterance = strings.TrimSpace(utterance)
		if utterance == "" {
			return NewErrorResult("invalid_parameters", "utterance cannot be empty"), nil
		}

		res, err := sess.Submit(ctx, utterance)
		if err != nil {
			if errResult := NewSessionErrorResult(err); errResult != nil {
				return errResult, nil
			}
			deps.Logger.Error("Refinement turn failed",
				zap.String("session_id", sess.ID.String()),
				zap.Error(err))
			return nil, fmt.Errorf("ask failed: %w", err)
		}
		return jsonResult(newTurnResponse(sess.ID, res))
	})
}

func registerFeedbackTool(s *server.MCPServer, deps *RefineToolDeps) {
	tool := mcp.NewTool(
		"feedback",
		mcp.WithDescription("Responds to the SQL proposed by ask. accept executes it and returns rows; "+
			"reject abandons it; modify revises it using text; regenerate tries a different approach."),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("Session ID returned by start_session"),
		),
		mcp.WithString(
			"decision",
			mcp.Required(),
			mcp.Enum("accept", "reject", "modify", "regenerate"),
			mcp.Description("What to do with the proposed SQL"),
		),
		mcp.WithString(
			"text",
			mcp.Description("Requested change, required for modify (e.g. \"only EMEA\")"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, errResult, err := lookupSession(deps, req)
		if sess == nil {
			return errResult, err
		}
		decisionStr, err := req.RequireString("decision")
		if err != nil {
			return nil, err
		}
		decision, ok := models.ParseDecision(decisionStr)
		if !ok {
			return NewErrorResultWithDetails("invalid_parameters",
				fmt.Sprintf("unknown decision %q", decisionStr),
				map[string]any{"valid_decisions": []string{"accept", "reject", "modify", "regenerate"}}), nil
		}
		text := strings.TrimSpace(req.GetString("text", ""))

		res, err := sess.Feedback(ctx, decision, text)
		if err != nil {
			if errResult := NewSessionErrorResult(err); errResult != nil {
				return errResult, nil
			}
			deps.Logger.Error("Refinement feedback failed",
				zap.String("session_id", sess.ID.String()),
				zap.String("decision", string(decision)),
				zap.Error(err))
			return nil, fmt.Errorf("feedback failed: %w", err)
		}
		return jsonResult(newTurnResponse(sess.ID, res))
	})
}

// historyEntry is one turn as reported by the history tool.
type historyEntry struct {
	Seq       int       `json:"seq"`
	Input     string    `json:"input,omitempty"`
	InputKind string    `json:"input_kind,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	State     string    `json:"state"`
	SQL       string    `json:"sql,omitempty"`
	Verdict   string    `json:"verdict,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	RowCount  int       `json:"row_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func registerHistoryTool(s *server.MCPServer, deps *RefineToolDeps) {
	tool := mcp.NewTool(
		"history",
		mcp.WithDescription("Returns the session's conversation history in order, oldest first."),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("Session ID returned by start_session"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, errResult, err := lookupSession(deps, req)
		if sess == nil {
			return errResult, err
		}

		turns := sess.History()
		entries := make([]historyEntry, 0, len(turns))
		for _, t := range turns {
			e := historyEntry{
				Seq:       t.Seq,
				Input:     t.Input,
				InputKind: string(t.InputKind),
				Decision:  string(t.Decision),
				State:     string(t.State),
				Failure:   t.Failure,
				RowCount:  t.RowCount,
				CreatedAt: t.CreatedAt,
			}
			if t.Candidate != nil {
				e.SQL = t.Candidate.Text
				e.Verdict = string(t.Candidate.Verdict.Status)
			}
			entries = append(entries, e)
		}

		return jsonResult(struct {
			SessionID string         `json:"session_id"`
			State     string         `json:"state"`
			Turns     []historyEntry `json:"turns"`
		}{
			SessionID: sess.ID.String(),
			State:     string(sess.State()),
			Turns:     entries,
		})
	})
}

func registerClearHistoryTool(s *server.MCPServer, deps *RefineToolDeps) {
	tool := mcp.NewTool(
		"clear_history",
		mcp.WithDescription("Clears the session's conversation history so follow-up questions start fresh. "+
			"Recorded turns stay in the audit log."),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("Session ID returned by start_session"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, errResult, err := lookupSession(deps, req)
		if sess == nil {
			return errResult, err
		}
		if err := sess.ClearHistory(); err != nil {
			if errResult := NewSessionErrorResult(err); errResult != nil {
				return errResult, nil
			}
			return nil, fmt.Errorf("clear history failed: %w", err)
		}
		return jsonResult(struct {
			SessionID string `json:"session_id"`
			State     string `json:"state"`
			Cleared   bool   `json:"cleared"`
		}{
			SessionID: sess.ID.String(),
			State:     string(sess.State()),
			Cleared:   true,
		})
	})
}

func registerEndSessionTool(s *server.MCPServer, deps *RefineToolDeps) {
	tool := mcp.NewTool(
		"end_session",
		mcp.WithDescription("Ends a refinement session. Its session_id can no longer be used."),
		mcp.WithString(
			"session_id",
			mcp.Required(),
			mcp.Description("Session ID returned by start_session"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, errResult, err := lookupSession(deps, req)
		if sess == nil {
			return errResult, err
		}
		if err := deps.Sessions.End(sess.ID); err != nil {
			if errResult := NewSessionErrorResult(err); errResult != nil {
				return errResult, nil
			}
			return nil, fmt.Errorf("end session failed: %w", err)
		}
		return jsonResult(struct {
			SessionID string `json:"session_id"`
			Ended     bool   `json:"ended"`
		}{
			SessionID: sess.ID.String(),
			Ended:     true,
		})
	})
}
