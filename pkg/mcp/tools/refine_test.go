package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/services"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

const ordersByRegionSQL = "SELECT region, SUM(total_amount) AS total_sales FROM orders WHERE order_date >= DATE '2024-01-01' GROUP BY region"

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, utterance string, _ *models.ConversationHistory) (*models.QueryIntent, error) {
	return &models.QueryIntent{
		Utterance:   utterance,
		Entities:    []string{"orders"},
		Aggregation: models.AggregationSum,
		GroupBy:     []string{"region"},
	}, nil
}

type stubAssembler struct {
	err error
}

func (a stubAssembler) Retrieve(context.Context, *models.QueryIntent, int) (*models.SchemaContext, error) {
	if a.err != nil {
		return nil, a.err
	}
	return models.NewSchemaContext([]models.TableDescriptor{{
		Name:     "orders",
		RowCount: 5_000_000,
		Columns: []models.ColumnDescriptor{
			{Name: "order_date", Type: "date"},
			{Name: "total_amount", Type: "numeric"},
			{Name: "region", Type: "text"},
		},
	}}, 20), nil
}

type stubGenerator struct {
	text string
}

func (g stubGenerator) Generate(_ context.Context, req services.GenerateRequest) (*models.SQLCandidate, error) {
	return &models.SQLCandidate{
		Text:          g.text,
		Context:       req.Context,
		Provenance:    req.Mode,
		OutputColumns: sqlutil.DialectPostgres.OutputColumns(g.text),
		Verdict:       models.Verdict{Status: models.VerdictPending},
	}, nil
}

type stubGateway struct{}

func (stubGateway) Execute(context.Context, string) (*models.ExecutionResult, error) {
	rows := []map[string]any{{"region": "EMEA", "total_sales": 1200.5}, {"region": "APAC", "total_sales": 980.0}}
	return &models.ExecutionResult{Columns: []string{"region", "total_sales"}, Rows: rows, RowCount: len(rows)}, nil
}

type nopPatterns struct{}

func (nopPatterns) Record(context.Context, *models.ConversationTurn) models.UpsertOutcome {
	return models.UpsertStored
}

func newRefineTestServer(t *testing.T, assembler stubAssembler) (*server.MCPServer, *services.SessionManager) {
	t.Helper()
	cfg := config.RefinementConfig{
		MaxTables:           20,
		GenerationRetries:   1,
		SafetyRegenerations: 2,
		ExecutionRetries:    1,
		FullScanThreshold:   1_000_000,
	}
	logger := zap.NewNop()
	engine := services.NewEngine(services.EngineDeps{
		Analyzer:  stubAnalyzer{},
		Assembler: assembler,
		Generator: stubGenerator{text: ordersByRegionSQL},
		Validator: services.NewSafetyValidator(sqlutil.DialectPostgres, cfg, logger),
		Gateway:   stubGateway{},
		Patterns:  nopPatterns{},
	}, cfg, logger)
	manager := services.NewSessionManager(engine, logger)

	mcpServer := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
	RegisterRefineTools(mcpServer, &RefineToolDeps{Sessions: manager, Logger: logger})
	return mcpServer, manager
}

// callTool invokes a tool through HandleMessage and returns the text content and isError flag.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (string, bool) {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	require.NoError(t, err)
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":"tools/call","params":%s,"id":1}`, params)

	resultBytes, err := json.Marshal(s.HandleMessage(context.Background(), []byte(msg)))
	require.NoError(t, err)

	var response struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))
	require.Nil(t, response.Error, "unexpected protocol error")
	require.NotEmpty(t, response.Result.Content)
	return response.Result.Content[0].Text, response.Result.IsError
}

func decodeTurn(t *testing.T, text string) turnResponse {
	t.Helper()
	var resp turnResponse
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	return resp
}

func decodeError(t *testing.T, text string) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	return resp
}

func startSession(t *testing.T, s *server.MCPServer) string {
	t.Helper()
	text, isError := callTool(t, s, "start_session", nil)
	require.False(t, isError)
	var started struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &started))
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, string(models.StateAwaitingInput), started.State)
	return started.SessionID
}

func TestRegisterRefineTools_ListsTools(t *testing.T) {
	s, _ := newRefineTestServer(t, stubAssembler{})

	resultBytes, err := json.Marshal(s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)))
	require.NoError(t, err)

	var response struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))

	var names []string
	for _, tool := range response.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"start_session", "ask", "feedback", "history", "clear_history", "end_session"}, names)
}

func TestRefineTools_AskAcceptFlow(t *testing.T) {
	s, manager := newRefineTestServer(t, stubAssembler{})
	sessionID := startSession(t, s)

	text, isError := callTool(t, s, "ask", map[string]any{"session_id": sessionID, "utterance": "sales by region this year"})
	require.False(t, isError, text)
	presented := decodeTurn(t, text)
	assert.Equal(t, sessionID, presented.SessionID)
	assert.Equal(t, string(models.StateAwaitingFeedback), presented.State)
	assert.Equal(t, ordersByRegionSQL, presented.SQL)
	assert.Equal(t, string(models.VerdictApproved), presented.Verdict)
	assert.Equal(t, string(models.ProvenanceInitial), presented.Provenance)
	assert.Equal(t, []string{"accept", "reject", "modify", "regenerate"}, presented.NextActions)
	assert.Nil(t, presented.RowCount)
	assert.Equal(t, []outputColumn{
		{Name: "region", Expr: "region"},
		{Name: "total_sales", Expr: "SUM(total_amount)"},
	}, presented.OutputColumns)

	text, isError = callTool(t, s, "feedback", map[string]any{"session_id": sessionID, "decision": "accept"})
	require.False(t, isError, text)
	accepted := decodeTurn(t, text)
	assert.Equal(t, string(models.StateTerminalAccepted), accepted.State)
	assert.Equal(t, []string{"region", "total_sales"}, accepted.Columns)
	require.NotNil(t, accepted.RowCount)
	assert.Equal(t, 2, *accepted.RowCount)
	assert.Len(t, accepted.Rows, 2)
	assert.Empty(t, accepted.OutputColumns)
	assert.Nil(t, accepted.Error)

	text, isError = callTool(t, s, "history", map[string]any{"session_id": sessionID})
	require.False(t, isError)
	var history struct {
		Turns []historyEntry `json:"turns"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &history))
	require.Len(t, history.Turns, 2)
	assert.Equal(t, string(models.StatePresentingCandidate), history.Turns[0].State)
	assert.Equal(t, "sales by region this year", history.Turns[0].Input)
	assert.Equal(t, string(models.StateTerminalAccepted), history.Turns[1].State)
	assert.Equal(t, 2, history.Turns[1].RowCount)

	text, isError = callTool(t, s, "clear_history", map[string]any{"session_id": sessionID})
	require.False(t, isError, text)
	text, _ = callTool(t, s, "history", map[string]any{"session_id": sessionID})
	require.NoError(t, json.Unmarshal([]byte(text), &history))
	assert.Empty(t, history.Turns)

	text, isError = callTool(t, s, "end_session", map[string]any{"session_id": sessionID})
	require.False(t, isError, text)
	assert.Equal(t, 0, manager.Count())

	text, isError = callTool(t, s, "ask", map[string]any{"session_id": sessionID, "utterance": "again"})
	assert.True(t, isError)
	assert.Equal(t, "session_not_found", decodeError(t, text).Code)
}

func TestRefineTools_FeedbackErrors(t *testing.T) {
	s, _ := newRefineTestServer(t, stubAssembler{})
	sessionID := startSession(t, s)

	text, isError := callTool(t, s, "feedback", map[string]any{"session_id": sessionID, "decision": "accept"})
	assert.True(t, isError)
	assert.Equal(t, "invalid_transition", decodeError(t, text).Code)

	_, isError = callTool(t, s, "ask", map[string]any{"session_id": sessionID, "utterance": "sales by region"})
	require.False(t, isError)

	text, isError = callTool(t, s, "ask", map[string]any{"session_id": sessionID, "utterance": "something else"})
	assert.True(t, isError)
	assert.Equal(t, "session_busy", decodeError(t, text).Code)

	text, isError = callTool(t, s, "feedback", map[string]any{"session_id": sessionID, "decision": "modify"})
	assert.True(t, isError)
	assert.Equal(t, "feedback_required", decodeError(t, text).Code)

	text, isError = callTool(t, s, "feedback", map[string]any{"session_id": sessionID, "decision": "maybe"})
	assert.True(t, isError)
	assert.Equal(t, "invalid_parameters", decodeError(t, text).Code)

	text, isError = callTool(t, s, "feedback", map[string]any{"session_id": sessionID, "decision": "reject"})
	require.False(t, isError, text)
	rejected := decodeTurn(t, text)
	assert.Equal(t, string(models.StateTerminalRejected), rejected.State)
	assert.Equal(t, []string{"ask"}, rejected.NextActions)

	text, isError = callTool(t, s, "history", map[string]any{"session_id": "not-a-uuid"})
	assert.True(t, isError)
	assert.Equal(t, "session_not_found", decodeError(t, text).Code)
}

func TestRefineTools_FailedTurnIsReportedInResponse(t *testing.T) {
	s, _ := newRefineTestServer(t, stubAssembler{err: apperrors.NewRetrievalEmptyError("widgets")})
	sessionID := startSession(t, s)

	text, isError := callTool(t, s, "ask", map[string]any{"session_id": sessionID, "utterance": "widgets by color"})
	require.False(t, isError, "a failed turn is a normal result")

	resp := decodeTurn(t, text)
	assert.Equal(t, string(models.StateTerminalFailed), resp.State)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "retrieval_empty", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "rephrasing")
}
