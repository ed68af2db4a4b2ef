package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/config"
	"github.com/ekaya-inc/ekaya-refine/pkg/llm"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-refine/pkg/sql"
)

func newTestGenerator(client llm.LLMClient, cfg config.RefinementConfig) *sqlGenerator {
	g := NewSQLGenerator(client, NewSQLDrafter(sqlutil.DialectPostgres, fixedClock), sqlutil.DialectPostgres, cfg, 0.1, zap.NewNop()).(*sqlGenerator)
	g.now = fixedClock
	return g
}

func TestSQLGenerator_UsesCompleteDraft(t *testing.T) {
	cfg := testRefinementConfig()
	cfg.UseDrafts = true
	client := llm.NewMockLLMClient()
	g := newTestGenerator(client, cfg)

	c, err := g.Generate(context.Background(), GenerateRequest{
		Mode:    models.ProvenanceInitial,
		Intent:  monthlySalesIntent(),
		Context: monthlySalesContext(),
	})
	require.NoError(t, err)

	assert.True(t, c.Drafted)
	assert.Equal(t, 0, client.GenerateResponseCalls)
	assert.Contains(t, c.Text, "SUM(total_amount) AS total_sales")
	assert.Equal(t, []string{"orders"}, c.Tables)
	assert.Equal(t, models.VerdictPending, c.Verdict.Status)
}

func TestSQLGenerator_InitialFromModel(t *testing.T) {
	client := llm.NewMockLLMClient("Here you go:\n```sql\n" + monthlySalesSQL + ";\n```")
	g := newTestGenerator(client, testRefinementConfig())

	c, err := g.Generate(context.Background(), GenerateRequest{
		Intent:  monthlySalesIntent(),
		Context: monthlySalesContext(),
	})
	require.NoError(t, err)

	assert.Equal(t, monthlySalesSQL, c.Text)
	assert.Equal(t, models.ProvenanceInitial, c.Provenance)
	assert.False(t, c.Drafted)
	assert.NotEqual(t, uuid.Nil, c.ID)

	prompt := client.LastCall().Prompt
	assert.Contains(t, prompt, "## Draft")
	assert.Contains(t, prompt, "### orders")
	assert.NotContains(t, prompt, "## Previous Statement")
}

func TestSQLGenerator_ReadsCandidateWithWarehouseDialect(t *testing.T) {
	client := llm.NewMockLLMClient("SELECT TOP 10 [region], SUM(total_amount) AS [Total]]Sales] FROM [dbo].[orders] GROUP BY [region]")
	g := NewSQLGenerator(client, NewSQLDrafter(sqlutil.DialectMSSQL, fixedClock), sqlutil.DialectMSSQL, testRefinementConfig(), 0.1, zap.NewNop())

	c, err := g.Generate(context.Background(), GenerateRequest{
		Intent:  monthlySalesIntent(),
		Context: monthlySalesContext(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"dbo.orders"}, c.Tables)
	assert.Equal(t, []sqlutil.OutputColumn{
		{Name: "region", Expr: "[region]"},
		{Name: "total]sales", Expr: "SUM(total_amount)"},
	}, c.OutputColumns)
}

func TestSQLGenerator_ModifyPromptCarriesPriorAndFeedback(t *testing.T) {
	client := llm.NewMockLLMClient("SELECT region FROM orders WHERE region = 'EMEA'")
	g := newTestGenerator(client, testRefinementConfig())

	prior := &models.SQLCandidate{Text: monthlySalesSQL, Tables: []string{"orders"}}
	c, err := g.Generate(context.Background(), GenerateRequest{
		Mode:     models.ProvenanceModified,
		Intent:   monthlySalesIntent().WithFeedback("only EMEA"),
		Context:  monthlySalesContext(),
		Feedback: []string{"only EMEA"},
		Prior:    prior,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceModified, c.Provenance)

	prompt := client.LastCall().Prompt
	assert.Contains(t, prompt, "## Previous Statement")
	assert.Contains(t, prompt, monthlySalesSQL)
	assert.Contains(t, prompt, "## Feedback")
	assert.Contains(t, prompt, "only EMEA")
	assert.NotContains(t, prompt, "## Draft")
}

func TestSQLGenerator_ModifyWithoutPriorFallsBackToInitial(t *testing.T) {
	client := llm.NewMockLLMClient(monthlySalesSQL)
	g := newTestGenerator(client, testRefinementConfig())

	c, err := g.Generate(context.Background(), GenerateRequest{
		Mode:    models.ProvenanceModified,
		Intent:  monthlySalesIntent(),
		Context: monthlySalesContext(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceInitial, c.Provenance)
}

func TestSQLGenerator_RetriesThenFails(t *testing.T) {
	tests := []struct {
		name      string
		responses []string
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "empty output twice", responses: []string{"", "   "}, wantCalls: 2, wantErr: true},
		{name: "empty then valid", responses: []string{"", monthlySalesSQL}, wantCalls: 2},
		{name: "service error", err: errors.New("503 service unavailable"), wantCalls: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewMockLLMClient(tt.responses...)
			if tt.err != nil {
				client.GenerateResponseFunc = func(context.Context, string, string, float64, bool) (*llm.GenerateResponseResult, error) {
					return nil, tt.err
				}
			}
			g := newTestGenerator(client, testRefinementConfig())

			c, err := g.Generate(context.Background(), GenerateRequest{Intent: monthlySalesIntent(), Context: monthlySalesContext()})
			assert.Equal(t, tt.wantCalls, client.GenerateResponseCalls)
			if tt.wantErr {
				assert.Nil(t, c)
				assert.ErrorIs(t, err, apperrors.ErrGeneration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, monthlySalesSQL, c.Text)
		})
	}
}

func TestSQLGenerator_EmptyContext(t *testing.T) {
	client := llm.NewMockLLMClient(monthlySalesSQL)
	g := newTestGenerator(client, testRefinementConfig())

	_, err := g.Generate(context.Background(), GenerateRequest{Intent: monthlySalesIntent(), Context: &models.SchemaContext{}})
	assert.ErrorIs(t, err, apperrors.ErrRetrievalEmpty)
	assert.Equal(t, 0, client.GenerateResponseCalls)
}

func TestSQLGenerator_ReasoningTrace(t *testing.T) {
	client := llm.NewMockLLMClient("<think>orders has region and total_amount</think>\nSELECT region, SUM(total_amount) FROM orders WHERE order_date >= DATE '2024-01-01' GROUP BY region")
	g := newTestGenerator(client, testRefinementConfig())

	intent := monthlySalesIntent()
	intent.GroupBy = []string{"region"}
	c, err := g.Generate(context.Background(), GenerateRequest{Intent: intent, Context: monthlySalesContext()})
	require.NoError(t, err)

	assert.True(t, client.LastCall().Thinking)
	assert.Equal(t, "orders has region and total_amount", c.Reasoning)
	assert.NotContains(t, c.Text, "<think>")
}

func TestSQLGenerator_RegenerateSwitchesStructure(t *testing.T) {
	sc := models.NewSchemaContext([]models.TableDescriptor{ordersTable(), invoicesTable()}, 20)
	prior := &models.SQLCandidate{Text: monthlySalesSQL, Tables: []string{"orders"}}

	t.Run("model repeats prior tables", func(t *testing.T) {
		client := llm.NewMockLLMClient("SELECT SUM(total_amount) FROM orders WHERE order_date >= DATE '2024-03-14'")
		g := newTestGenerator(client, testRefinementConfig())

		c, err := g.Generate(context.Background(), GenerateRequest{
			Mode:    models.ProvenanceRegenerated,
			Intent:  monthlySalesIntent(),
			Context: sc,
			Prior:   prior,
			Tried:   []string{monthlySalesSQL},
		})
		require.NoError(t, err)

		assert.True(t, c.Drafted)
		assert.Equal(t, []string{"invoices"}, c.Tables)
		assert.NotEqual(t, sqlutil.DialectPostgres.Normalize(monthlySalesSQL), sqlutil.DialectPostgres.Normalize(c.Text))
		assert.Contains(t, client.LastCall().Prompt, "## Start Over")
	})

	t.Run("model changes structure on its own", func(t *testing.T) {
		alt := "SELECT DATE_TRUNC('month', invoice_date) AS month, SUM(amount) FROM invoices WHERE invoice_date >= DATE '2024-03-14' GROUP BY 1"
		client := llm.NewMockLLMClient(alt)
		g := newTestGenerator(client, testRefinementConfig())

		c, err := g.Generate(context.Background(), GenerateRequest{
			Mode:    models.ProvenanceRegenerated,
			Intent:  monthlySalesIntent(),
			Context: sc,
			Prior:   prior,
		})
		require.NoError(t, err)
		assert.False(t, c.Drafted)
		assert.Equal(t, alt, c.Text)
	})
}
