package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
)

func TestNewClientFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.LLMConfig
		wantErr  string
		endpoint string
	}{
		{
			name:     "openai compatible",
			cfg:      config.LLMConfig{Provider: "openai", BaseURL: "http://localhost:8000/v1", Model: "qwen3", BreakerThreshold: 3, BreakerReset: time.Second},
			endpoint: "http://localhost:8000/v1",
		},
		{
			name:     "anthropic default endpoint",
			cfg:      config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "test-key"},
			endpoint: "https://api.anthropic.com/v1",
		},
		{
			name:    "anthropic without key",
			cfg:     config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			wantErr: "api key is required",
		},
		{
			name:    "openai without endpoint",
			cfg:     config.LLMConfig{Provider: "openai", Model: "gpt-4o"},
			wantErr: "endpoint is required",
		},
		{
			name:    "unknown provider",
			cfg:     config.LLMConfig{Provider: "palm"},
			wantErr: "unsupported llm provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClientFromConfig(tt.cfg, zap.NewNop())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &GuardedClient{}, client)
			assert.Equal(t, tt.cfg.Model, client.GetModel())
			assert.Equal(t, tt.endpoint, client.GetEndpoint())
		})
	}
}

func TestWithReasoningInstruction(t *testing.T) {
	assert.Equal(t, reasoningInstruction, withReasoningInstruction(""))
	assert.Contains(t, withReasoningInstruction("You write SQL."), "You write SQL.\n\nBefore answering")
}
