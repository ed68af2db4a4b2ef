// Package llm provides the language understanding/generation port and its provider clients.
package llm

import (
	"context"
)

// GenerateResponseResult is a completion plus token usage.
type GenerateResponseResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMClient is the generation port used by the intent analyzer and SQL generator.
// Use this interface for dependency injection to enable mocking in tests.
type LLMClient interface {
	// GenerateResponse runs one completion. thinking=true asks for a reasoning trace
	// wrapped in <think> tags ahead of the answer.
	GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64, thinking bool) (*GenerateResponseResult, error)

	// GetModel returns the configured model name.
	GetModel() string

	// GetEndpoint returns the configured endpoint.
	GetEndpoint() string
}

// EmbeddingClient turns text into vectors for the schema context store.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, input string, model string) ([]float32, error)
	CreateEmbeddings(ctx context.Context, inputs []string, model string) ([][]float32, error)
}

var (
	_ LLMClient       = (*Client)(nil)
	_ EmbeddingClient = (*Client)(nil)
	_ LLMClient       = (*AnthropicClient)(nil)
	_ LLMClient       = (*GuardedClient)(nil)
)
