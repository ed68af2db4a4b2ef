package llm

import (
	"context"
	"sync"
)

// MockCall records one GenerateResponse invocation.
type MockCall struct {
	Prompt        string
	SystemMessage string
	Thinking      bool
}

// MockLLMClient is a configurable mock for testing LLM functionality.
// Set the function fields to control behavior in tests.
type MockLLMClient struct {
	// GenerateResponseFunc is called when GenerateResponse is invoked.
	// If nil, Responses are returned in order, then an empty result.
	GenerateResponseFunc func(ctx context.Context, prompt string, systemMessage string, temperature float64, thinking bool) (*GenerateResponseResult, error)

	// Responses is a script of completions used when GenerateResponseFunc is nil.
	Responses []string

	CreateEmbeddingsFunc func(ctx context.Context, inputs []string, model string) ([][]float32, error)

	// Model is returned by GetModel. Defaults to "mock-model".
	Model string

	// Endpoint is returned by GetEndpoint. Defaults to "http://mock-endpoint".
	Endpoint string

	mu                    sync.Mutex
	Calls                 []MockCall
	GenerateResponseCalls int
	CreateEmbeddingsCalls int
}

// NewMockLLMClient creates a new mock with sensible defaults.
func NewMockLLMClient(responses ...string) *MockLLMClient {
	return &MockLLMClient{
		Model:     "mock-model",
		Endpoint:  "http://mock-endpoint",
		Responses: responses,
	}
}

// GenerateResponse implements LLMClient.
func (m *MockLLMClient) GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64, thinking bool) (*GenerateResponseResult, error) {
	m.mu.Lock()
	idx := m.GenerateResponseCalls
	m.GenerateResponseCalls++
	m.Calls = append(m.Calls, MockCall{Prompt: prompt, SystemMessage: systemMessage, Thinking: thinking})
	fn := m.GenerateResponseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt, systemMessage, temperature, thinking)
	}
	if idx < len(m.Responses) {
		return &GenerateResponseResult{Content: m.Responses[idx]}, nil
	}
	return &GenerateResponseResult{}, nil
}

// CreateEmbedding implements EmbeddingClient.
func (m *MockLLMClient) CreateEmbedding(ctx context.Context, input string, model string) ([]float32, error) {
	out, err := m.CreateEmbeddings(ctx, []string{input}, model)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// CreateEmbeddings implements EmbeddingClient.
func (m *MockLLMClient) CreateEmbeddings(ctx context.Context, inputs []string, model string) ([][]float32, error) {
	m.mu.Lock()
	m.CreateEmbeddingsCalls++
	fn := m.CreateEmbeddingsFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, inputs, model)
	}
	return make([][]float32, len(inputs)), nil
}

// LastCall returns the most recent GenerateResponse call.
func (m *MockLLMClient) LastCall() MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockCall{}
	}
	return m.Calls[len(m.Calls)-1]
}

// GetModel implements LLMClient.
func (m *MockLLMClient) GetModel() string {
	if m.Model == "" {
		return "mock-model"
	}
	return m.Model
}

// GetEndpoint implements LLMClient.
func (m *MockLLMClient) GetEndpoint() string {
	if m.Endpoint == "" {
		return "http://mock-endpoint"
	}
	return m.Endpoint
}

// Reset clears call tracking.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.GenerateResponseCalls = 0
	m.CreateEmbeddingsCalls = 0
}

var (
	_ LLMClient       = (*MockLLMClient)(nil)
	_ EmbeddingClient = (*MockLLMClient)(nil)
)
