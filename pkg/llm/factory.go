package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
)

// NewClientFromConfig builds the configured provider client wrapped in a circuit breaker.
func NewClientFromConfig(cfg config.LLMConfig, logger *zap.Logger) (LLMClient, error) {
	clientCfg := &Config{
		Endpoint:  cfg.BaseURL,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
	}

	var (
		client LLMClient
		err    error
	)
	switch cfg.Provider {
	case "openai":
		client, err = NewClient(clientCfg, logger)
	case "anthropic":
		client, err = NewAnthropicClient(clientCfg, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		Threshold:  cfg.BreakerThreshold,
		ResetAfter: cfg.BreakerReset,
	})
	return NewGuardedClient(client, breaker, logger), nil
}

// NewEmbeddingClientFromConfig builds an OpenAI-compatible embedding client.
func NewEmbeddingClientFromConfig(cfg config.EmbeddingConfig, logger *zap.Logger) (*Client, error) {
	return NewClient(&Config{
		Endpoint: cfg.BaseURL,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
	}, logger)
}
