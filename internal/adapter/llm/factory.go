package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// Provider names accepted by NewGenerator.
const (
	ProviderMock   = "mock"
	ProviderOpenAI = "openai"
	ProviderSSE    = "sse"
)

// NewGenerator creates the Generator selected by provider.
func NewGenerator(provider, baseURL, apiKey, model string, timeout time.Duration) (Generator, error) {
	switch provider {
	case "", ProviderMock:
		slog.Info("using mock generator")
		return NewMockClient(), nil
	case ProviderOpenAI:
		return NewOpenAIClient(baseURL, apiKey, model), nil
	case ProviderSSE:
		if baseURL == "" {
			return nil, fmt.Errorf("sse generator requires LLM_BASE_URL")
		}
		return NewSSEClient(baseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", provider)
	}
}
