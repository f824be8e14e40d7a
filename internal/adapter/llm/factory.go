package llm

import (
	"time"

	"github.com/xiaot623/gogo/csagent/internal/logging"
)

// ModeMock selects the scripted client.
const ModeMock = "mock"

// NewClient creates an LLM client for the configured mode.
func NewClient(mode, baseURL, apiKey, model string, timeout time.Duration, logger *logging.Logger) Client {
	if mode == ModeMock {
		logger.Info().Msg("llm mode is mock, using scripted client")
		return NewMockClient()
	}
	return NewOpenAIClient(baseURL, apiKey, model, timeout)
}
