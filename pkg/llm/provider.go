package llm

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables holding provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
)

// ForModel routes a model identifier to a provider: claude-* models go to
// Anthropic, everything else to OpenAI. Credentials come from the
// environment.
func ForModel(model string) (LLM, error) {
	if model == "" {
		return nil, fmt.Errorf("model identifier is required")
	}
	if strings.HasPrefix(model, "claude") {
		key := os.Getenv(EnvAnthropicAPIKey)
		if key == "" {
			return nil, fmt.Errorf("model %q requires %s to be set", model, EnvAnthropicAPIKey)
		}
		return NewAnthropic(key, model)
	}
	key := os.Getenv(EnvOpenAIAPIKey)
	if key == "" {
		return nil, fmt.Errorf("model %q requires %s to be set", model, EnvOpenAIAPIKey)
	}
	return NewOpenAI(key, model)
}
