/*
Package core provides the LLM settings forwarded to the backend agent.

The client never calls a model itself. initAgent tells the backend which
provider and model to use, so this file only validates and normalizes the
provider name and assembles the settings block.
*/
package core

import (
	"fmt"
	"sort"
	"strings"
)

// defaultProvider is used when LLM_PROVIDER is missing or unrecognized.
const defaultProvider = "openai"

// llmProviders lists the providers the backend understands, keyed by the
// lower-case spellings accepted from configuration.
var llmProviders = map[string]string{
	"openai":     "openai",
	"anthropic":  "anthropic",
	"claude":     "anthropic",
	"gemini":     "gemini",
	"google":     "gemini",
	"ollama":     "ollama",
	"openrouter": "openrouter",
	"deepseek":   "deepseek",
	"grok":       "grok",
	"xai":        "grok",
}

// LLMConfig is the llm block of an initAgent request.
type LLMConfig struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model,omitempty"`
	APIKey      string   `json:"apiKey,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

// NormalizeProvider maps a configured provider name onto its canonical form.
//
// Parameters:
//   - name: Provider name in any casing, e.g. "OpenAI" or "claude"
//
// Returns:
//   - string: Canonical provider identifier
//   - error: Non-nil when the provider is not supported
func NormalizeProvider(name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := llmProviders[key]; ok {
		return canonical, nil
	}
	known := make([]string, 0, len(llmProviders))
	for k := range llmProviders {
		known = append(known, k)
	}
	sort.Strings(known)
	return "", fmt.Errorf("unsupported llm provider %q (known: %s)", name, strings.Join(known, ", "))
}

// LLMSettings builds the llm block from configuration.
func (c *Config) LLMSettings() LLMConfig {
	return LLMConfig{
		Provider: c.LLMProvider,
		Model:    c.LLMModel,
		APIKey:   c.LLMAPIKey,
	}
}
