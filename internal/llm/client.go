// Package llm abstracts the model providers behind a one-shot
// invocation interface so worker agents stay provider-agnostic.
package llm

import (
	"context"
	"fmt"
	"os"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string
	Content string
}

// Client invokes a model. Implementations: Anthropic, Copilot, and a
// mock for tests.
type Client interface {
	// Invoke sends the conversation and returns the model's text reply.
	Invoke(ctx context.Context, system string, messages []Message) (string, error)

	// Name identifies the provider for logs.
	Name() string
}

// Config selects and tunes the provider.
type Config struct {
	Provider string // anthropic, copilot, mock
	Model    string
	APIKey   string
}

// New creates the configured provider client.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "anthropic", "":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY")
		}
		return NewAnthropicClient(apiKey, cfg.Model), nil
	case "copilot":
		return NewCopilotClient(cfg.Model), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
