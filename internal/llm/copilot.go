package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sdk "github.com/github/copilot-sdk/go"
)

// CopilotClient implements Client over the GitHub Copilot SDK. Each
// Invoke runs in a throwaway session; the SDK process is started
// lazily and shared.
type CopilotClient struct {
	mu      sync.Mutex
	sdk     *sdk.Client
	model   string
	started bool
}

// NewCopilotClient creates a Copilot-backed client using the given
// model for all invocations.
func NewCopilotClient(model string) *CopilotClient {
	return &CopilotClient{model: model}
}

func (c *CopilotClient) Name() string { return "copilot" }

func (c *CopilotClient) ensureStarted(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.sdk = sdk.NewClient(nil)
	if err := c.sdk.Start(ctx); err != nil {
		return fmt.Errorf("starting copilot SDK: %w", err)
	}
	c.started = true
	slog.Info("copilot LLM client started", "model", c.model)
	return nil
}

func (c *CopilotClient) Invoke(ctx context.Context, system string, messages []Message) (string, error) {
	if err := c.ensureStarted(ctx); err != nil {
		return "", err
	}

	session, err := c.sdk.CreateSession(ctx, &sdk.SessionConfig{
		Model:               c.model,
		OnPermissionRequest: sdk.PermissionHandler.ApproveAll,
	})
	if err != nil {
		return "", fmt.Errorf("creating copilot session: %w", err)
	}
	defer session.Destroy()

	// The SDK takes one prompt per turn; flatten the conversation.
	var sb strings.Builder
	if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}
	for _, m := range messages {
		if m.Role == RoleAssistant {
			sb.WriteString("Your previous response:\n")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}

	slog.Debug("sending prompt via copilot SDK", "session", session.SessionID)

	resp, err := session.SendAndWait(ctx, sdk.MessageOptions{Prompt: sb.String()})
	if err != nil {
		return "", fmt.Errorf("sending prompt: %w", err)
	}

	if resp == nil || resp.Data.Content == nil {
		return "", nil
	}
	return *resp.Data.Content, nil
}

// Stop shuts down the shared SDK process.
func (c *CopilotClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sdk != nil && c.started {
		c.started = false
		return c.sdk.Stop()
	}
	return nil
}
