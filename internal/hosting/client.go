// Package hosting talks to the hosting-platform bot that owns the
// GitHub App credentials. The pipeline never posts reviews directly;
// it hands the formatted review to the bot's trigger-review endpoint,
// which performs the actual submission.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/openrabbit/openrabbit/internal/review"
	"github.com/openrabbit/openrabbit/internal/store"
)

// ReviewEvent is the review verdict passed through to the platform.
type ReviewEvent string

const (
	EventComment        ReviewEvent = "COMMENT"
	EventApprove        ReviewEvent = "APPROVE"
	EventRequestChanges ReviewEvent = "REQUEST_CHANGES"
)

// InlineComment is one line-anchored comment in the outbound payload.
type InlineComment struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Body      string `json:"body"`
	StartLine int    `json:"start_line,omitempty"`
	StartSide string `json:"start_side,omitempty"`
}

// ReviewPayload is the body posted to the bot's trigger-review endpoint.
type ReviewPayload struct {
	Owner          string          `json:"owner"`
	Repo           string          `json:"repo"`
	PullNumber     int             `json:"pull_number"`
	InstallationID int64           `json:"installation_id"`
	Body           string          `json:"body"`
	Comments       []InlineComment `json:"comments"`
	Event          ReviewEvent     `json:"event"`
}

// BuildPayload converts a formatted review into the outbound payload.
// Multi-line comments carry start_line and start_side=RIGHT; single-line
// comments omit both.
func BuildPayload(owner, repo string, prNumber int, installationID int64, formatted *review.FormattedReview) *ReviewPayload {
	payload := &ReviewPayload{
		Owner:          owner,
		Repo:           repo,
		PullNumber:     prNumber,
		InstallationID: installationID,
		Body:           formatted.SummaryBody,
		Comments:       make([]InlineComment, 0, len(formatted.InlineComments)),
		Event:          EventComment,
	}
	for _, c := range formatted.InlineComments {
		out := InlineComment{Path: c.Path, Line: c.Line, Body: c.Body}
		if c.StartLine > 0 && c.StartLine < c.Line {
			out.StartLine = c.StartLine
			out.StartSide = "RIGHT"
		}
		payload.Comments = append(payload.Comments, out)
	}
	return payload
}

// Client posts reviews to the hosting-platform bot.
type Client struct {
	botURL string
	http   *http.Client
}

// NewClient creates a bot client. An empty botURL disables posting.
func NewClient(botURL string) *Client {
	return &Client{
		botURL: botURL,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether a bot URL is configured.
func (c *Client) Enabled() bool {
	return c.botURL != ""
}

// TriggerReview posts the payload to the bot. Failures are returned to
// the caller so the posting job can be retried by the queue.
func (c *Client) TriggerReview(ctx context.Context, payload *ReviewPayload) error {
	if !c.Enabled() {
		return fmt.Errorf("bot URL not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling review payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.botURL+"/trigger-review", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting review for %s/%s#%d: %w", payload.Owner, payload.Repo, payload.PullNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bot rejected review for %s/%s#%d: status %d: %s",
			payload.Owner, payload.Repo, payload.PullNumber, resp.StatusCode, string(msg))
	}
	return nil
}

// WriteDryRun persists the payload as a markdown document instead of
// posting it, for the test endpoints.
func WriteDryRun(dir string, payload *ReviewPayload) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling dry-run payload: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%d-%d.md", payload.Owner, payload.Repo, payload.PullNumber, time.Now().UTC().Unix())
	path := filepath.Join(dir, name)
	doc := &store.Document{
		Frontmatter: map[string]any{
			"owner":       payload.Owner,
			"repo":        payload.Repo,
			"pull_number": payload.PullNumber,
			"event":       string(payload.Event),
			"comments":    len(payload.Comments),
			"created_at":  store.Now(),
		},
		Body: "```json\n" + string(data) + "\n```\n",
	}
	err = store.WithLock(path, store.DefaultLockTimeout, func() error {
		return store.WriteDocument(path, doc)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}
