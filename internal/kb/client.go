// Package kb is the HTTP client for the knowledge-base service: past
// review learnings used to enrich prompts and filter suggestions
// against prior rejections. KB calls are advisory; every failure here
// degrades to "no context" rather than failing the review.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/openrabbit/openrabbit/internal/cache"
)

// Learning is one stored review learning.
type Learning struct {
	ID         string  `json:"id,omitempty"`
	Owner      string  `json:"owner"`
	Repo       string  `json:"repo"`
	File       string  `json:"file,omitempty"`
	Content    string  `json:"content"`
	Outcome    string  `json:"outcome,omitempty"` // accepted or rejected
	Confidence float64 `json:"confidence,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Outcome values attached to learnings.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// PRContext is the KB's digest for one pull request.
type PRContext struct {
	Summary   string     `json:"summary,omitempty"`
	Learnings []Learning `json:"learnings,omitempty"`
}

// Client talks to the knowledge-base service. A disabled client
// answers every query with empty results.
type Client struct {
	baseURL string
	enabled bool
	http    *http.Client

	searchCache *cache.Cache[string, []Learning]
}

// Config for the KB client.
type Config struct {
	Enabled         bool
	BaseURL         string
	CacheTTL        time.Duration
	CacheMaxEntries int
}

// NewClient creates a KB client. Search results are cached briefly so
// one review's repeated lookups cost one round trip.
func NewClient(cfg Config) *Client {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	entries := cfg.CacheMaxEntries
	if entries <= 0 {
		entries = 256
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		enabled:     cfg.Enabled && cfg.BaseURL != "",
		http:        &http.Client{Timeout: 30 * time.Second},
		searchCache: cache.New[string, []Learning](entries, ttl),
	}
}

// Enabled reports whether KB integration is active.
func (c *Client) Enabled() bool { return c.enabled }

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge base request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("knowledge base returned status %d: %s", resp.StatusCode, string(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Search returns learnings similar to query for the repository. Soft
// failure: errors are logged and an empty result returned.
func (c *Client) Search(ctx context.Context, query, owner, repo string, k int, minConfidence float64) []Learning {
	if !c.enabled {
		return nil
	}
	if k <= 0 {
		k = 5
	}

	key := fmt.Sprintf("%s|%s|%s|%d|%g", owner, repo, query, k, minConfidence)
	if cached, ok := c.searchCache.Get(key); ok {
		return cached
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("owner", owner)
	params.Set("repo", repo)
	params.Set("k", strconv.Itoa(k))
	if minConfidence > 0 {
		params.Set("min_confidence", strconv.FormatFloat(minConfidence, 'g', -1, 64))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/learnings/search?"+params.Encode(), nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("knowledge base search failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("knowledge base search returned error", "status", resp.StatusCode)
		return nil
	}

	var result struct {
		Learnings []Learning `json:"learnings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Warn("decoding knowledge base search response failed", "error", err)
		return nil
	}

	c.searchCache.Set(key, result.Learnings, 0)
	return result.Learnings
}

// Add stores one learning. Soft failure.
func (c *Client) Add(ctx context.Context, learning Learning) error {
	if !c.enabled {
		return nil
	}
	if err := c.post(ctx, "/learnings", learning, nil); err != nil {
		slog.Warn("adding knowledge base learning failed", "error", err)
		return err
	}
	return nil
}

// AddBatch stores several learnings in one call. Soft failure.
func (c *Client) AddBatch(ctx context.Context, learnings []Learning) error {
	if !c.enabled || len(learnings) == 0 {
		return nil
	}
	if err := c.post(ctx, "/learnings/batch", map[string]any{"learnings": learnings}, nil); err != nil {
		slog.Warn("adding knowledge base batch failed", "error", err, "count", len(learnings))
		return err
	}
	return nil
}

// IngestTask reports the state of an asynchronous KB ingestion.
type IngestTask struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// GetTask fetches the state of one ingestion task. Soft failure.
func (c *Client) GetTask(ctx context.Context, id string) *IngestTask {
	if !c.enabled {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+id, nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("fetching knowledge base task failed", "taskID", id, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("knowledge base task lookup returned error", "taskID", id, "status", resp.StatusCode)
		return nil
	}
	var task IngestTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		slog.Warn("decoding knowledge base task failed", "taskID", id, "error", err)
		return nil
	}
	return &task
}

// GetPRContext fetches the KB's context digest for a pull request.
// Soft failure: a review proceeds without KB context.
func (c *Client) GetPRContext(ctx context.Context, owner, repo string, prNumber int) *PRContext {
	if !c.enabled {
		return nil
	}
	var result PRContext
	err := c.post(ctx, "/learnings/pr-context", map[string]any{
		"owner":     owner,
		"repo":      repo,
		"pr_number": prNumber,
	}, &result)
	if err != nil {
		slog.Warn("fetching knowledge base PR context failed", "owner", owner, "repo", repo, "pr", prNumber, "error", err)
		return nil
	}
	return &result
}
