package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/openrabbit/openrabbit/internal/hosting"
	"github.com/openrabbit/openrabbit/internal/queue"
	"github.com/openrabbit/openrabbit/internal/review"
	"github.com/openrabbit/openrabbit/internal/store"
	"github.com/openrabbit/openrabbit/internal/tasks"
)

// JobTypeReviewSession is the queue job type for running a session.
const JobTypeReviewSession = "review_session"

// Jobs binds queue job types to the supervisor and its collaborators.
type Jobs struct {
	Supervisor *Supervisor
	Tasks      *tasks.Registry
	Hosting    *hosting.Client
	DryRunDir  string
	PostedDir  string // marker documents for already-posted reviews
}

// Register installs the job handlers on the queue.
func (j *Jobs) Register(q *queue.Queue) {
	q.RegisterHandler(JobTypeReviewSession, j.handleReviewSession)
	q.RegisterHandler(JobTypePostReview, j.handlePostReview)
}

// handleReviewSession runs (or resumes) one review session. Handler
// errors feed the queue's retry discipline; the checkpoint makes the
// retry resume rather than restart.
func (j *Jobs) handleReviewSession(job *queue.Job) (map[string]any, error) {
	var req review.Request
	if err := decodePayload(job.Payload, "request", &req); err != nil {
		return nil, fmt.Errorf("decoding review request: %w", err)
	}
	taskID, _ := job.Payload["task_id"].(string)

	if taskID != "" {
		if _, err := j.Tasks.MarkRunning(taskID); err != nil {
			slog.Warn("marking task running failed", "taskID", taskID, "error", err)
		}
	}

	outcome, err := j.Supervisor.Run(context.Background(), &req)
	if err != nil {
		if taskID != "" {
			if _, markErr := j.Tasks.MarkFailed(taskID, err.Error()); markErr != nil {
				slog.Warn("marking task failed failed", "taskID", taskID, "error", markErr)
			}
		}
		return nil, err
	}

	if taskID != "" {
		result := &tasks.Result{
			Review: outcome.Formatted,
			Tests:  outcome.Tests,
			Stats:  &outcome.Stats,
		}
		if _, err := j.Tasks.MarkCompleted(taskID, result); err != nil {
			slog.Warn("marking task completed failed", "taskID", taskID, "error", err)
		}
	}

	return map[string]any{
		"session_id":       req.SessionID,
		"inline_comments":  outcome.Stats.InlineCommentsPosted,
		"comments_dropped": outcome.Stats.CommentsDropped,
	}, nil
}

// handlePostReview delivers a formatted review to the hosting bot, or
// writes it to the dry-run directory when the payload asks for that.
func (j *Jobs) handlePostReview(job *queue.Job) (map[string]any, error) {
	var payload hosting.ReviewPayload
	if err := mapToStruct(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding post payload: %w", err)
	}

	if dryRun, _ := job.Payload["dry_run"].(bool); dryRun {
		path, err := hosting.WriteDryRun(j.DryRunDir, &payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{"dry_run_path": path}, nil
	}

	if j.Hosting == nil || !j.Hosting.Enabled() {
		slog.Info("no bot configured, skipping review post",
			"owner", payload.Owner, "repo", payload.Repo, "pr", payload.PullNumber)
		return map[string]any{"posted": false}, nil
	}

	// The queue delivers at least once: a crash after TriggerReview but
	// before CompleteJob redelivers this job. The marker document makes
	// redelivery a no-op instead of a duplicate review.
	marker := j.postedMarker(job.CorrelationID)
	if marker != "" && store.Exists(marker) {
		slog.Info("review already posted, skipping redelivery",
			"correlationID", job.CorrelationID, "owner", payload.Owner, "repo", payload.Repo, "pr", payload.PullNumber)
		return map[string]any{"posted": false, "duplicate": true}, nil
	}

	if err := j.Hosting.TriggerReview(context.Background(), &payload); err != nil {
		return nil, err
	}
	if marker != "" {
		if err := recordPosted(marker, &payload); err != nil {
			slog.Warn("writing posted marker failed", "correlationID", job.CorrelationID, "error", err)
		}
	}
	return map[string]any{"posted": true}, nil
}

// postedMarker returns the marker path for a correlation ID, or "" when
// posting dedup is not configured or the job carries no correlation ID.
func (j *Jobs) postedMarker(correlationID string) string {
	if j.PostedDir == "" || correlationID == "" {
		return ""
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, correlationID)
	return filepath.Join(j.PostedDir, name+".md")
}

func recordPosted(marker string, payload *hosting.ReviewPayload) error {
	doc := &store.Document{
		Frontmatter: map[string]any{
			"owner":       payload.Owner,
			"repo":        payload.Repo,
			"pull_number": payload.PullNumber,
			"posted_at":   store.Now(),
		},
		Body: "Review delivered to the hosting bot.\n",
	}
	return store.WithLock(marker, store.DefaultLockTimeout, func() error {
		return store.WriteDocument(marker, doc)
	})
}

func decodePayload(payload map[string]any, key string, v any) error {
	raw, ok := payload[key]
	if !ok {
		return fmt.Errorf("payload missing %q", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func mapToStruct(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
