package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter is the liveness threshold for the in-flight sweep: a
// processing entry older than this is assumed orphaned by a crashed worker
// and is returned to pending.
const DefaultStaleAfter = 30 * time.Minute

// SubmitOptions carries the optional fields of Submit.
type SubmitOptions struct {
	SessionID         string
	CorrelationID     string
	MaxRetries        int // negative means DefaultMaxRetries
	RetryDelaySeconds float64
	BackoffMultiplier float64
}

// Queue coordinates job submission, dispatch, and the retry discipline over a
// Backend.
type Queue struct {
	backend Backend

	mu       sync.RWMutex
	handlers map[string]Handler

	now func() time.Time // test seam
}

// New creates a Queue over the given backend.
func New(backend Backend) *Queue {
	return &Queue{
		backend:  backend,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Open selects the backend from config: Redis when useRedis is set and the
// health check passes, otherwise in-memory. A failed Redis health check falls
// back to in-memory with a warning rather than failing startup.
func Open(ctx context.Context, useRedis bool, redisURL string) *Queue {
	if useRedis && redisURL != "" {
		backend, err := NewRedisBackend(redisURL)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = backend.Ping(pingCtx)
			cancel()
			if err == nil {
				slog.Info("job queue using redis backend")
				return New(backend)
			}
			_ = backend.Close()
		}
		slog.Warn("redis unavailable, falling back to in-memory job queue", "error", err)
	}
	return New(NewMemoryBackend())
}

// Backend exposes the underlying backend (used by CLI stats).
func (q *Queue) Backend() Backend { return q.backend }

// Submit persists a new job and inserts it into the ready queue.
func (q *Queue) Submit(ctx context.Context, jobType string, payload map[string]any, priority Priority, opts SubmitOptions) (string, error) {
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	delay := opts.RetryDelaySeconds
	if delay <= 0 {
		delay = DefaultRetryDelaySeconds
	}
	mult := opts.BackoffMultiplier
	if mult <= 0 {
		mult = DefaultBackoffMultiplier
	}

	job := &Job{
		ID:                uuid.NewString(),
		Type:              jobType,
		Payload:           payload,
		Priority:          priority,
		Status:            StatusPending,
		MaxRetries:        maxRetries,
		RetryDelaySeconds: delay,
		BackoffMultiplier: mult,
		CreatedAt:         q.now().UTC(),
		SessionID:         opts.SessionID,
		CorrelationID:     opts.CorrelationID,
	}

	if err := q.backend.SaveJob(ctx, job); err != nil {
		return "", fmt.Errorf("saving job: %w", err)
	}
	if err := q.backend.PushReady(ctx, job.ID, job.Priority); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}

	slog.Debug("job submitted", "jobID", job.ID, "type", jobType, "priority", priority, "sessionID", opts.SessionID)
	return job.ID, nil
}

// RegisterHandler binds a handler to a job type.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// PopNextJob claims the highest-priority job dispatchable now, marking it
// running. Returns nil when nothing is ready.
func (q *Queue) PopNextJob(ctx context.Context) (*Job, error) {
	id, err := q.backend.PopNext(ctx, q.now())
	if err != nil {
		return nil, fmt.Errorf("popping job: %w", err)
	}
	if id == "" {
		return nil, nil
	}

	job, err := q.backend.LoadJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}

	started := q.now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &started
	if err := q.backend.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("marking job running: %w", err)
	}
	return job, nil
}

// CompleteJob transitions the job to completed and records its result.
func (q *Queue) CompleteJob(ctx context.Context, job *Job, result map[string]any) error {
	done := q.now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = &done
	job.Result = result
	if err := q.backend.SaveJob(ctx, job); err != nil {
		return err
	}
	return q.backend.RemoveProcessing(ctx, job.ID)
}

// FailJob applies the retry discipline: schedule a backoff retry while the
// budget lasts, otherwise dead-letter the job.
func (q *Queue) FailJob(ctx context.Context, job *Job, jobErr error) error {
	msg := jobErr.Error()
	job.ErrorHistory = append(job.ErrorHistory, msg)
	job.Error = msg

	if err := q.backend.RemoveProcessing(ctx, job.ID); err != nil {
		return err
	}

	if job.RetryCount < job.MaxRetries {
		at := q.now().UTC().Add(job.retryDelay())
		job.RetryCount++
		job.Status = StatusRetrying
		job.NextRetryAt = &at
		if err := q.backend.SaveJob(ctx, job); err != nil {
			return err
		}
		slog.Info("job scheduled for retry", "jobID", job.ID, "type", job.Type,
			"retryCount", job.RetryCount, "nextRetryAt", at, "error", msg)
		return q.backend.PushRetry(ctx, job.ID, at)
	}

	job.Status = StatusDead
	if err := q.backend.SaveJob(ctx, job); err != nil {
		return err
	}
	slog.Warn("job dead-lettered", "jobID", job.ID, "type", job.Type,
		"attempts", job.RetryCount+1, "error", msg)
	return q.backend.PushDead(ctx, job.ID)
}

// RetryDeadJob manually resets a dead job back onto the ready queue.
func (q *Queue) RetryDeadJob(ctx context.Context, id string) error {
	job, err := q.backend.LoadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusDead {
		return fmt.Errorf("job %s is %s, not dead", id, job.Status)
	}

	if err := q.backend.RemoveDead(ctx, id); err != nil {
		return err
	}
	job.Status = StatusPending
	job.RetryCount = 0
	job.Error = ""
	job.NextRetryAt = nil
	if err := q.backend.SaveJob(ctx, job); err != nil {
		return err
	}
	return q.backend.PushReady(ctx, job.ID, job.Priority)
}

// SweepStale returns processing entries older than olderThan to pending.
// Used on worker start to recover jobs orphaned by a crashed worker.
func (q *Queue) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := q.backend.StaleProcessing(ctx, olderThan, q.now())
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		job, err := q.backend.LoadJob(ctx, id)
		if err != nil {
			slog.Warn("stale sweep: cannot load job", "jobID", id, "error", err)
			continue
		}
		if err := q.backend.RemoveProcessing(ctx, id); err != nil {
			return swept, err
		}
		job.Status = StatusPending
		if err := q.backend.SaveJob(ctx, job); err != nil {
			return swept, err
		}
		if err := q.backend.PushReady(ctx, job.ID, job.Priority); err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		slog.Info("swept stale in-flight jobs back to pending", "count", swept)
	}
	return swept, nil
}

// Stats counts each queue partition.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.backend.Stats(ctx)
}

// RunWorker polls for jobs and dispatches handlers until the context is
// cancelled. Handler errors and panics are always captured and fed to the
// retry discipline, never propagated; infrastructure errors are logged and
// the loop continues at the same poll interval. No concurrency within one
// worker: scale by running multiple workers.
func (q *Queue) RunWorker(ctx context.Context, pollInterval time.Duration) error {
	if _, err := q.SweepStale(ctx, DefaultStaleAfter); err != nil {
		slog.Warn("stale sweep failed on worker start", "error", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := q.PopNextJob(ctx)
		if err != nil {
			slog.Error("worker poll failed", "error", err)
		} else if job != nil {
			q.dispatch(ctx, job)
			// Drain without waiting while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("job worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// dispatch runs one job through its handler, converting panics into failures.
func (q *Queue) dispatch(ctx context.Context, job *Job) {
	h, ok := q.handler(job.Type)
	if !ok {
		if err := q.FailJob(ctx, job, fmt.Errorf("no handler registered for job type %q", job.Type)); err != nil {
			slog.Error("failed to fail job", "jobID", job.ID, "error", err)
		}
		return
	}

	slog.Debug("dispatching job", "jobID", job.ID, "type", job.Type, "sessionID", job.SessionID)

	result, err := func() (result map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(job)
	}()

	if err != nil {
		if failErr := q.FailJob(ctx, job, err); failErr != nil {
			slog.Error("failed to record job failure", "jobID", job.ID, "error", failErr)
		}
		return
	}
	if err := q.CompleteJob(ctx, job, result); err != nil {
		slog.Error("failed to complete job", "jobID", job.ID, "error", err)
	}
}
