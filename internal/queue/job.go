// Package queue implements a durable priority job queue with exponential
// backoff retries and dead-letter capture. Two interchangeable backends sit
// behind one contract: a Redis-backed durable backend and an in-memory
// backend with identical observable semantics.
//
// Delivery is at-least-once: a job in flight at worker crash stays in the
// processing set until swept, so handlers must be idempotent on
// (job_type, payload, correlation_id).
package queue

import (
	"time"
)

// Priority orders ready jobs; lower dispatches first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"
	StatusDead      = "dead"
)

// Job is one persisted unit of work.
type Job struct {
	ID                string         `json:"job_id"`
	Type              string         `json:"job_type"`
	Payload           map[string]any `json:"payload,omitempty"`
	Priority          Priority       `json:"priority"`
	Status            string         `json:"status"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	RetryDelaySeconds float64        `json:"retry_delay_seconds"`
	BackoffMultiplier float64        `json:"backoff_multiplier"`
	NextRetryAt       *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	ErrorHistory      []string       `json:"error_history,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
}

// retryDelay computes the backoff before the next attempt:
// retry_delay * backoff_multiplier^retry_count.
func (j *Job) retryDelay() time.Duration {
	delay := j.RetryDelaySeconds
	if delay <= 0 {
		delay = DefaultRetryDelaySeconds
	}
	mult := j.BackoffMultiplier
	if mult <= 0 {
		mult = DefaultBackoffMultiplier
	}
	for i := 0; i < j.RetryCount; i++ {
		delay *= mult
	}
	return time.Duration(delay * float64(time.Second))
}

// Defaults applied at submission.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 5.0
	DefaultBackoffMultiplier = 2.0
)

// Stats is a point-in-time census of queue partitions.
type Stats struct {
	Pending    int `json:"pending"`
	Retrying   int `json:"retrying"`
	Processing int `json:"processing"`
	Dead       int `json:"dead"`
}

// Handler processes one job. A non-nil error triggers the retry discipline;
// the returned map is stored as the job result on success.
type Handler func(job *Job) (map[string]any, error)
