package queue

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned when a job id has no persisted record.
var ErrJobNotFound = errors.New("job not found")

// Backend is the storage contract shared by the Redis and in-memory
// implementations. Both expose identical observable semantics; only
// durability differs.
type Backend interface {
	// SaveJob upserts the job record.
	SaveJob(ctx context.Context, job *Job) error

	// LoadJob returns the job record or ErrJobNotFound.
	LoadJob(ctx context.Context, id string) (*Job, error)

	// PushReady inserts the job into the ready queue ordered by priority
	// ascending. Tie-break within a priority is implementation-defined.
	PushReady(ctx context.Context, id string, priority Priority) error

	// PushRetry inserts the job into the time-ordered retry queue.
	PushRetry(ctx context.Context, id string, at time.Time) error

	// PopNext atomically claims the next dispatchable job id and moves it to
	// the processing set. Due retry entries win over ready entries. Returns
	// "" when nothing is dispatchable.
	PopNext(ctx context.Context, now time.Time) (string, error)

	// RemoveProcessing drops the job from the processing set.
	RemoveProcessing(ctx context.Context, id string) error

	// PushDead appends the job id to the dead-letter list.
	PushDead(ctx context.Context, id string) error

	// RemoveDead removes the job id from the dead-letter list.
	RemoveDead(ctx context.Context, id string) error

	// ListDead returns the dead-letter job ids, oldest first.
	ListDead(ctx context.Context) ([]string, error)

	// StaleProcessing returns processing job ids claimed before now-olderThan.
	StaleProcessing(ctx context.Context, olderThan time.Duration, now time.Time) ([]string, error)

	// Stats counts each partition.
	Stats(ctx context.Context) (Stats, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
