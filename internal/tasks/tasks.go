// Package tasks tracks asynchronous review tasks. Each task is one
// markdown document under the data directory: lifecycle fields in the
// YAML frontmatter, the formatted review summary in the body. Documents
// are written atomically and guarded by file locks so the HTTP server
// and queue workers can share the registry.
package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openrabbit/openrabbit/internal/review"
	"github.com/openrabbit/openrabbit/internal/store"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Type identifies the requested operation.
type Type string

const (
	TypeReview    Type = "review"
	TypeUnitTests Type = "unit_tests"
	TypePRTests   Type = "pr_tests"
)

// Result is the output of a completed task.
type Result struct {
	Review *review.FormattedReview `json:"review,omitempty"`
	Tests  *review.TestOutput      `json:"tests,omitempty"`
	Stats  *review.Stats           `json:"stats,omitempty"`
}

// Task is one tracked unit of asynchronous work.
type Task struct {
	ID          string     `json:"task_id"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Owner       string     `json:"owner"`
	Repo        string     `json:"repo"`
	PRNumber    int        `json:"pr_number"`
	SessionID   string     `json:"session_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

// ErrNotFound is returned when no task document exists for an ID.
var ErrNotFound = fmt.Errorf("task not found")

// Registry stores task documents under a single directory.
type Registry struct {
	dir string
}

// NewRegistry creates a registry rooted at dir, creating it if needed.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating task dir: %w", err)
	}
	return &Registry{dir: dir}, nil
}

// Create registers a new pending task and persists it.
func (r *Registry) Create(taskType Type, owner, repo string, prNumber int, sessionID string) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Status:    StatusPending,
		Owner:     owner,
		Repo:      repo,
		PRNumber:  prNumber,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.save(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Get loads a task by ID.
func (r *Registry) Get(id string) (*Task, error) {
	path := r.path(id)
	var task *Task
	err := store.WithReadLock(path, store.DefaultLockTimeout, func() error {
		if !store.Exists(path) {
			return ErrNotFound
		}
		var err error
		task, err = readTask(path)
		return err
	})
	return task, err
}

// List returns tasks, optionally filtered by status, newest first. A
// limit <= 0 means no limit.
func (r *Registry) List(status Status, limit int) ([]*Task, error) {
	paths, err := store.ListDocuments(r.dir)
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, path := range paths {
		task, err := readTask(path)
		if err != nil {
			continue // skip corrupt documents rather than failing the listing
		}
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update applies fn to the stored task under an exclusive lock and
// persists the result.
func (r *Registry) Update(id string, fn func(*Task)) (*Task, error) {
	path := r.path(id)
	var task *Task
	err := store.WithLock(path, store.DefaultLockTimeout, func() error {
		if !store.Exists(path) {
			return ErrNotFound
		}
		var err error
		task, err = readTask(path)
		if err != nil {
			return err
		}
		fn(task)
		task.UpdatedAt = time.Now().UTC()
		return writeTask(path, task)
	})
	return task, err
}

// MarkRunning transitions a task to running.
func (r *Registry) MarkRunning(id string) (*Task, error) {
	return r.Update(id, func(t *Task) { t.Status = StatusRunning })
}

// MarkCompleted transitions a task to completed with its result.
func (r *Registry) MarkCompleted(id string, result *Result) (*Task, error) {
	return r.Update(id, func(t *Task) {
		now := time.Now().UTC()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.Error = ""
		t.Result = result
	})
}

// MarkFailed transitions a task to failed with an error message.
func (r *Registry) MarkFailed(id string, errMsg string) (*Task, error) {
	return r.Update(id, func(t *Task) {
		now := time.Now().UTC()
		t.Status = StatusFailed
		t.CompletedAt = &now
		t.Error = errMsg
	})
}

// Delete removes a task document. Deleting a missing task is an error.
func (r *Registry) Delete(id string) error {
	path := r.path(id)
	return store.WithLock(path, store.DefaultLockTimeout, func() error {
		if !store.Exists(path) {
			return ErrNotFound
		}
		return os.Remove(path)
	})
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+".md")
}

func (r *Registry) save(task *Task) error {
	path := r.path(task.ID)
	return store.WithLock(path, store.DefaultLockTimeout, func() error {
		return writeTask(path, task)
	})
}

func writeTask(path string, task *Task) error {
	fm := map[string]any{
		"id":         task.ID,
		"type":       string(task.Type),
		"status":     string(task.Status),
		"owner":      task.Owner,
		"repo":       task.Repo,
		"pr_number":  task.PRNumber,
		"session_id": task.SessionID,
		"created_at": store.FormatTime(task.CreatedAt),
		"updated_at": store.FormatTime(task.UpdatedAt),
	}
	if task.CompletedAt != nil {
		fm["completed_at"] = store.FormatTime(*task.CompletedAt)
	}
	if task.Error != "" {
		fm["error"] = task.Error
	}
	if task.Result != nil {
		data, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("marshaling task result: %w", err)
		}
		fm["result"] = string(data)
	}

	body := ""
	if task.Result != nil && task.Result.Review != nil {
		body = task.Result.Review.SummaryBody
	}
	return store.WriteDocument(path, &store.Document{Frontmatter: fm, Body: body})
}

func readTask(path string) (*Task, error) {
	doc, err := store.ReadDocument(path)
	if err != nil {
		return nil, err
	}
	fm := doc.Frontmatter
	task := &Task{
		ID:        store.GetString(fm, "id"),
		Type:      Type(store.GetString(fm, "type")),
		Status:    Status(store.GetString(fm, "status")),
		Owner:     store.GetString(fm, "owner"),
		Repo:      store.GetString(fm, "repo"),
		PRNumber:  store.GetInt(fm, "pr_number"),
		SessionID: store.GetString(fm, "session_id"),
		CreatedAt: store.GetTime(fm, "created_at"),
		UpdatedAt: store.GetTime(fm, "updated_at"),
		Error:     store.GetString(fm, "error"),
	}
	if task.ID == "" {
		return nil, fmt.Errorf("document %s has no task id", path)
	}
	if _, ok := fm["completed_at"]; ok {
		done := store.GetTime(fm, "completed_at")
		task.CompletedAt = &done
	}
	if raw := store.GetString(fm, "result"); raw != "" {
		var result Result
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("parsing task result: %w", err)
		}
		task.Result = &result
	}
	return task, nil
}
