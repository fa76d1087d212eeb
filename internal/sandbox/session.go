// Package sandbox manages session-scoped remote execution environments
// for review pipelines: one isolated sandbox per review session, with
// lifecycle tracking, idle-timeout extension under active use, retried
// creation, and guaranteed cleanup.
package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Status of a sandbox session. Transitions are forward-only except
// error→killed; killed is terminal.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusCloning  Status = "cloning"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
	StatusKilled   Status = "killed"
)

// Terminal reports whether the status admits no further operations.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusKilled
}

// Session tracks one remote execution environment bound to a review.
type Session struct {
	SessionID    string    `json:"session_id"`
	SandboxID    string    `json:"sandbox_id"`
	Status       Status    `json:"status"`
	RepoPath     string    `json:"repo_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ErrSandboxNotFound is returned when no session exists for an id.
var ErrSandboxNotFound = errors.New("sandbox session not found")

// SandboxError marks an operation attempted on a terminal session or a
// remote operation failure.
type SandboxError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// CreationError means sandbox creation failed after exhausting retries.
type CreationError struct {
	SessionID string
	Attempts  int
	Err       error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creating sandbox for %s failed after %d attempts: %v", e.SessionID, e.Attempts, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// CommandResult is the outcome of a command run inside the sandbox.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
