// Package checkpoint persists per-session pipeline progress so an
// interrupted review resumes at the first incomplete stage instead of
// starting over.
package checkpoint

import (
	"encoding/json"
	"time"
)

// Step names one pipeline stage. Stages always run in StepOrder; a
// checkpoint records which have completed and what they produced.
type Step string

const (
	StepIntentParsing Step = "intent_parsing"
	StepSandboxSetup  Step = "sandbox_setup"
	StepParsing       Step = "parsing"
	StepReview        Step = "review"
	StepTests         Step = "tests"
	StepAggregation   Step = "aggregation"
	StepFormatting    Step = "formatting"
	StepPosting       Step = "posting"
)

// StepOrder is the canonical stage sequence.
var StepOrder = []Step{
	StepIntentParsing,
	StepSandboxSetup,
	StepParsing,
	StepReview,
	StepTests,
	StepAggregation,
	StepFormatting,
	StepPosting,
}

// DefaultMaxRetries bounds the failed attempts a session tolerates
// before operators are expected to intervene.
const DefaultMaxRetries = 3

// Checkpoint is the durable record of one review session's progress.
// CurrentStep and LastError describe the most recent attempt, so a
// stalled session is inspectable without its logs.
type Checkpoint struct {
	SessionID      string                   `json:"session_id"`
	CurrentStep    Step                     `json:"current_step,omitempty"`
	CompletedSteps []Step                   `json:"completed_steps"`
	Snapshots      map[Step]json.RawMessage `json:"snapshots,omitempty"`
	LastError      string                   `json:"last_error,omitempty"`
	RetryCount     int                      `json:"retry_count"`
	MaxRetries     int                      `json:"max_retries"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// New creates an empty checkpoint for a session.
func New(sessionID string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		SessionID:  sessionID,
		Snapshots:  make(map[Step]json.RawMessage),
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsStepComplete reports whether the step has already completed.
func (c *Checkpoint) IsStepComplete(step Step) bool {
	for _, s := range c.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// MarkStepComplete records the step as done and clears any failure
// noted for it. Idempotent: marking a completed step again is a no-op.
func (c *Checkpoint) MarkStepComplete(step Step) {
	c.CurrentStep = step
	c.LastError = ""
	if c.IsStepComplete(step) {
		return
	}
	c.CompletedSteps = append(c.CompletedSteps, step)
	c.UpdatedAt = time.Now().UTC()
}

// RecordFailure notes a failed attempt at step.
func (c *Checkpoint) RecordFailure(step Step, err error) {
	c.CurrentStep = step
	c.LastError = err.Error()
	c.RetryCount++
	c.UpdatedAt = time.Now().UTC()
}

// SnapshotStep stores the step's output for replay on resume.
func (c *Checkpoint) SnapshotStep(step Step, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.Snapshots == nil {
		c.Snapshots = make(map[Step]json.RawMessage)
	}
	c.Snapshots[step] = data
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// RestoreStep unmarshals a stored snapshot into v. Returns false when
// the step has no snapshot.
func (c *Checkpoint) RestoreStep(step Step, v any) (bool, error) {
	data, ok := c.Snapshots[step]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// ResumePoint returns the first step in StepOrder not yet completed.
// Second return is false when every stage has completed.
func (c *Checkpoint) ResumePoint() (Step, bool) {
	for _, step := range StepOrder {
		if !c.IsStepComplete(step) {
			return step, true
		}
	}
	return "", false
}
