package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/openrabbit/openrabbit/internal/review"
)

// ValidationError rejects a malformed review request before any task or
// session state is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// ValidateRequest checks the structural requirements of a review
// request.
func ValidateRequest(req *review.Request) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "is missing"}
	}
	if req.Owner == "" {
		return &ValidationError{Field: "owner", Reason: "is required"}
	}
	if req.Repo == "" {
		return &ValidationError{Field: "repo", Reason: "is required"}
	}
	if req.PRNumber <= 0 {
		return &ValidationError{Field: "pr_number", Reason: "must be positive"}
	}
	if req.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "is required"}
	}
	// An empty changed-file list is valid: the session completes with
	// nothing reviewed and no inline comments.
	for i, f := range req.Files {
		if f.Path == "" {
			return &ValidationError{Field: fmt.Sprintf("changed_files[%d].path", i), Reason: "is required"}
		}
	}
	return nil
}

// structToMap round-trips a struct through JSON into the generic map
// shape job payloads use.
func structToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
