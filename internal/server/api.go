package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openrabbit/openrabbit/internal/hosting"
	"github.com/openrabbit/openrabbit/internal/queue"
	"github.com/openrabbit/openrabbit/internal/review"
	"github.com/openrabbit/openrabbit/internal/supervisor"
	"github.com/openrabbit/openrabbit/internal/tasks"
)

// HealthResponse is the JSON response for GET /bot/health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Service string      `json:"service"`
	Uptime  string      `json:"uptime"`
	Queue   queue.Stats `json:"queue"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		slog.Warn("queue stats unavailable", "error", err)
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "openrabbit",
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Queue:   stats,
	})
}

// SubmitResponse acknowledges an accepted asynchronous request.
type SubmitResponse struct {
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	TestBranch string `json:"test_branch,omitempty"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, tasks.TypeReview, "")
}

func (s *Server) handleCreateUnitTests(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, tasks.TypeUnitTests, "tests only")
}

func (s *Server) handleGeneratePRTests(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, tasks.TypePRTests, "tests only")
}

// submit validates a review request, registers a task, and enqueues the
// session job. Validation failures return 400 and create no task.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, taskType tasks.Type, forcedRequest string) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	var req review.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if forcedRequest != "" {
		req.UserRequest = forcedRequest
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	// Fetch the changed-file list when the caller did not inline it.
	if len(req.Files) == 0 && s.github != nil {
		if err := s.github.FillRequest(r.Context(), &req); err != nil {
			slog.Warn("filling request from hosting API failed",
				"owner", req.Owner, "repo", req.Repo, "pr", req.PRNumber, "error", err)
		}
	}

	if err := supervisor.ValidateRequest(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := s.tasks.Create(taskType, req.Owner, req.Repo, req.PRNumber, req.SessionID)
	if err != nil {
		slog.Error("creating task failed", "error", err)
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	reqMap, err := toMap(&req)
	if err == nil {
		_, err = s.queue.Submit(r.Context(), supervisor.JobTypeReviewSession,
			map[string]any{"task_id": task.ID, "request": reqMap},
			queue.PriorityNormal,
			queue.SubmitOptions{
				SessionID:     req.SessionID,
				CorrelationID: "session:" + req.SessionID,
				MaxRetries:    -1,
			})
	}
	if err != nil {
		slog.Error("enqueueing session failed", "taskID", task.ID, "error", err)
		if _, markErr := s.tasks.MarkFailed(task.ID, "failed to enqueue session"); markErr != nil {
			slog.Warn("marking task failed failed", "taskID", task.ID, "error", markErr)
		}
		http.Error(w, "failed to enqueue session", http.StatusInternalServerError)
		return
	}

	resp := SubmitResponse{
		TaskID:    task.ID,
		SessionID: req.SessionID,
		Status:    string(tasks.StatusPending),
		Message:   fmt.Sprintf("%s task queued for %s/%s#%d", taskType, req.Owner, req.Repo, req.PRNumber),
	}
	if taskType == tasks.TypeUnitTests {
		resp.TestBranch = fmt.Sprintf("openrabbit/unit-tests-%d", req.PRNumber)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.PathValue("task_id"))
	if errors.Is(err, tasks.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := tasks.Status(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.tasks.List(status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, TaskListResponse{Total: len(list), Tasks: list})
}

// TaskListResponse is the JSON response for GET /bot/tasks.
type TaskListResponse struct {
	Total int           `json:"total"`
	Tasks []*tasks.Task `json:"tasks"`
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	err := s.tasks.Delete(id)
	if errors.Is(err, tasks.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "task " + id + " deleted"})
}

// TestTriggerRequest is the JSON body for POST /test/trigger-review.
type TestTriggerRequest struct {
	hosting.ReviewPayload
	DryRun *bool `json:"dry_run,omitempty"`
}

// handleTestTriggerReview exercises the outbound posting path. Dry-run
// (the default) writes the payload to a document instead of posting.
func (s *Server) handleTestTriggerReview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req TestTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" || req.Repo == "" || req.PullNumber <= 0 {
		http.Error(w, "owner, repo, and pull_number are required", http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		req.Event = hosting.EventComment
	}

	dryRun := req.DryRun == nil || *req.DryRun
	if dryRun {
		path, err := hosting.WriteDryRun(s.dryRunDir, &req.ReviewPayload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dry_run": true, "path": path})
		return
	}

	if s.bot == nil || !s.bot.Enabled() {
		http.Error(w, "no bot configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.bot.TriggerReview(r.Context(), &req.ReviewPayload); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dry_run": false, "posted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(data, &m)
	return m, err
}
