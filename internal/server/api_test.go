package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrabbit/openrabbit/internal/config"
	"github.com/openrabbit/openrabbit/internal/intent"
	"github.com/openrabbit/openrabbit/internal/queue"
	"github.com/openrabbit/openrabbit/internal/supervisor"
	"github.com/openrabbit/openrabbit/internal/tasks"
)

func newTestServer(t *testing.T) (*Server, *queue.Queue, *tasks.Registry) {
	t.Helper()
	cfg := config.DefaultConfig()
	q := queue.New(queue.NewMemoryBackend())
	registry, err := tasks.NewRegistry(t.TempDir())
	require.NoError(t, err)

	s := NewServer(&cfg, q, registry, nil, nil, t.TempDir())
	return s, q, registry
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

const validReviewBody = `{
	"owner": "acme",
	"repo": "widgets",
	"pr_number": 42,
	"branch": "feature/x",
	"changed_files": [{"path": "a.go", "diff": "@@ -0,0 +1 @@\n+var x = 1"}]
}`

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/bot/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "openrabbit", resp.Service)
}

func TestSubmitReview(t *testing.T) {
	s, q, registry := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/bot/review", validReviewBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "pending", resp.Status)
	assert.Contains(t, resp.Message, "acme/widgets#42")

	task, err := registry.Get(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, task.Status)
	assert.Equal(t, tasks.TypeReview, task.Type)

	job, err := q.PopNextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, supervisor.JobTypeReviewSession, job.Type)
	assert.Equal(t, resp.TaskID, job.Payload["task_id"])
	assert.Equal(t, "session:"+resp.SessionID, job.CorrelationID)
}

func TestSubmitReviewValidationFailure(t *testing.T) {
	s, q, registry := newTestServer(t)

	body := `{"repo": "widgets", "pr_number": 42, "changed_files": [{"path": "a.go"}]}`
	w := doRequest(t, s, http.MethodPost, "/bot/review", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "owner")

	// No task and no job were created for the rejected request.
	list, err := registry.List("", 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestSubmitReviewMalformedJSON(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/bot/review", `{"owner": "acme"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateUnitTestsForcesIntent(t *testing.T) {
	s, q, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/bot/create-unit-tests", validReviewBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "openrabbit/unit-tests-42", resp.TestBranch)

	job, err := q.PopNextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	req := job.Payload["request"].(map[string]any)
	// The forced request classifies as tests-only: the endpoint is a
	// test generator, not a full review trigger.
	assert.Equal(t, "tests only", req["user_request"])
	parsed := intent.Parse(req["user_request"].(string), nil)
	assert.Equal(t, intent.TestsOnly, parsed.Type)
}

func TestGeneratePRTestsForcesTestsOnly(t *testing.T) {
	s, q, registry := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/bot/generate-pr-tests", validReviewBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	list, err := registry.List("", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tasks.TypePRTests, list[0].Type)

	job, err := q.PopNextJob(context.Background())
	require.NoError(t, err)
	req := job.Payload["request"].(map[string]any)
	assert.Equal(t, "tests only", req["user_request"])
}

func TestTaskStatus(t *testing.T) {
	s, _, registry := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/bot/task-status/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	task, err := registry.Create(tasks.TypeReview, "acme", "widgets", 1, "sess-1")
	require.NoError(t, err)

	w = doRequest(t, s, http.MethodGet, "/bot/task-status/"+task.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var got tasks.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, tasks.StatusPending, got.Status)
}

func TestListTasks(t *testing.T) {
	s, _, registry := newTestServer(t)

	first, err := registry.Create(tasks.TypeReview, "acme", "widgets", 1, "s1")
	require.NoError(t, err)
	_, err = registry.Create(tasks.TypeReview, "acme", "widgets", 2, "s2")
	require.NoError(t, err)
	_, err = registry.MarkCompleted(first.ID, nil)
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodGet, "/bot/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all TaskListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, 2, all.Total)
	assert.Len(t, all.Tasks, 2)

	w = doRequest(t, s, http.MethodGet, "/bot/tasks?status=completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var completed TaskListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &completed))
	require.Len(t, completed.Tasks, 1)
	assert.Equal(t, first.ID, completed.Tasks[0].ID)

	w = doRequest(t, s, http.MethodGet, "/bot/tasks?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var limited TaskListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &limited))
	assert.Len(t, limited.Tasks, 1)

	w = doRequest(t, s, http.MethodGet, "/bot/tasks?limit=banana", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteTask(t *testing.T) {
	s, _, registry := newTestServer(t)

	task, err := registry.Create(tasks.TypeReview, "acme", "widgets", 1, "s1")
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodDelete, "/bot/task/"+task.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deleted")

	w = doRequest(t, s, http.MethodDelete, "/bot/task/"+task.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestTriggerReviewDryRun(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := `{"owner": "acme", "repo": "widgets", "pull_number": 42, "body": "## Code review", "comments": []}`
	w := doRequest(t, s, http.MethodPost, "/test/trigger-review", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["dry_run"])
	path, _ := resp["path"].(string)
	require.NotEmpty(t, path)
	assert.FileExists(t, path)
}

func TestTestTriggerReviewRequiresCoordinates(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodPost, "/test/trigger-review", `{"owner": "acme"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTestTriggerReviewNoBotConfigured(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := `{"owner": "acme", "repo": "widgets", "pull_number": 1, "dry_run": false}`
	w := doRequest(t, s, http.MethodPost, "/test/trigger-review", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
