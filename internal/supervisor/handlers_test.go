package supervisor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrabbit/openrabbit/internal/hosting"
	"github.com/openrabbit/openrabbit/internal/queue"
	"github.com/openrabbit/openrabbit/internal/tasks"
)

func newJobsHarness(t *testing.T) (*Jobs, *harness, *tasks.Registry) {
	t.Helper()
	h := newHarness(t, &fakeProvider{})
	registry, err := tasks.NewRegistry(t.TempDir())
	require.NoError(t, err)

	jobs := &Jobs{
		Supervisor: h.sup,
		Tasks:      registry,
		DryRunDir:  t.TempDir(),
		PostedDir:  t.TempDir(),
	}
	jobs.Register(h.queue)
	return jobs, h, registry
}

func reviewJobPayload(t *testing.T, taskID string) map[string]any {
	t.Helper()
	reqMap, err := structToMap(request(""))
	require.NoError(t, err)
	return map[string]any{"task_id": taskID, "request": reqMap}
}

func TestHandleReviewSessionCompletesTask(t *testing.T) {
	jobs, h, registry := newJobsHarness(t)
	h.mock.Results = []string{reviewJSON}
	h.mock.DefaultResult = `{}`

	task, err := registry.Create(tasks.TypeReview, "acme", "widgets", 42, "sess-1")
	require.NoError(t, err)

	result, err := jobs.handleReviewSession(&queue.Job{Payload: reviewJobPayload(t, task.ID)})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result["session_id"])

	got, err := registry.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 1, got.Result.Stats.InlineCommentsPosted)
}

func TestHandleReviewSessionFailureMarksTask(t *testing.T) {
	jobs, _, registry := newJobsHarness(t)

	// Break the request so the supervisor rejects it.
	task, err := registry.Create(tasks.TypeReview, "acme", "widgets", 42, "sess-1")
	require.NoError(t, err)
	payload := reviewJobPayload(t, task.ID)
	payload["request"].(map[string]any)["owner"] = ""

	_, err = jobs.handleReviewSession(&queue.Job{Payload: payload})
	require.Error(t, err)

	got, err := registry.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "owner")
}

func TestHandlePostReviewDryRun(t *testing.T) {
	jobs, _, _ := newJobsHarness(t)

	payload, err := structToMap(&hosting.ReviewPayload{
		Owner: "acme", Repo: "widgets", PullNumber: 42,
		Body: "## Code review", Event: hosting.EventComment,
	})
	require.NoError(t, err)
	payload["dry_run"] = true

	result, err := jobs.handlePostReview(&queue.Job{Payload: payload})
	require.NoError(t, err)
	path, _ := result["dry_run_path"].(string)
	require.NotEmpty(t, path)
	require.FileExists(t, path)
}

func TestHandlePostReviewPostsToBot(t *testing.T) {
	var received hosting.ReviewPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	jobs, _, _ := newJobsHarness(t)
	jobs.Hosting = hosting.NewClient(server.URL)

	payload, err := structToMap(&hosting.ReviewPayload{
		Owner: "acme", Repo: "widgets", PullNumber: 42,
		Body: "## Code review", Event: hosting.EventComment,
	})
	require.NoError(t, err)

	result, err := jobs.handlePostReview(&queue.Job{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, true, result["posted"])
	assert.Equal(t, "acme", received.Owner)
	assert.Equal(t, 42, received.PullNumber)
}

func TestHandlePostReviewRedeliveryPostsOnce(t *testing.T) {
	var posts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
	}))
	defer server.Close()

	jobs, _, _ := newJobsHarness(t)
	jobs.Hosting = hosting.NewClient(server.URL)

	payload, err := structToMap(&hosting.ReviewPayload{
		Owner: "acme", Repo: "widgets", PullNumber: 42,
		Body: "## Code review", Event: hosting.EventComment,
	})
	require.NoError(t, err)
	job := &queue.Job{CorrelationID: "post:sess-1", Payload: payload}

	result, err := jobs.handlePostReview(job)
	require.NoError(t, err)
	assert.Equal(t, true, result["posted"])

	// Same job again, as after a crash between posting and CompleteJob.
	result, err = jobs.handlePostReview(job)
	require.NoError(t, err)
	assert.Equal(t, false, result["posted"])
	assert.Equal(t, true, result["duplicate"])
	assert.Equal(t, int64(1), posts.Load())
}

func TestHandlePostReviewNoBotConfigured(t *testing.T) {
	jobs, _, _ := newJobsHarness(t)

	payload, err := structToMap(&hosting.ReviewPayload{Owner: "acme", Repo: "widgets", PullNumber: 1})
	require.NoError(t, err)

	result, err := jobs.handlePostReview(&queue.Job{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, false, result["posted"])
}
