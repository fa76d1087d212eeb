package hosting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrabbit/openrabbit/internal/review"
	"github.com/openrabbit/openrabbit/internal/store"
)

func formattedFixture() *review.FormattedReview {
	return &review.FormattedReview{
		SummaryBody: "## Code review\n\n2 finding(s) on changed lines, 2 inline comment(s) posted.",
		InlineComments: []review.FormattedInlineComment{
			{Path: "a.go", Line: 3, Body: "unchecked error", Severity: review.SeverityHigh},
			{Path: "b.go", Line: 10, StartLine: 7, Body: "long block", Severity: review.SeverityLow},
		},
	}
}

func TestBuildPayload(t *testing.T) {
	payload := BuildPayload("acme", "widgets", 42, 9001, formattedFixture())

	assert.Equal(t, "acme", payload.Owner)
	assert.Equal(t, 42, payload.PullNumber)
	assert.Equal(t, int64(9001), payload.InstallationID)
	assert.Equal(t, EventComment, payload.Event)
	require.Len(t, payload.Comments, 2)

	single := payload.Comments[0]
	assert.Zero(t, single.StartLine, "single-line comment omits start_line")
	assert.Empty(t, single.StartSide)

	ranged := payload.Comments[1]
	assert.Equal(t, 7, ranged.StartLine)
	assert.Equal(t, "RIGHT", ranged.StartSide)
}

func TestTriggerReview(t *testing.T) {
	var received ReviewPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/trigger-review", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	payload := BuildPayload("acme", "widgets", 42, 0, formattedFixture())
	require.NoError(t, client.TriggerReview(context.Background(), payload))

	assert.Equal(t, "acme", received.Owner)
	assert.Equal(t, EventComment, received.Event)
	assert.Len(t, received.Comments, 2)
}

func TestTriggerReviewBotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "installation not found", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	err := client.TriggerReview(context.Background(), BuildPayload("acme", "widgets", 1, 0, formattedFixture()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "installation not found")
}

func TestTriggerReviewUnconfigured(t *testing.T) {
	client := NewClient("")
	assert.False(t, client.Enabled())
	assert.Error(t, client.TriggerReview(context.Background(), &ReviewPayload{}))
}

func TestWriteDryRun(t *testing.T) {
	dir := t.TempDir()
	payload := BuildPayload("acme", "widgets", 42, 0, formattedFixture())

	path, err := WriteDryRun(dir, payload)
	require.NoError(t, err)
	require.FileExists(t, path)

	doc, err := store.ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", store.GetString(doc.Frontmatter, "owner"))
	assert.Equal(t, 42, store.GetInt(doc.Frontmatter, "pull_number"))
	assert.Equal(t, 2, store.GetInt(doc.Frontmatter, "comments"))
	assert.Contains(t, doc.Body, `"pull_number": 42`)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
