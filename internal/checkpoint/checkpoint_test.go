package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func TestMarkStepCompleteIdempotent(t *testing.T) {
	cp := New("sess-1")

	cp.MarkStepComplete(StepIntentParsing)
	cp.MarkStepComplete(StepIntentParsing)
	cp.MarkStepComplete(StepSandboxSetup)

	assert.Equal(t, []Step{StepIntentParsing, StepSandboxSetup}, cp.CompletedSteps)
	assert.True(t, cp.IsStepComplete(StepIntentParsing))
	assert.False(t, cp.IsStepComplete(StepParsing))
}

func TestRecordFailure(t *testing.T) {
	cp := New("sess-1")
	assert.Equal(t, DefaultMaxRetries, cp.MaxRetries)

	cp.RecordFailure(StepParsing, assert.AnError)
	assert.Equal(t, StepParsing, cp.CurrentStep)
	assert.Equal(t, assert.AnError.Error(), cp.LastError)
	assert.Equal(t, 1, cp.RetryCount)

	// A later successful completion clears the noted failure.
	cp.MarkStepComplete(StepParsing)
	assert.Empty(t, cp.LastError)
	assert.Equal(t, StepParsing, cp.CurrentStep)
	assert.Equal(t, 1, cp.RetryCount, "retry accounting survives completion")
}

func TestResumePoint(t *testing.T) {
	cp := New("sess-1")

	step, ok := cp.ResumePoint()
	require.True(t, ok)
	assert.Equal(t, StepIntentParsing, step)

	cp.MarkStepComplete(StepIntentParsing)
	cp.MarkStepComplete(StepSandboxSetup)
	cp.MarkStepComplete(StepParsing)

	step, ok = cp.ResumePoint()
	require.True(t, ok)
	assert.Equal(t, StepReview, step)

	for _, s := range StepOrder {
		cp.MarkStepComplete(s)
	}
	_, ok = cp.ResumePoint()
	assert.False(t, ok, "a fully completed checkpoint has no resume point")
}

func TestSnapshotRoundTrip(t *testing.T) {
	type intentResult struct {
		Type    string   `json:"type"`
		Targets []string `json:"targets"`
	}

	cp := New("sess-1")
	require.NoError(t, cp.SnapshotStep(StepIntentParsing, intentResult{
		Type:    "review_and_tests",
		Targets: []string{"internal/api/handler.go"},
	}))

	var restored intentResult
	ok, err := cp.RestoreStep(StepIntentParsing, &restored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "review_and_tests", restored.Type)
	assert.Equal(t, []string{"internal/api/handler.go"}, restored.Targets)

	ok, err = cp.RestoreStep(StepReview, &restored)
	require.NoError(t, err)
	assert.False(t, ok, "unsnapshotted step restores nothing")
}

func TestStoreSaveLoad(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		cp := New("sess-1")
		cp.MarkStepComplete(StepIntentParsing)
		require.NoError(t, cp.SnapshotStep(StepIntentParsing, map[string]string{"type": "review_only"}))
		require.NoError(t, store.Save(ctx, cp))

		loaded, err := store.Load(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, cp.SessionID, loaded.SessionID)
		assert.Equal(t, cp.CompletedSteps, loaded.CompletedSteps)
		assert.JSONEq(t, `{"type":"review_only"}`, string(loaded.Snapshots[StepIntentParsing]))

		// Save is an upsert: progress accretes under the same session id.
		loaded.MarkStepComplete(StepSandboxSetup)
		require.NoError(t, store.Save(ctx, loaded))

		again, err := store.Load(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, []Step{StepIntentParsing, StepSandboxSetup}, again.CompletedSteps)
	})
}

func TestStorePersistsFailureState(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		cp := New("sess-1")
		cp.MarkStepComplete(StepIntentParsing)
		cp.RecordFailure(StepSandboxSetup, assert.AnError)
		require.NoError(t, store.Save(ctx, cp))

		loaded, err := store.Load(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, StepSandboxSetup, loaded.CurrentStep)
		assert.Equal(t, assert.AnError.Error(), loaded.LastError)
		assert.Equal(t, 1, loaded.RetryCount)
		assert.Equal(t, DefaultMaxRetries, loaded.MaxRetries)
	})
}

func TestStoreLoadMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		_, err := store.Load(context.Background(), "no-such-session")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Save(ctx, New("sess-1")))
		require.NoError(t, store.Delete(ctx, "sess-1"))

		_, err := store.Load(ctx, "sess-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting an absent session is not an error.
		require.NoError(t, store.Delete(ctx, "sess-1"))
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	cp := New("sess-1")
	cp.MarkStepComplete(StepIntentParsing)
	require.NoError(t, store.Save(ctx, cp))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, loaded.IsStepComplete(StepIntentParsing))
}
