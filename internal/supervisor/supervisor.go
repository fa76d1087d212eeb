// Package supervisor orchestrates one review session end to end:
// intent classification, sandbox setup, static parsing, model review,
// optional test generation, aggregation, formatting, and posting. Each
// stage boundary is checkpointed so a crashed or retried session
// resumes at the first incomplete stage.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openrabbit/openrabbit/internal/agents"
	"github.com/openrabbit/openrabbit/internal/aggregate"
	"github.com/openrabbit/openrabbit/internal/cache"
	"github.com/openrabbit/openrabbit/internal/checkpoint"
	"github.com/openrabbit/openrabbit/internal/hosting"
	"github.com/openrabbit/openrabbit/internal/intent"
	"github.com/openrabbit/openrabbit/internal/kb"
	"github.com/openrabbit/openrabbit/internal/llm"
	"github.com/openrabbit/openrabbit/internal/queue"
	"github.com/openrabbit/openrabbit/internal/review"
	"github.com/openrabbit/openrabbit/internal/sandbox"
)

// DefaultTotalBudget caps one full session, all stages included.
const DefaultTotalBudget = 600 * time.Second

// DefaultCloneDepth is the shallow-clone depth for repositories.
const DefaultCloneDepth = 1

// JobTypePostReview is the queue job type for posting a finished review.
const JobTypePostReview = "post_review"

// Config wires the supervisor's collaborators.
type Config struct {
	LLM            llm.Client
	Sandbox        *sandbox.Manager
	Checkpoints    checkpoint.Store
	KB             *kb.Client
	Queue          *queue.Queue
	MaxComments    int
	MinConfidence  float64
	TotalBudget    time.Duration
	CloneDepth     int
	InstallationID int64

	// Framework detection cache sizing; zero keeps worker defaults.
	PackageCacheEntries int
	PackageCacheTTL     time.Duration
}

// Supervisor runs review sessions.
type Supervisor struct {
	cfg       Config
	parser    *agents.ParserWorker
	reviewer  *agents.ReviewWorker
	testgen   *agents.TestGenWorker
	formatter *agents.FormatterWorker
}

// New creates a supervisor and its worker agents.
func New(cfg Config) *Supervisor {
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = DefaultTotalBudget
	}
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = DefaultCloneDepth
	}

	reviewer := agents.NewReviewWorker(cfg.LLM)
	if cfg.MinConfidence > 0 {
		reviewer.MinConfidence = cfg.MinConfidence
	}
	formatter := agents.NewFormatterWorker(cfg.LLM)
	if cfg.MaxComments > 0 {
		formatter.MaxComments = cfg.MaxComments
	}

	testgen := agents.NewTestGenWorker(cfg.LLM, cfg.Sandbox)
	if cfg.PackageCacheEntries > 0 || cfg.PackageCacheTTL > 0 {
		entries := cfg.PackageCacheEntries
		if entries <= 0 {
			entries = agents.DefaultFrameworkCacheEntries
		}
		ttl := cfg.PackageCacheTTL
		if ttl <= 0 {
			ttl = agents.DefaultFrameworkCacheTTL
		}
		testgen.Frameworks = cache.New[string, string](entries, ttl)
	}

	return &Supervisor{
		cfg:       cfg,
		parser:    agents.NewParserWorker(),
		reviewer:  reviewer,
		testgen:   testgen,
		formatter: formatter,
	}
}

// Outcome is the result of a completed session.
type Outcome struct {
	Intent    intent.Intent           `json:"intent"`
	Formatted *review.FormattedReview `json:"formatted"`
	Tests     *review.TestOutput      `json:"tests,omitempty"`
	Stats     review.Stats            `json:"stats"`
}

// state carries intermediate stage outputs across the pipeline. Every
// field is snapshotted into the checkpoint when its stage completes.
type state struct {
	Intent    intent.Intent           `json:"intent"`
	RepoPath  string                  `json:"repo_path,omitempty"`
	Parser    *review.ParserOutput    `json:"parser,omitempty"`
	Review    *review.Output          `json:"review,omitempty"`
	Tests     *review.TestOutput      `json:"tests,omitempty"`
	Issues    *review.Output          `json:"issues,omitempty"`
	KBDropped []review.DroppedComment `json:"kb_dropped,omitempty"`
	Formatted *review.FormattedReview `json:"formatted,omitempty"`
	Stats     review.Stats            `json:"stats"`
}

// Run executes or resumes the session described by req. The sandbox, if
// one is created, is always killed before returning.
func (s *Supervisor) Run(ctx context.Context, req *review.Request) (*Outcome, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalBudget)
	defer cancel()

	cp, err := s.loadCheckpoint(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if step, ok := cp.ResumePoint(); ok && len(cp.CompletedSteps) > 0 {
		slog.Info("resuming session", "sessionID", req.SessionID, "step", step)
	}

	st := &state{}
	if err := restoreState(cp, st); err != nil {
		return nil, fmt.Errorf("restoring session %s: %w", req.SessionID, err)
	}

	defer func() {
		if s.cfg.Sandbox != nil {
			s.cfg.Sandbox.KillSandbox(context.WithoutCancel(ctx), req.SessionID)
		}
	}()

	if err := s.runStages(ctx, req, cp, st); err != nil {
		return nil, err
	}

	return &Outcome{
		Intent:    st.Intent,
		Formatted: st.Formatted,
		Tests:     st.Tests,
		Stats:     st.Stats,
	}, nil
}

func (s *Supervisor) runStages(ctx context.Context, req *review.Request, cp *checkpoint.Checkpoint, st *state) error {
	// Intent parsing. Fatal on failure (it cannot currently fail, but
	// the contract is that a session with no intent never proceeds).
	if !cp.IsStepComplete(checkpoint.StepIntentParsing) {
		st.Intent = intent.Parse(req.UserRequest, changedPaths(req.Files))
		if err := s.completeStage(ctx, cp, checkpoint.StepIntentParsing, st); err != nil {
			return err
		}
	}

	// Sandbox setup always executes: sandboxes are ephemeral, so a
	// resumed session recreates its sandbox even when the stage was
	// already checkpointed. The manager reuses a live session if one
	// survived.
	if err := s.setupSandbox(ctx, req, st); err != nil {
		return s.failStage(ctx, cp, checkpoint.StepSandboxSetup,
			fmt.Errorf("sandbox setup for session %s: %w", req.SessionID, err))
	}
	if !cp.IsStepComplete(checkpoint.StepSandboxSetup) {
		if err := s.completeStage(ctx, cp, checkpoint.StepSandboxSetup, st); err != nil {
			return err
		}
	}

	// Static parsing. Fatal: every later stage consumes its output.
	if !cp.IsStepComplete(checkpoint.StepParsing) {
		parserOut, err := s.parser.Run(ctx, reviewableFiles(req.Files))
		if err != nil {
			return s.failStage(ctx, cp, checkpoint.StepParsing,
				fmt.Errorf("parsing session %s: %w", req.SessionID, err))
		}
		st.Parser = parserOut
		if err := s.completeStage(ctx, cp, checkpoint.StepParsing, st); err != nil {
			return err
		}
	}

	kbCtx := s.prContext(ctx, req)

	// Model review. Recoverable: a failed model call degrades to an
	// empty review so parser findings still reach the output.
	if !cp.IsStepComplete(checkpoint.StepReview) {
		st.Review = &review.Output{}
		if st.Intent.ShouldReview {
			out, err := s.reviewer.Run(ctx, req, st.Parser, kbCtx)
			if err != nil {
				slog.Warn("review worker failed, continuing with parser findings only",
					"sessionID", req.SessionID, "error", err)
			} else {
				st.Review = out
			}
		}
		if err := s.completeStage(ctx, cp, checkpoint.StepReview, st); err != nil {
			return err
		}
	}

	// Test generation only runs when explicitly requested; a skipped
	// stage is never marked complete. Recoverable: failure omits tests.
	if st.Intent.ShouldGenerateTests && !cp.IsStepComplete(checkpoint.StepTests) {
		tests, err := s.testgen.Run(ctx, req, st.Parser, kbCtx, st.Intent.TestTargets, st.RepoPath)
		if err != nil {
			slog.Warn("test generation failed, omitting tests from result",
				"sessionID", req.SessionID, "error", err)
		} else {
			st.Tests = tests
		}
		if err := s.completeStage(ctx, cp, checkpoint.StepTests, st); err != nil {
			return err
		}
	}

	// Aggregation. Fatal by contract.
	if !cp.IsStepComplete(checkpoint.StepAggregation) {
		issues, dropped := aggregate.New().Run(st.Parser, st.Review, kbCtx)
		st.Issues = issues
		st.KBDropped = dropped
		if err := s.completeStage(ctx, cp, checkpoint.StepAggregation, st); err != nil {
			return err
		}
	}

	// Formatting. The formatter degrades internally to its
	// deterministic path, so this stage only fails on checkpoint I/O.
	if !cp.IsStepComplete(checkpoint.StepFormatting) {
		validLines := review.ComputeValidLines(req.Files)
		formatted, stats := s.formatter.Run(ctx, st.Issues.Issues, validLines, diffsByPath(req.Files))
		formatted.Dropped = append(formatted.Dropped, st.KBDropped...)
		stats.FilesReviewed = len(reviewableFiles(req.Files))
		stats.CommentsDropped += len(st.KBDropped)
		stats.TotalRawComments += len(st.KBDropped)
		st.Formatted = formatted
		st.Stats = stats
		if err := s.completeStage(ctx, cp, checkpoint.StepFormatting, st); err != nil {
			return err
		}
	}

	// Posting: hand the payload to the queue. The correlation ID makes
	// re-running a resumed session idempotent.
	if !cp.IsStepComplete(checkpoint.StepPosting) {
		if err := s.enqueuePost(ctx, req, st); err != nil {
			return s.failStage(ctx, cp, checkpoint.StepPosting,
				fmt.Errorf("enqueueing post for session %s: %w", req.SessionID, err))
		}
		if err := s.completeStage(ctx, cp, checkpoint.StepPosting, st); err != nil {
			return err
		}
	}
	return nil
}

// setupSandbox creates (or reuses) the session sandbox and clones the
// repository under review, fork-aware.
func (s *Supervisor) setupSandbox(ctx context.Context, req *review.Request, st *state) error {
	if s.cfg.Sandbox == nil {
		return nil
	}
	if _, err := s.cfg.Sandbox.CreateSandbox(ctx, req.SessionID, map[string]string{
		"owner": req.Owner,
		"repo":  req.Repo,
		"pr":    fmt.Sprint(req.PRNumber),
	}); err != nil {
		return err
	}

	if sess, err := s.cfg.Sandbox.GetSandbox(req.SessionID); err == nil && sess.RepoPath != "" {
		st.RepoPath = sess.RepoPath
		return nil
	}

	baseURL := cloneURL(req.Owner, req.Repo)
	var (
		repoPath string
		err      error
	)
	if req.IsFork() {
		headOwner := req.HeadOwner
		if headOwner == "" {
			headOwner = req.Owner
		}
		headRepo := req.HeadRepo
		if headRepo == "" {
			headRepo = req.Repo
		}
		repoPath, err = s.cfg.Sandbox.CloneForkRepo(ctx, req.SessionID, baseURL, cloneURL(headOwner, headRepo), req.Branch, "")
	} else {
		repoPath, err = s.cfg.Sandbox.CloneRepo(ctx, req.SessionID, baseURL, req.Branch, s.cfg.CloneDepth, "")
	}
	if err != nil {
		return err
	}
	st.RepoPath = repoPath
	return nil
}

// prContext fetches KB precedent for the PR. The KB client soft-fails,
// so this never blocks the pipeline.
func (s *Supervisor) prContext(ctx context.Context, req *review.Request) *kb.PRContext {
	if s.cfg.KB == nil || !s.cfg.KB.Enabled() {
		return nil
	}
	return s.cfg.KB.GetPRContext(ctx, req.Owner, req.Repo, req.PRNumber)
}

// enqueuePost submits the post_review job carrying the outbound payload.
// Without a queue the stage is a no-op (dry-run and test setups).
func (s *Supervisor) enqueuePost(ctx context.Context, req *review.Request, st *state) error {
	if s.cfg.Queue == nil || st.Formatted == nil {
		return nil
	}
	installationID := s.cfg.InstallationID
	if req.InstallationID != 0 {
		installationID = req.InstallationID
	}
	payload := hosting.BuildPayload(req.Owner, req.Repo, req.PRNumber, installationID, st.Formatted)
	body, err := structToMap(payload)
	if err != nil {
		return err
	}
	if req.TestMode || req.DryRun {
		body["dry_run"] = true
	}
	_, err = s.cfg.Queue.Submit(ctx, JobTypePostReview, body, queue.PriorityHigh, queue.SubmitOptions{
		SessionID:     req.SessionID,
		CorrelationID: "post:" + req.SessionID,
		MaxRetries:    -1,
	})
	return err
}

// failStage records the failing stage on the checkpoint before the
// error propagates, so a queued retry and any operator can see where
// the session stopped. The save is best effort.
func (s *Supervisor) failStage(ctx context.Context, cp *checkpoint.Checkpoint, step checkpoint.Step, err error) error {
	cp.RecordFailure(step, err)
	if saveErr := s.cfg.Checkpoints.Save(context.WithoutCancel(ctx), cp); saveErr != nil {
		slog.Warn("saving checkpoint after stage failure failed",
			"sessionID", cp.SessionID, "step", step, "error", saveErr)
	}
	return err
}

// completeStage snapshots the pipeline state, marks the step complete,
// persists the checkpoint, then reloads it to confirm the write took
// before the next stage may run.
func (s *Supervisor) completeStage(ctx context.Context, cp *checkpoint.Checkpoint, step checkpoint.Step, st *state) error {
	if err := cp.SnapshotStep(step, st); err != nil {
		return fmt.Errorf("snapshotting %s: %w", step, err)
	}
	cp.MarkStepComplete(step)
	if err := s.cfg.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("saving checkpoint at %s: %w", step, err)
	}
	reloaded, err := s.cfg.Checkpoints.Load(ctx, cp.SessionID)
	if err != nil {
		return fmt.Errorf("reloading checkpoint at %s: %w", step, err)
	}
	if !reloaded.IsStepComplete(step) {
		return fmt.Errorf("checkpoint for session %s did not persist step %s", cp.SessionID, step)
	}
	*cp = *reloaded
	return nil
}

func (s *Supervisor) loadCheckpoint(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	cp, err := s.cfg.Checkpoints.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return checkpoint.New(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for session %s: %w", sessionID, err)
	}
	return cp, nil
}

// restoreState rebuilds pipeline state from the most recent snapshot.
// Later stages snapshot strictly more state, so the last completed
// stage's snapshot is authoritative.
func restoreState(cp *checkpoint.Checkpoint, st *state) error {
	for i := len(checkpoint.StepOrder) - 1; i >= 0; i-- {
		step := checkpoint.StepOrder[i]
		if !cp.IsStepComplete(step) {
			continue
		}
		ok, err := cp.RestoreStep(step, st)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return nil
}

func cloneURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

func changedPaths(files []review.FileInfo) []string {
	var paths []string
	for _, f := range files {
		if !f.IsDeleted {
			paths = append(paths, f.Path)
		}
	}
	return paths
}

// reviewableFiles drops deleted files; there is nothing on the head
// side to analyze.
func reviewableFiles(files []review.FileInfo) []review.FileInfo {
	var out []review.FileInfo
	for _, f := range files {
		if !f.IsDeleted {
			out = append(out, f)
		}
	}
	return out
}

func diffsByPath(files []review.FileInfo) map[string]string {
	diffs := make(map[string]string, len(files))
	for _, f := range files {
		if f.Diff != "" {
			diffs[f.Path] = f.Diff
		}
	}
	return diffs
}
