package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openrabbit/openrabbit/internal/cache"
	"github.com/openrabbit/openrabbit/internal/kb"
	"github.com/openrabbit/openrabbit/internal/llm"
	"github.com/openrabbit/openrabbit/internal/prompts"
	"github.com/openrabbit/openrabbit/internal/review"
	"github.com/openrabbit/openrabbit/internal/sandbox"
)

// Defaults for the framework detection cache.
const (
	DefaultFrameworkCacheEntries = 1024
	DefaultFrameworkCacheTTL     = time.Hour
)

// TestGenWorker generates unit tests for the intent's target files.
// It only ever runs when the parsed intent enables test generation.
type TestGenWorker struct {
	LLM     llm.Client
	Sandbox *sandbox.Manager

	// Frameworks caches detection results per owner/repo. A repo's
	// test framework does not change between reviews, so repeated
	// sessions skip the sandbox file listing.
	Frameworks *cache.Cache[string, string]
}

// NewTestGenWorker creates a test-generation worker.
func NewTestGenWorker(client llm.Client, mgr *sandbox.Manager) *TestGenWorker {
	return &TestGenWorker{
		LLM:        client,
		Sandbox:    mgr,
		Frameworks: cache.New[string, string](DefaultFrameworkCacheEntries, DefaultFrameworkCacheTTL),
	}
}

func (w *TestGenWorker) Name() string { return "testgen" }

// frameworkMarkers maps repository marker files to test frameworks,
// checked in order.
var frameworkMarkers = []struct {
	file      string
	framework string
}{
	{"go.mod", "go test"},
	{"pytest.ini", "pytest"},
	{"setup.cfg", "pytest"},
	{"pyproject.toml", "pytest"},
	{"requirements.txt", "pytest"},
	{"package.json", "jest"},
	{"pom.xml", "junit"},
	{"build.gradle", "junit"},
	{"Gemfile", "rspec"},
	{"Cargo.toml", "cargo test"},
}

// DetectFramework inspects the repository root inside the sandbox for
// framework marker files. Returns "" when nothing is recognizable.
func (w *TestGenWorker) DetectFramework(ctx context.Context, sessionID, repoPath string) string {
	paths, err := w.Sandbox.ListFiles(ctx, sessionID, repoPath, "")
	if err != nil {
		slog.Warn("listing repo root for framework detection failed", "sessionID", sessionID, "error", err)
		return ""
	}

	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		if i := strings.LastIndexByte(p, '/'); i >= 0 {
			p = p[i+1:]
		}
		present[p] = true
	}

	for _, m := range frameworkMarkers {
		if !present[m.file] {
			continue
		}
		// package.json needs a closer look: the repo may use vitest or mocha.
		if m.file == "package.json" {
			if content, err := w.Sandbox.ReadFile(ctx, sessionID, repoPath+"/package.json"); err == nil {
				switch {
				case strings.Contains(content, `"vitest"`):
					return "vitest"
				case strings.Contains(content, `"mocha"`):
					return "mocha"
				}
			}
		}
		return m.framework
	}
	return ""
}

// Run generates test files for targetFiles.
func (w *TestGenWorker) Run(ctx context.Context, req *review.Request, parserOut *review.ParserOutput, kbCtx *kb.PRContext, targetFiles []string, repoPath string) (*review.TestOutput, error) {
	repoKey := req.Owner + "/" + req.Repo
	framework, ok := w.Frameworks.Get(repoKey)
	if !ok {
		framework = w.DetectFramework(ctx, req.SessionID, repoPath)
		w.Frameworks.Set(repoKey, framework, 0)
	}
	if framework == "" {
		framework = "the repository's native test framework"
	}

	prompt, err := prompts.Execute("generate-tests.md", map[string]string{
		"Owner":         req.Owner,
		"Repo":          req.Repo,
		"RepoPath":      repoPath,
		"Framework":     framework,
		"ParserSummary": parserOut.Summary(),
		"KBContext":     renderKBContext(kbCtx),
		"Targets":       renderTargets(req, targetFiles),
	})
	if err != nil {
		return nil, fmt.Errorf("building test generation prompt: %w", err)
	}

	conversation := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	raw, err := w.LLM.Invoke(ctx, "", conversation)
	if err != nil {
		return nil, fmt.Errorf("test generation model call: %w", err)
	}

	out, err := llm.ParseJSONResponse[review.TestOutput](ctx, w.LLM, conversation, raw)
	if err != nil {
		return nil, fmt.Errorf("parsing test generation response: %w", err)
	}

	// Drop entries the model left incomplete.
	kept := out.Tests[:0]
	for _, test := range out.Tests {
		if test.Path != "" && test.Content != "" {
			kept = append(kept, test)
		}
	}
	out.Tests = kept

	slog.Info("test generation finished", "sessionID", req.SessionID,
		"framework", out.Framework, "tests", len(out.Tests))
	return &out, nil
}

// renderTargets includes each target's diff when the file is part of
// the request, so the model tests the new behavior.
func renderTargets(req *review.Request, targetFiles []string) string {
	diffs := make(map[string]string, len(req.Files))
	for _, f := range req.Files {
		diffs[f.Path] = f.Diff
	}

	var b strings.Builder
	for _, target := range targetFiles {
		b.WriteString("## " + target + "\n")
		if diff := diffs[target]; diff != "" {
			b.WriteString("```diff\n" + diff + "\n```\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
