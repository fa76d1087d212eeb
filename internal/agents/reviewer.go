package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/openrabbit/openrabbit/internal/kb"
	"github.com/openrabbit/openrabbit/internal/llm"
	"github.com/openrabbit/openrabbit/internal/prompts"
	"github.com/openrabbit/openrabbit/internal/review"
)

// DefaultMinConfidence drops reviewer findings the model itself is
// unsure about.
const DefaultMinConfidence = 0.5

// reviewAttempts bounds model calls for one review stage; the stage
// degrades to parser findings only after the last attempt fails.
const reviewAttempts = 2

// ReviewWorker asks the LLM for findings over the changed files. It
// reports on any line the model flags; filtering to diff lines is the
// formatter's job.
type ReviewWorker struct {
	LLM           llm.Client
	MinConfidence float64
}

// NewReviewWorker creates a review worker with the default confidence
// floor.
func NewReviewWorker(client llm.Client) *ReviewWorker {
	return &ReviewWorker{LLM: client, MinConfidence: DefaultMinConfidence}
}

func (w *ReviewWorker) Name() string { return "reviewer" }

// rawIssue is the model's JSON shape before enum normalization.
type rawIssue struct {
	File          string  `json:"file"`
	Line          int     `json:"line"`
	EndLine       int     `json:"end_line"`
	Severity      string  `json:"severity"`
	Category      string  `json:"category"`
	Message       string  `json:"message"`
	Suggestion    string  `json:"suggestion"`
	SuggestedCode string  `json:"suggested_code"`
	Confidence    float64 `json:"confidence"`
}

// Run produces the review findings for the request.
func (w *ReviewWorker) Run(ctx context.Context, req *review.Request, parserOut *review.ParserOutput, kbCtx *kb.PRContext) (*review.Output, error) {
	prompt, err := prompts.Execute("review.md", map[string]string{
		"Owner":         req.Owner,
		"Repo":          req.Repo,
		"PRNumber":      strconv.Itoa(req.PRNumber),
		"Branch":        req.Branch,
		"UserRequest":   req.UserRequest,
		"ParserSummary": parserOut.Summary(),
		"KBContext":     renderKBContext(kbCtx),
		"Files":         renderFiles(req.Files),
	})
	if err != nil {
		return nil, fmt.Errorf("building review prompt: %w", err)
	}

	conversation := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	var raw string
	for attempt := 1; ; attempt++ {
		raw, err = w.LLM.Invoke(ctx, "", conversation)
		if err == nil {
			break
		}
		if attempt >= reviewAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("review model call: %w", err)
		}
		slog.Warn("review model call failed, retrying",
			"sessionID", req.SessionID, "attempt", attempt, "error", err)
	}

	rawIssues, err := llm.ParseJSONResponse[[]rawIssue](ctx, w.LLM, conversation, raw)
	if err != nil {
		return nil, fmt.Errorf("parsing review response: %w", err)
	}

	minConfidence := w.MinConfidence
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}

	out := &review.Output{}
	lowConfidence := 0
	for _, ri := range rawIssues {
		if ri.File == "" || ri.Line <= 0 || ri.Message == "" {
			continue
		}
		if ri.Confidence < minConfidence {
			lowConfidence++
			continue
		}
		out.Issues = append(out.Issues, review.Issue{
			File:          ri.File,
			Line:          ri.Line,
			EndLine:       ri.EndLine,
			Severity:      review.NormalizeSeverity(ri.Severity),
			Category:      review.NormalizeCategory(ri.Category),
			Message:       ri.Message,
			Suggestion:    ri.Suggestion,
			SuggestedCode: ri.SuggestedCode,
			Confidence:    ri.Confidence,
			Source:        review.SourceReview,
		})
	}

	slog.Info("review worker finished", "sessionID", req.SessionID,
		"issues", len(out.Issues), "droppedLowConfidence", lowConfidence)
	return out, nil
}

func renderKBContext(kbCtx *kb.PRContext) string {
	if kbCtx == nil {
		return ""
	}
	var b strings.Builder
	if kbCtx.Summary != "" {
		b.WriteString(kbCtx.Summary)
		b.WriteString("\n")
	}
	for _, l := range kbCtx.Learnings {
		b.WriteString("- ")
		if l.Outcome != "" {
			b.WriteString("[" + l.Outcome + "] ")
		}
		b.WriteString(l.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func renderFiles(files []review.FileInfo) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("## " + f.Path + "\n\n")
		if f.Diff != "" {
			b.WriteString("```diff\n" + f.Diff + "\n```\n\n")
		}
		if f.Content != "" {
			b.WriteString("Full file:\n```\n" + f.Content + "\n```\n\n")
		}
	}
	return b.String()
}
