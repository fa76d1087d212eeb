package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/openrabbit/openrabbit/internal/llm"
	"github.com/openrabbit/openrabbit/internal/prompts"
	"github.com/openrabbit/openrabbit/internal/review"
)

// DefaultMaxComments caps the inline comments posted on one PR.
const DefaultMaxComments = 20

var severityEmoji = map[review.Severity]string{
	review.SeverityCritical: "🔴",
	review.SeverityHigh:     "🟠",
	review.SeverityMedium:   "🟡",
	review.SeverityLow:      "🔵",
	review.SeverityInfo:     "⚪",
}

// FormatterWorker renders raw issues into the posted review. An LLM
// pass is attempted first for prose quality; the deterministic path is
// the fallback and produces fully equivalent output. Either way, every
// emitted comment is anchored on a changed line.
type FormatterWorker struct {
	LLM         llm.Client // nil disables the LLM pass
	MaxComments int
}

// NewFormatterWorker creates a formatter with the default comment cap.
func NewFormatterWorker(client llm.Client) *FormatterWorker {
	return &FormatterWorker{LLM: client, MaxComments: DefaultMaxComments}
}

func (w *FormatterWorker) Name() string { return "formatter" }

// Run formats issues against the diff.
func (w *FormatterWorker) Run(ctx context.Context, issues []review.Issue, validLines review.ValidLines, diffs map[string]string) (*review.FormattedReview, review.Stats) {
	maxComments := w.MaxComments
	if maxComments <= 0 {
		maxComments = DefaultMaxComments
	}

	// Partition against the diff.
	var valid []review.Issue
	var dropped []review.DroppedComment
	for _, issue := range issues {
		switch {
		case !validLines.HasFile(issue.File):
			dropped = append(dropped, review.DroppedComment{
				File: issue.File, Line: issue.Line,
				Reason: review.DropFileNotInDiff, Message: issue.Message,
			})
		case !validLines.Contains(issue.File, issue.Line):
			dropped = append(dropped, review.DroppedComment{
				File: issue.File, Line: issue.Line,
				Reason: review.DropNotInDiff, Message: issue.Message,
			})
		default:
			valid = append(valid, issue)
		}
	}

	stats := review.Stats{
		TotalRawComments:     len(issues),
		CommentsOnValidLines: len(valid),
	}

	if len(valid) == 0 {
		out := &review.FormattedReview{
			SummaryBody: noIssuesSummary(len(dropped)),
			Dropped:     dropped,
		}
		stats.CommentsDropped = len(dropped)
		return out, stats
	}

	if w.LLM != nil {
		if out, ok := w.tryLLMFormat(ctx, valid, validLines, diffs, maxComments); ok {
			out.Dropped = append(out.Dropped, dropped...)
			stats.InlineCommentsPosted = len(out.InlineComments)
			stats.CommentsDropped = len(out.Dropped)
			return out, stats
		}
		slog.Debug("LLM formatting unusable, using deterministic formatter")
	}

	out := w.deterministicFormat(valid, validLines, dropped, maxComments)
	stats.InlineCommentsPosted = len(out.InlineComments)
	stats.CommentsDropped = len(out.Dropped)
	return out, stats
}

// tryLLMFormat asks the model to write the review, then verifies the
// result still satisfies the formatting contract: within the cap,
// every comment on a changed line, at most one comment per line. Any
// violation rejects the whole attempt.
func (w *FormatterWorker) tryLLMFormat(ctx context.Context, valid []review.Issue, validLines review.ValidLines, diffs map[string]string, maxComments int) (*review.FormattedReview, bool) {
	issuesJSON, err := json.Marshal(valid)
	if err != nil {
		return nil, false
	}
	var diffText strings.Builder
	for path, diff := range diffs {
		diffText.WriteString("## " + path + "\n```diff\n" + diff + "\n```\n")
	}

	prompt, err := prompts.Execute("format-comments.md", map[string]string{
		"Issues":      string(issuesJSON),
		"Diffs":       diffText.String(),
		"MaxComments": strconv.Itoa(maxComments),
	})
	if err != nil {
		return nil, false
	}

	conversation := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	raw, err := w.LLM.Invoke(ctx, "", conversation)
	if err != nil {
		slog.Warn("LLM formatting call failed, falling back", "error", err)
		return nil, false
	}

	out, err := llm.ParseJSONResponse[review.FormattedReview](ctx, w.LLM, conversation, raw)
	if err != nil {
		slog.Warn("LLM formatting response unparseable, falling back", "error", err)
		return nil, false
	}

	if len(out.InlineComments) > maxComments || out.SummaryBody == "" {
		return nil, false
	}
	seen := make(map[string]bool, len(out.InlineComments))
	for i := range out.InlineComments {
		c := &out.InlineComments[i]
		if !validLines.Contains(c.Path, c.Line) {
			return nil, false
		}
		key := c.Path + ":" + strconv.Itoa(c.Line)
		if seen[key] {
			return nil, false
		}
		seen[key] = true
		c.Severity = review.NormalizeSeverity(string(c.Severity))
	}
	return &out, true
}

// commentGroup is all issues anchored at one (file, line).
type commentGroup struct {
	file   string
	line   int
	issues []review.Issue
}

func (g *commentGroup) maxSeverity() review.Severity {
	top := g.issues[0].Severity
	for _, issue := range g.issues[1:] {
		if issue.Severity.MoreSevere(top) {
			top = issue.Severity
		}
	}
	return top
}

// deterministicFormat is the always-correct rendering path.
func (w *FormatterWorker) deterministicFormat(valid []review.Issue, validLines review.ValidLines, dropped []review.DroppedComment, maxComments int) *review.FormattedReview {
	// Severity-first ordering inside and across groups.
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Severity.Rank() < valid[j].Severity.Rank()
	})

	groupIndex := make(map[string]int)
	var groups []*commentGroup
	for _, issue := range valid {
		key := issue.File + ":" + strconv.Itoa(issue.Line)
		if i, ok := groupIndex[key]; ok {
			groups[i].issues = append(groups[i].issues, issue)
			continue
		}
		groupIndex[key] = len(groups)
		groups = append(groups, &commentGroup{file: issue.File, line: issue.Line, issues: []review.Issue{issue}})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		ri, rj := groups[i].maxSeverity().Rank(), groups[j].maxSeverity().Rank()
		if ri != rj {
			return ri < rj
		}
		if groups[i].file != groups[j].file {
			return groups[i].file < groups[j].file
		}
		return groups[i].line < groups[j].line
	})

	kept := groups
	if len(groups) > maxComments {
		kept = groups[:maxComments]
		for _, g := range groups[maxComments:] {
			for _, issue := range g.issues {
				dropped = append(dropped, review.DroppedComment{
					File: g.file, Line: g.line,
					Reason: review.DropLimitExceeded, Message: issue.Message,
				})
			}
		}
	}

	out := &review.FormattedReview{Dropped: dropped}
	for _, g := range kept {
		out.InlineComments = append(out.InlineComments, renderGroup(g, validLines))
	}
	out.SummaryBody = buildSummary(valid, out.InlineComments, dropped)
	return out
}

// renderGroup renders one (file, line) group as a single comment.
// Multi-issue groups get one collapsible section per issue.
func renderGroup(g *commentGroup, validLines review.ValidLines) review.FormattedInlineComment {
	comment := review.FormattedInlineComment{
		Path:     g.file,
		Line:     g.line,
		Severity: g.maxSeverity(),
	}

	// An issue spanning past its anchor line promotes the comment to a
	// multi-line range, but only while the new anchor still lands on a
	// changed line; a span ending outside the diff keeps the single-line
	// anchor.
	for _, issue := range g.issues {
		if issue.EndLine <= g.line || !validLines.Contains(g.file, issue.EndLine) {
			continue
		}
		comment.StartLine = g.line
		if issue.EndLine > comment.Line {
			comment.Line = issue.EndLine
		}
	}

	var b strings.Builder
	if len(g.issues) == 1 {
		issue := g.issues[0]
		fmt.Fprintf(&b, "%s **%s** (%s)\n\n%s\n", severityEmoji[issue.Severity], issue.Severity, issue.Category, issue.Message)
		writeSuggestion(&b, issue)
	} else {
		fmt.Fprintf(&b, "%s **%d findings on this line**\n", severityEmoji[comment.Severity], len(g.issues))
		for _, issue := range g.issues {
			fmt.Fprintf(&b, "\n<details>\n<summary>%s %s [%s]: %s</summary>\n\n%s\n",
				severityEmoji[issue.Severity], issue.Severity, issue.Category, firstLine(issue.Message), issue.Message)
			writeSuggestion(&b, issue)
			b.WriteString("\n</details>\n")
		}
	}
	comment.Body = b.String()
	return comment
}

func writeSuggestion(b *strings.Builder, issue review.Issue) {
	if issue.Suggestion != "" {
		fmt.Fprintf(b, "\n**Suggestion:** %s\n", issue.Suggestion)
	}
	if issue.SuggestedCode != "" {
		fmt.Fprintf(b, "\n```suggestion\n%s\n```\n", issue.SuggestedCode)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return s
}

// buildSummary writes the review summary with severity and category
// breakdowns plus drop accounting.
func buildSummary(valid []review.Issue, comments []review.FormattedInlineComment, dropped []review.DroppedComment) string {
	bySeverity := make(map[review.Severity]int)
	byCategory := make(map[review.Category]int)
	for _, issue := range valid {
		bySeverity[issue.Severity]++
		byCategory[issue.Category]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Code review\n\n%d finding(s) on changed lines, %d inline comment(s) posted.\n", len(valid), len(comments))

	b.WriteString("\n**By severity:**\n")
	for _, sev := range []review.Severity{review.SeverityCritical, review.SeverityHigh, review.SeverityMedium, review.SeverityLow, review.SeverityInfo} {
		if n := bySeverity[sev]; n > 0 {
			fmt.Fprintf(&b, "- %s %s: %d\n", severityEmoji[sev], sev, n)
		}
	}

	b.WriteString("\n**By category:**\n")
	categories := make([]review.Category, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	for _, c := range categories {
		fmt.Fprintf(&b, "- %s: %d\n", c, byCategory[c])
	}

	outOfDiff, overLimit := 0, 0
	for _, d := range dropped {
		switch d.Reason {
		case review.DropNotInDiff, review.DropFileNotInDiff:
			outOfDiff++
		case review.DropLimitExceeded:
			overLimit++
		}
	}
	if outOfDiff > 0 || overLimit > 0 {
		b.WriteString("\n")
		if outOfDiff > 0 {
			fmt.Fprintf(&b, "%d finding(s) outside the changed lines were not posted.\n", outOfDiff)
		}
		if overLimit > 0 {
			fmt.Fprintf(&b, "%d finding(s) beyond the comment limit were folded into this summary.\n", overLimit)
		}
	}
	return b.String()
}

// noIssuesSummary is the fixed template when nothing lands on a
// changed line.
func noIssuesSummary(outOfDiff int) string {
	s := "## Code review\n\nNo issues found on changed lines."
	if outOfDiff > 0 {
		s += fmt.Sprintf("\n\n%d finding(s) outside the changed lines were not posted.", outOfDiff)
	}
	return s
}
