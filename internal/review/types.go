// Package review defines the shared data model of the review pipeline:
// the files under review, the issues the workers produce, and the formatted
// output that ultimately reaches the hosting platform.
package review

import "strings"

// Severity classifies how serious a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities for sorting and merging. Lower is more severe.
var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// Rank returns the sort rank of the severity (critical first).
// Unknown severities rank after info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// MoreSevere reports whether s outranks other.
func (s Severity) MoreSevere(other Severity) bool {
	return s.Rank() < other.Rank()
}

// Downgrade returns the severity one level below s. Info stays info.
func (s Severity) Downgrade() Severity {
	switch s {
	case SeverityCritical:
		return SeverityHigh
	case SeverityHigh:
		return SeverityMedium
	case SeverityMedium:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// NormalizeSeverity maps free-form severity text onto the closed enum,
// defaulting to medium for anything unrecognized.
func NormalizeSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; ok {
		return sev
	}
	return SeverityMedium
}

// Category classifies what kind of problem a finding describes.
type Category string

const (
	CategorySecurity        Category = "security"
	CategoryBug             Category = "bug"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryStyle           Category = "style"
	CategoryErrorHandling   Category = "error_handling"
	CategoryDocumentation   Category = "documentation"
	CategoryComplexity      Category = "complexity"
	CategoryDeadCode        Category = "dead_code"
	CategoryOther           Category = "other"
)

var validCategories = map[Category]bool{
	CategorySecurity: true, CategoryBug: true, CategoryPerformance: true,
	CategoryMaintainability: true, CategoryStyle: true, CategoryErrorHandling: true,
	CategoryDocumentation: true, CategoryComplexity: true, CategoryDeadCode: true,
	CategoryOther: true,
}

// NormalizeCategory maps free-form category text onto the closed enum,
// defaulting to other.
func NormalizeCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if validCategories[c] {
		return c
	}
	return CategoryOther
}

// Issue sources.
const (
	SourceParser = "parser"
	SourceReview = "review"
	SourceMerged = "merged"
)

// FileInfo identifies one file under review. Created by the caller and
// read-only within the pipeline.
type FileInfo struct {
	Path       string `json:"path"`
	Content    string `json:"content,omitempty"`
	Diff       string `json:"diff,omitempty"`
	Language   string `json:"language,omitempty"`
	IsNew      bool   `json:"is_new,omitempty"`
	IsDeleted  bool   `json:"is_deleted,omitempty"`
	IsModified bool   `json:"is_modified,omitempty"`
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
}

// Request is the immutable input bundle for one review. SessionID uniquely
// identifies the review across retries.
type Request struct {
	Files          []FileInfo `json:"changed_files"`
	Owner          string     `json:"owner"`
	Repo           string     `json:"repo"`
	PRNumber       int        `json:"pr_number"`
	Branch         string     `json:"branch"`
	BaseBranch     string     `json:"base_branch,omitempty"`
	HeadOwner      string     `json:"head_owner,omitempty"`
	HeadRepo       string     `json:"head_repo,omitempty"`
	UserRequest    string     `json:"user_request,omitempty"`
	SessionID      string     `json:"session_id"`
	InstallationID int64      `json:"installation_id,omitempty"`
	TestMode       bool       `json:"test_mode,omitempty"`
	DryRun         bool       `json:"dry_run,omitempty"`
}

// IsFork reports whether the PR head lives in a repository distinct from the
// base, which requires a multi-remote clone.
func (r *Request) IsFork() bool {
	if r.HeadOwner == "" && r.HeadRepo == "" {
		return false
	}
	return (r.HeadOwner != "" && r.HeadOwner != r.Owner) ||
		(r.HeadRepo != "" && r.HeadRepo != r.Repo)
}

// Issue is one review finding.
type Issue struct {
	File          string   `json:"file"`
	Line          int      `json:"line"` // 1-indexed
	EndLine       int      `json:"end_line,omitempty"`
	Severity      Severity `json:"severity"`
	Category      Category `json:"category"`
	Message       string   `json:"message"`
	Suggestion    string   `json:"suggestion,omitempty"`
	SuggestedCode string   `json:"suggested_code,omitempty"`
	Confidence    float64  `json:"confidence"`
	Source        string   `json:"source"`
}

// Symbol is one declared symbol discovered by the static-analysis parser.
type Symbol struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"` // function, method, type, const, var
	Line       int    `json:"line"`
	EndLine    int    `json:"end_line,omitempty"`
	Params     int    `json:"params,omitempty"`
	Complexity int    `json:"complexity,omitempty"`
}

// CallEdge is one edge of the call graph: Caller invokes Callee.
type CallEdge struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

// FileAnalysis is the per-file result from the static-analysis parser.
type FileAnalysis struct {
	Path      string     `json:"path"`
	Language  string     `json:"language,omitempty"`
	Symbols   []Symbol   `json:"symbols,omitempty"`
	CallEdges []CallEdge `json:"call_edges,omitempty"`
	Error     string     `json:"error,omitempty"` // per-file parse failure, recorded not fatal
}

// Hotspot levels.
const (
	HotspotWarning  = "warning"
	HotspotCritical = "critical"
)

// Hotspot flags a code location exceeding a complexity / size / parameter
// threshold.
type Hotspot struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Symbol  string `json:"symbol,omitempty"`
	Kind    string `json:"kind"` // complexity, params, length
	Level   string `json:"level"`
	Message string `json:"message"`
	Value   int    `json:"value"`
	Limit   int    `json:"limit"`
}

// ParserOutput is the container result of the parser worker.
type ParserOutput struct {
	Files    []FileAnalysis `json:"files"`
	Hotspots []Hotspot      `json:"hotspots,omitempty"`
}

// Summary renders a compact one-file-per-line digest for LLM prompts.
func (p *ParserOutput) Summary() string {
	var b strings.Builder
	for _, f := range p.Files {
		b.WriteString(f.Path)
		if f.Language != "" {
			b.WriteString(" (" + f.Language + ")")
		}
		if f.Error != "" {
			b.WriteString(" [parse error: " + f.Error + "]")
		} else if n := len(f.Symbols); n > 0 {
			names := make([]string, 0, n)
			for _, s := range f.Symbols {
				names = append(names, s.Name)
			}
			b.WriteString(": " + strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	for _, h := range p.Hotspots {
		b.WriteString("hotspot: " + h.Message + "\n")
	}
	return b.String()
}

// Output is the container result of the reviewer worker.
type Output struct {
	Issues  []Issue `json:"issues"`
	Summary string  `json:"summary,omitempty"`
}

// GeneratedTestFile is one generated test file keyed by its target test path.
type GeneratedTestFile struct {
	Path       string `json:"path"` // target test file path within the repo
	TargetFile string `json:"target_file,omitempty"`
	Framework  string `json:"framework,omitempty"`
	Content    string `json:"content"`
}

// TestOutput is the container result of the test-generation worker.
type TestOutput struct {
	Framework string              `json:"framework,omitempty"`
	Tests     []GeneratedTestFile `json:"tests"`
}

// Drop reasons for comments excluded from the formatted review.
const (
	DropNotInDiff     = "not_in_diff"
	DropFileNotInDiff = "file_not_in_diff"
	DropMerged        = "merged"
	DropLimitExceeded = "limit_exceeded"
	DropKBRejected    = "kb_rejected_precedent"
)

// FormattedInlineComment is one rendered line-anchored comment. When
// StartLine is set the comment spans StartLine..Line.
type FormattedInlineComment struct {
	Path      string   `json:"path"`
	Line      int      `json:"line"`
	StartLine int      `json:"start_line,omitempty"`
	Body      string   `json:"body"`
	Severity  Severity `json:"severity"`
}

// DroppedComment records one issue excluded from the posted review and why.
type DroppedComment struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// FormattedReview is the formatter worker's result.
type FormattedReview struct {
	SummaryBody    string                   `json:"summary_body"`
	InlineComments []FormattedInlineComment `json:"inline_comments"`
	Dropped        []DroppedComment         `json:"dropped,omitempty"`
}

// Stats are the formatting counters surfaced on completed tasks.
type Stats struct {
	FilesReviewed        int `json:"files_reviewed"`
	TotalRawComments     int `json:"total_raw_comments"`
	CommentsOnValidLines int `json:"comments_on_valid_lines"`
	InlineCommentsPosted int `json:"inline_comments_posted"`
	CommentsDropped      int `json:"comments_dropped"`
}
