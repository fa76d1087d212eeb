// Package aggregate merges parser and reviewer findings into one
// enriched issue set: hotspot enrichment, same-line deduplication, and
// conservative filtering against knowledge-base precedent. The
// aggregator never invents issues; it only adds parser hotspots,
// collapses duplicates, and removes KB-rejected findings.
package aggregate

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/openrabbit/openrabbit/internal/kb"
	"github.com/openrabbit/openrabbit/internal/review"
)

// SimilarityThreshold is the minimum KB match similarity that may
// influence an issue. Below it, learnings are ignored entirely.
const SimilarityThreshold = 0.8

// Aggregator reduces worker outputs into the final issue set.
type Aggregator struct {
	Similarity float64
}

// New creates an aggregator with the default similarity threshold.
func New() *Aggregator {
	return &Aggregator{Similarity: SimilarityThreshold}
}

// Run enriches, deduplicates, and KB-filters the review output.
// Returned drops carry reason kb_rejected_precedent.
func (a *Aggregator) Run(parserOut *review.ParserOutput, reviewOut *review.Output, kbCtx *kb.PRContext) (*review.Output, []review.DroppedComment) {
	issues := enrich(parserOut, reviewOut)
	issues = dedupe(issues)
	issues, dropped := a.filterKB(issues, kbCtx)

	out := &review.Output{Issues: issues}
	if reviewOut != nil {
		out.Summary = reviewOut.Summary
	}
	slog.Debug("aggregation finished", "issues", len(issues), "kbDropped", len(dropped))
	return out, dropped
}

// enrich adds synthetic issues for parser hotspots not already covered
// by a reviewer finding at the same location.
func enrich(parserOut *review.ParserOutput, reviewOut *review.Output) []review.Issue {
	var issues []review.Issue
	covered := make(map[string]bool)
	if reviewOut != nil {
		issues = append(issues, reviewOut.Issues...)
		for _, issue := range reviewOut.Issues {
			covered[locationKey(issue.File, issue.Line)] = true
		}
	}
	if parserOut == nil {
		return issues
	}

	for _, h := range parserOut.Hotspots {
		if covered[locationKey(h.File, h.Line)] {
			continue
		}
		severity := review.SeverityMedium
		if h.Level == review.HotspotCritical {
			severity = review.SeverityHigh
		}
		issues = append(issues, review.Issue{
			File:       h.File,
			Line:       h.Line,
			Severity:   severity,
			Category:   review.CategoryComplexity,
			Message:    h.Message,
			Confidence: 1.0, // static measurement, not a model guess
			Source:     review.SourceParser,
		})
	}
	return issues
}

// dedupe collapses issues sharing (file, line, normalized message),
// keeping the highest severity and marking mixed origins as merged.
func dedupe(issues []review.Issue) []review.Issue {
	type slot struct{ index int }
	seen := make(map[string]slot, len(issues))
	var out []review.Issue

	for _, issue := range issues {
		key := locationKey(issue.File, issue.Line) + "|" + normalizeMessage(issue.Message)
		if s, ok := seen[key]; ok {
			kept := &out[s.index]
			if issue.Severity.MoreSevere(kept.Severity) {
				kept.Severity = issue.Severity
			}
			if issue.Source != kept.Source {
				kept.Source = review.SourceMerged
			}
			if issue.Confidence > kept.Confidence {
				kept.Confidence = issue.Confidence
			}
			continue
		}
		seen[key] = slot{index: len(out)}
		out = append(out, issue)
	}
	return out
}

// filterKB compares each issue against past learnings. Rejected
// precedent drops the issue; accepted precedent downgrades it one
// severity level. Low-similarity matches never filter.
func (a *Aggregator) filterKB(issues []review.Issue, kbCtx *kb.PRContext) ([]review.Issue, []review.DroppedComment) {
	if kbCtx == nil || len(kbCtx.Learnings) == 0 {
		return issues, nil
	}
	threshold := a.Similarity
	if threshold <= 0 {
		threshold = SimilarityThreshold
	}

	var kept []review.Issue
	var dropped []review.DroppedComment
	for _, issue := range issues {
		outcome := bestMatch(issue, kbCtx.Learnings, threshold)
		switch outcome {
		case kb.OutcomeRejected:
			dropped = append(dropped, review.DroppedComment{
				File: issue.File, Line: issue.Line,
				Reason: review.DropKBRejected, Message: issue.Message,
			})
		case kb.OutcomeAccepted:
			issue.Severity = issue.Severity.Downgrade()
			kept = append(kept, issue)
		default:
			kept = append(kept, issue)
		}
	}
	return kept, dropped
}

// bestMatch returns the outcome of the strongest learning above the
// threshold that matches the issue, or "".
func bestMatch(issue review.Issue, learnings []kb.Learning, threshold float64) string {
	best := ""
	bestSim := threshold
	normalized := normalizeMessage(issue.Message)
	for _, l := range learnings {
		if l.Similarity < bestSim {
			continue
		}
		if l.File != "" && l.File != issue.File {
			continue
		}
		if l.Content != "" && !related(normalized, normalizeMessage(l.Content)) {
			continue
		}
		best = l.Outcome
		bestSim = l.Similarity
	}
	return best
}

// related is a cheap textual containment check between an issue and a
// learning; the KB service already did the semantic matching and
// reported similarity.
func related(issueMsg, learning string) bool {
	return strings.Contains(learning, issueMsg) || strings.Contains(issueMsg, learning) ||
		sharedWord(issueMsg, learning)
}

func sharedWord(a, b string) bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		if len(w) > 4 {
			words[w] = true
		}
	}
	for _, w := range strings.Fields(b) {
		if words[w] {
			return true
		}
	}
	return false
}

func locationKey(file string, line int) string {
	return file + ":" + strconv.Itoa(line)
}

func normalizeMessage(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
