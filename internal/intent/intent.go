// Package intent classifies a free-text user request into a review intent.
//
// The pattern tables are load-bearing for the "never auto-invoke test
// generation" safety rule: tests are never generated without an explicit
// keyword match, independent of any other signal. Treat the tables as
// append-only and keep the negative-case tests green when extending them.
package intent

import (
	"regexp"
	"strings"
)

// Type is the review intent variant.
type Type string

const (
	ReviewOnly     Type = "review_only"
	ReviewAndTests Type = "review_and_tests"
	TestsOnly      Type = "tests_only"
)

// Intent is the classification result derived from a user request.
type Intent struct {
	Type                Type     `json:"type"`
	ShouldReview        bool     `json:"should_review"`
	ShouldGenerateTests bool     `json:"should_generate_tests"`
	TestTargets         []string `json:"test_targets,omitempty"`
}

// Evaluated in order; first match wins.
var (
	testsOnlyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*tests?\s+only\b`),
		regexp.MustCompile(`(?i)^\s*only\s+(generate|write|create)\s+tests?\b`),
		regexp.MustCompile(`(?i)^\s*just\s+(write|create)\s+tests?\b`),
	}

	reviewOnlyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*review\s+only\b`),
		regexp.MustCompile(`(?i)^\s*only\s+review\b`),
		regexp.MustCompile(`(?i)\bno\s+tests?\b`),
		regexp.MustCompile(`(?i)\bwithout\s+tests?\b`),
		regexp.MustCompile(`(?i)\bskip\s+tests?\b`),
	}

	testRequestPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(generate|write|create|add)\s+(unit\s+)?tests?\b`),
		regexp.MustCompile(`(?i)\bunit\s+tests?\b`),
		regexp.MustCompile(`(?i)\btest\s+generation\b`),
	}

	// targetRe captures file-path-like tokens following "for" or "test(s)".
	targetRe = regexp.MustCompile(`(?i)(?:for|tests?)\s+([\w./\-]+\.[\w]+)`)
)

// Parse classifies userRequest. changedFiles is the fallback test-target list
// when test generation is requested without explicit targets.
func Parse(userRequest string, changedFiles []string) Intent {
	text := strings.TrimSpace(userRequest)

	for _, re := range testsOnlyPatterns {
		if re.MatchString(text) {
			return Intent{
				Type:                TestsOnly,
				ShouldReview:        false,
				ShouldGenerateTests: true,
				TestTargets:         extractTargets(text, changedFiles),
			}
		}
	}

	for _, re := range reviewOnlyPatterns {
		if re.MatchString(text) {
			return Intent{Type: ReviewOnly, ShouldReview: true}
		}
	}

	for _, re := range testRequestPatterns {
		if re.MatchString(text) {
			return Intent{
				Type:                ReviewAndTests,
				ShouldReview:        true,
				ShouldGenerateTests: true,
				TestTargets:         extractTargets(text, changedFiles),
			}
		}
	}

	return Intent{Type: ReviewOnly, ShouldReview: true}
}

// extractTargets pulls file-path tokens out of the request text, falling back
// to the full changed-file list when none are named.
func extractTargets(text string, changedFiles []string) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, m := range targetRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			targets = append(targets, m[1])
		}
	}
	if len(targets) == 0 {
		targets = append(targets, changedFiles...)
	}
	return targets
}
