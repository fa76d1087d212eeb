package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrabbit/openrabbit/internal/kb"
	"github.com/openrabbit/openrabbit/internal/review"
)

func TestEnrichHotspots(t *testing.T) {
	parserOut := &review.ParserOutput{
		Hotspots: []review.Hotspot{
			{File: "a.go", Line: 10, Kind: "complexity", Level: review.HotspotCritical, Message: "parse has cyclomatic complexity 18 (limit 15)"},
			{File: "a.go", Line: 40, Kind: "params", Level: review.HotspotWarning, Message: "build takes 7 parameters (limit 5)"},
			{File: "a.go", Line: 70, Kind: "length", Level: review.HotspotWarning, Message: "render spans 90 lines (limit 50)"},
		},
	}
	reviewOut := &review.Output{
		Issues: []review.Issue{
			// Covers the hotspot at a.go:40.
			{File: "a.go", Line: 40, Severity: review.SeverityHigh, Category: review.CategoryBug, Message: "race on shared state", Source: review.SourceReview},
		},
	}

	out, dropped := New().Run(parserOut, reviewOut, nil)
	require.Empty(t, dropped)
	require.Len(t, out.Issues, 3, "covered hotspot not duplicated")

	synthetic := make(map[int]review.Issue)
	for _, issue := range out.Issues {
		if issue.Source == review.SourceParser {
			synthetic[issue.Line] = issue
		}
	}
	require.Len(t, synthetic, 2)
	assert.Equal(t, review.SeverityHigh, synthetic[10].Severity, "critical hotspot maps to high")
	assert.Equal(t, review.SeverityMedium, synthetic[70].Severity, "warning hotspot maps to medium")
	assert.Equal(t, review.CategoryComplexity, synthetic[10].Category)
}

func TestDedupeKeepsMaxSeverity(t *testing.T) {
	reviewOut := &review.Output{
		Issues: []review.Issue{
			{File: "a.go", Line: 5, Severity: review.SeverityLow, Category: review.CategoryStyle, Message: "Unchecked Error ", Source: review.SourceReview, Confidence: 0.6},
			{File: "a.go", Line: 5, Severity: review.SeverityHigh, Category: review.CategoryBug, Message: "unchecked error", Source: review.SourceParser, Confidence: 0.9},
			{File: "a.go", Line: 5, Severity: review.SeverityMedium, Category: review.CategoryBug, Message: "different message", Source: review.SourceReview},
		},
	}

	out, _ := New().Run(nil, reviewOut, nil)
	require.Len(t, out.Issues, 2, "same-message duplicates collapse, distinct messages survive")

	merged := out.Issues[0]
	assert.Equal(t, review.SeverityHigh, merged.Severity)
	assert.Equal(t, review.SourceMerged, merged.Source)
	assert.Equal(t, 0.9, merged.Confidence)
}

func TestAggregatorNeverExpands(t *testing.T) {
	reviewOut := &review.Output{
		Issues: []review.Issue{
			{File: "a.go", Line: 1, Severity: review.SeverityMedium, Category: review.CategoryStyle, Message: "one"},
			{File: "a.go", Line: 2, Severity: review.SeverityMedium, Category: review.CategoryStyle, Message: "two"},
		},
	}

	out, dropped := New().Run(&review.ParserOutput{}, reviewOut, nil)
	assert.LessOrEqual(t, len(out.Issues)+len(dropped), 2)
}

func TestKBFilterRejectedPrecedent(t *testing.T) {
	reviewOut := &review.Output{
		Issues: []review.Issue{
			{File: "gen.go", Line: 3, Severity: review.SeverityMedium, Category: review.CategoryStyle, Message: "missing nil check on config"},
			{File: "api.go", Line: 8, Severity: review.SeverityHigh, Category: review.CategoryBug, Message: "response body never closed"},
		},
	}
	kbCtx := &kb.PRContext{
		Learnings: []kb.Learning{
			{Content: "missing nil check suggestions are noise here", Outcome: kb.OutcomeRejected, Similarity: 0.92},
		},
	}

	out, dropped := New().Run(nil, reviewOut, kbCtx)

	require.Len(t, dropped, 1)
	assert.Equal(t, review.DropKBRejected, dropped[0].Reason)
	assert.Equal(t, "gen.go", dropped[0].File)

	require.Len(t, out.Issues, 1)
	assert.Equal(t, "api.go", out.Issues[0].File)
}

func TestKBFilterAcceptedDowngrades(t *testing.T) {
	reviewOut := &review.Output{
		Issues: []review.Issue{
			{File: "api.go", Line: 8, Severity: review.SeverityCritical, Category: review.CategorySecurity, Message: "possible query injection in search"},
		},
	}
	kbCtx := &kb.PRContext{
		Learnings: []kb.Learning{
			{Content: "query injection findings were accepted before", Outcome: kb.OutcomeAccepted, Similarity: 0.9},
		},
	}

	out, dropped := New().Run(nil, reviewOut, kbCtx)
	require.Empty(t, dropped)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, review.SeverityHigh, out.Issues[0].Severity, "accepted precedent downgrades one level")
}

func TestKBFilterIgnoresLowSimilarity(t *testing.T) {
	reviewOut := &review.Output{
		Issues: []review.Issue{
			{File: "api.go", Line: 8, Severity: review.SeverityHigh, Category: review.CategoryBug, Message: "response body never closed"},
		},
	}
	kbCtx := &kb.PRContext{
		Learnings: []kb.Learning{
			{Content: "response body never closed", Outcome: kb.OutcomeRejected, Similarity: 0.4},
		},
	}

	out, dropped := New().Run(nil, reviewOut, kbCtx)
	assert.Empty(t, dropped, "low-similarity matches never filter")
	require.Len(t, out.Issues, 1)
	assert.Equal(t, review.SeverityHigh, out.Issues[0].Severity)
}

func TestNoKBContext(t *testing.T) {
	reviewOut := &review.Output{
		Issues:  []review.Issue{{File: "a.go", Line: 1, Severity: review.SeverityLow, Category: review.CategoryStyle, Message: "x"}},
		Summary: "looks fine overall",
	}

	out, dropped := New().Run(nil, reviewOut, nil)
	assert.Empty(t, dropped)
	assert.Len(t, out.Issues, 1)
	assert.Equal(t, "looks fine overall", out.Summary)
}
