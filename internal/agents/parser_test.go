package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrabbit/openrabbit/internal/review"
)

func TestAnalyzeFileGo(t *testing.T) {
	content := `package main

func parse(input string) error {
	if input == "" {
		return nil
	}
	for i := 0; i < len(input); i++ {
		if input[i] == ' ' {
			continue
		}
	}
	return validate(input)
}

func validate(input string) error {
	return nil
}
`
	analysis := AnalyzeFile(review.FileInfo{Path: "parser.go", Content: content})

	assert.Equal(t, "go", analysis.Language)
	require.Len(t, analysis.Symbols, 2)
	assert.Equal(t, "parse", analysis.Symbols[0].Name)
	assert.Equal(t, 1, analysis.Symbols[0].Params)
	assert.Greater(t, analysis.Symbols[0].Complexity, 1)

	require.NotEmpty(t, analysis.CallEdges)
	assert.Equal(t, review.CallEdge{Caller: "parse", Callee: "validate"}, analysis.CallEdges[0])
}

func TestAnalyzeFilePython(t *testing.T) {
	content := `class Widget:
    def __init__(self, name):
        self.name = name

    def render(self, width, height):
        if width > 0 and height > 0:
            return True
        return False
`
	analysis := AnalyzeFile(review.FileInfo{Path: "widget.py", Content: content})

	assert.Equal(t, "python", analysis.Language)
	var names []string
	for _, s := range analysis.Symbols {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "Widget")
	assert.Contains(t, names, "render")

	for _, s := range analysis.Symbols {
		if s.Name == "render" {
			// self does not count.
			assert.Equal(t, 2, s.Params)
		}
	}
}

func TestAnalyzeFileUnknownLanguage(t *testing.T) {
	analysis := AnalyzeFile(review.FileInfo{Path: "README.md", Content: "# hello"})
	assert.Empty(t, analysis.Language)
	assert.Empty(t, analysis.Symbols)
}

func TestParserWorkerHotspots(t *testing.T) {
	w := NewParserWorker()
	w.Analyze = func(file review.FileInfo) review.FileAnalysis {
		return review.FileAnalysis{
			Path: file.Path,
			Symbols: []review.Symbol{
				{Name: "tangled", Kind: "function", Line: 10, EndLine: 20, Params: 2, Complexity: 18},
				{Name: "busy", Kind: "function", Line: 30, EndLine: 40, Params: 7, Complexity: 12},
				{Name: "long", Kind: "function", Line: 50, EndLine: 120, Params: 1, Complexity: 3},
				{Name: "fine", Kind: "function", Line: 130, EndLine: 140, Params: 2, Complexity: 4},
			},
		}
	}

	out, err := w.Run(context.Background(), []review.FileInfo{{Path: "big.go"}})
	require.NoError(t, err)

	byKind := make(map[string][]review.Hotspot)
	for _, h := range out.Hotspots {
		byKind[h.Kind] = append(byKind[h.Kind], h)
	}

	require.Len(t, byKind["complexity"], 2)
	var levels []string
	for _, h := range byKind["complexity"] {
		levels = append(levels, h.Level)
	}
	assert.Contains(t, levels, review.HotspotCritical)
	assert.Contains(t, levels, review.HotspotWarning)

	require.Len(t, byKind["params"], 1)
	assert.Equal(t, "busy", byKind["params"][0].Symbol)

	require.Len(t, byKind["length"], 1)
	assert.Equal(t, "long", byKind["length"][0].Symbol)
}

func TestParserWorkerRunsAllFiles(t *testing.T) {
	w := NewParserWorker()
	w.Concurrency = 2

	files := make([]review.FileInfo, 10)
	for i := range files {
		files[i] = review.FileInfo{
			Path:    "file" + strings.Repeat("x", i) + ".go",
			Content: "package p\n\nfunc f() {}\n",
		}
	}

	out, err := w.Run(context.Background(), files)
	require.NoError(t, err)
	assert.Len(t, out.Files, 10)
}

func TestParserWorkerAnalyzerPanicRecorded(t *testing.T) {
	w := NewParserWorker()
	w.Analyze = func(file review.FileInfo) review.FileAnalysis {
		if file.Path == "bad.go" {
			panic("unexpected token")
		}
		return review.FileAnalysis{Path: file.Path}
	}

	out, err := w.Run(context.Background(), []review.FileInfo{{Path: "good.go"}, {Path: "bad.go"}})
	require.NoError(t, err)
	require.Len(t, out.Files, 2)

	for _, f := range out.Files {
		if f.Path == "bad.go" {
			assert.Contains(t, f.Error, "analyzer panic")
		} else {
			assert.Empty(t, f.Error)
		}
	}
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "go", DetectLanguage("internal/api/handler.go"))
	assert.Equal(t, "python", DetectLanguage("src/app.py"))
	assert.Equal(t, "typescript", DetectLanguage("web/App.TSX"))
	assert.Empty(t, DetectLanguage("Makefile"))
}
