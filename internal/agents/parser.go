// Package agents implements the worker agents of the review pipeline:
// static-analysis parser, LLM reviewer, test generator, and comment
// formatter. Workers are plain functions over typed inputs; the
// supervisor instantiates them per review.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openrabbit/openrabbit/internal/review"
)

// Hotspot thresholds.
const (
	complexityWarnAt = 10
	complexityCritAt = 15
	paramsWarnAt     = 5
	spanWarnAt       = 50
)

// AnalyzeFunc produces the static analysis for one file. The default
// is the built-in heuristic analyzer; tests inject their own.
type AnalyzeFunc func(file review.FileInfo) review.FileAnalysis

// ParserWorker runs static analysis over the changed files. It makes
// no LLM calls; files are analyzed concurrently and accumulated
// unordered.
type ParserWorker struct {
	Analyze     AnalyzeFunc
	Concurrency int
}

// NewParserWorker creates a parser worker with the built-in analyzer
// and CPU-count concurrency.
func NewParserWorker() *ParserWorker {
	return &ParserWorker{
		Analyze:     AnalyzeFile,
		Concurrency: runtime.NumCPU(),
	}
}

func (w *ParserWorker) Name() string { return "parser" }

// Run analyzes every file and derives hotspots from the symbol
// metrics. Per-file analysis failures are recorded on the file entry,
// never propagated.
func (w *ParserWorker) Run(ctx context.Context, files []review.FileInfo) (*review.ParserOutput, error) {
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	var mu sync.Mutex
	out := &review.ParserOutput{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, file := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			analysis := func() (a review.FileAnalysis) {
				defer func() {
					if r := recover(); r != nil {
						a = review.FileAnalysis{Path: file.Path, Error: fmt.Sprintf("analyzer panic: %v", r)}
					}
				}()
				return w.Analyze(file)
			}()

			mu.Lock()
			out.Files = append(out.Files, analysis)
			out.Hotspots = append(out.Hotspots, deriveHotspots(analysis)...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("parser worker finished", "files", len(out.Files), "hotspots", len(out.Hotspots))
	return out, nil
}

// deriveHotspots applies the complexity, parameter-count, and length
// thresholds to the file's symbols.
func deriveHotspots(a review.FileAnalysis) []review.Hotspot {
	var hotspots []review.Hotspot
	for _, sym := range a.Symbols {
		if sym.Complexity > complexityCritAt {
			hotspots = append(hotspots, review.Hotspot{
				File: a.Path, Line: sym.Line, Symbol: sym.Name,
				Kind: "complexity", Level: review.HotspotCritical,
				Message: fmt.Sprintf("%s has cyclomatic complexity %d (limit %d)", sym.Name, sym.Complexity, complexityCritAt),
				Value:   sym.Complexity, Limit: complexityCritAt,
			})
		} else if sym.Complexity > complexityWarnAt {
			hotspots = append(hotspots, review.Hotspot{
				File: a.Path, Line: sym.Line, Symbol: sym.Name,
				Kind: "complexity", Level: review.HotspotWarning,
				Message: fmt.Sprintf("%s has cyclomatic complexity %d (limit %d)", sym.Name, sym.Complexity, complexityWarnAt),
				Value:   sym.Complexity, Limit: complexityWarnAt,
			})
		}
		if sym.Params > paramsWarnAt {
			hotspots = append(hotspots, review.Hotspot{
				File: a.Path, Line: sym.Line, Symbol: sym.Name,
				Kind: "params", Level: review.HotspotWarning,
				Message: fmt.Sprintf("%s takes %d parameters (limit %d)", sym.Name, sym.Params, paramsWarnAt),
				Value:   sym.Params, Limit: paramsWarnAt,
			})
		}
		if span := sym.EndLine - sym.Line; span > spanWarnAt {
			hotspots = append(hotspots, review.Hotspot{
				File: a.Path, Line: sym.Line, Symbol: sym.Name,
				Kind: "length", Level: review.HotspotWarning,
				Message: fmt.Sprintf("%s spans %d lines (limit %d)", sym.Name, span, spanWarnAt),
				Value:   span, Limit: spanWarnAt,
			})
		}
	}
	return hotspots
}
