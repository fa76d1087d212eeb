// Package server exposes the review pipeline over HTTP and hosts the
// queue worker that executes sessions in the background.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openrabbit/openrabbit/internal/config"
	"github.com/openrabbit/openrabbit/internal/hosting"
	"github.com/openrabbit/openrabbit/internal/queue"
	"github.com/openrabbit/openrabbit/internal/tasks"
)

// Server holds the HTTP API's collaborators.
type Server struct {
	cfg       *config.Config
	queue     *queue.Queue
	tasks     *tasks.Registry
	github    *hosting.GitHub // optional: fills requests missing file diffs
	bot       *hosting.Client // optional: forwards non-dry-run test triggers
	dryRunDir string
	startTime time.Time
}

// NewServer creates the API server. github and bot may be nil.
func NewServer(cfg *config.Config, q *queue.Queue, registry *tasks.Registry, github *hosting.GitHub, bot *hosting.Client, dryRunDir string) *Server {
	return &Server{
		cfg:       cfg,
		queue:     q,
		tasks:     registry,
		github:    github,
		bot:       bot,
		dryRunDir: dryRunDir,
		startTime: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bot/health", s.handleHealth)
	mux.HandleFunc("POST /bot/review", s.handleReview)
	mux.HandleFunc("POST /bot/create-unit-tests", s.handleCreateUnitTests)
	mux.HandleFunc("POST /bot/generate-pr-tests", s.handleGeneratePRTests)
	mux.HandleFunc("GET /bot/task-status/{task_id}", s.handleTaskStatus)
	mux.HandleFunc("GET /bot/tasks", s.handleListTasks)
	mux.HandleFunc("DELETE /bot/task/{task_id}", s.handleDeleteTask)
	mux.HandleFunc("POST /test/trigger-review", s.handleTestTriggerReview)
	return mux
}

// Run starts the HTTP server and the queue worker, blocking until the
// context is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.queue.RunWorker(ctx, s.cfg.Server.ParsePollInterval()); err != nil && ctx.Err() == nil {
			slog.Error("queue worker error", "error", err)
		}
	}()

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("starting HTTP server", "addr", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	wg.Wait()
	return nil
}
