package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openrabbit/openrabbit/internal/checkpoint"
	"github.com/openrabbit/openrabbit/internal/config"
	"github.com/openrabbit/openrabbit/internal/hosting"
	"github.com/openrabbit/openrabbit/internal/kb"
	"github.com/openrabbit/openrabbit/internal/llm"
	"github.com/openrabbit/openrabbit/internal/logging"
	"github.com/openrabbit/openrabbit/internal/queue"
	"github.com/openrabbit/openrabbit/internal/sandbox"
	"github.com/openrabbit/openrabbit/internal/store"
	"github.com/openrabbit/openrabbit/internal/supervisor"
	"github.com/openrabbit/openrabbit/internal/tasks"
)

// PIDFilePath returns the path to the daemon PID file.
func PIDFilePath() string {
	return filepath.Join(dataDir(), "openrabbitd.pid")
}

// LogFilePath returns the path to the daemon log file.
func LogFilePath() string {
	return filepath.Join(dataDir(), "logs", "openrabbitd.log")
}

func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			slog.Error("cannot determine home directory; set $HOME or $XDG_DATA_HOME", "error", err)
			os.Exit(1)
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "openrabbit")
}

// StartDaemon forks the current process as a daemon.
// If foreground is true, runs the server inline without forking.
func StartDaemon(port int, logDir string, foreground bool) error {
	// Use file lock to prevent concurrent starts.
	lockPath := PIDFilePath() + ".lock"
	return store.WithLock(lockPath, 5*time.Second, func() error {
		if running, pid, _, _ := DaemonStatus(); running {
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		if foreground {
			return runForeground(port)
		}
		return forkDaemon(port, logDir)
	})
}

// expandHome replaces a leading "~/" in a path with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func forkDaemon(port int, logDir string) error {
	logDir = expandHome(logDir)
	if logDir == "" {
		logDir = filepath.Join(dataDir(), "logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	logFile := filepath.Join(logDir, "openrabbitd.log")

	// Fork: re-exec with --foreground, propagating the port.
	forkArgs := []string{"server", "start", "--foreground", "--port", strconv.Itoa(port)}
	cmd := exec.Command(os.Args[0], forkArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		f.Close()
		return fmt.Errorf("starting daemon: %w", err)
	}

	pid := cmd.Process.Pid

	// Release without waiting — do NOT call cmd.Wait() in the parent.
	// The child process writes its own PID file in runForeground.
	cmd.Process.Release()
	f.Close()

	fmt.Printf("daemon started (PID: %d)\n", pid)
	fmt.Printf("log file: %s\n", logFile)
	return nil
}

func runForeground(port int) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		defaultCfg := config.DefaultConfig()
		cfg = &defaultCfg
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if port <= 0 {
		port = cfg.Server.Port
	}

	if err := writePIDFile(os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	return srv.Run(ctx, port)
}

// buildServer assembles the pipeline's dependency graph from config.
func buildServer(ctx context.Context, cfg *config.Config) (*Server, func(), error) {
	base := expandHome(cfg.Server.DataDir)
	if base == "" {
		base = dataDir()
	}

	client, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating LLM client: %w", err)
	}

	mgr := sandbox.NewManager(sandbox.NewHTTPProvider(sandbox.ProviderConfig{
		BaseURL:    cfg.Sandbox.BaseURL,
		APIKey:     cfg.Sandbox.APIKey,
		TemplateID: cfg.Sandbox.TemplateID,
	}), sandbox.ManagerConfig{
		SandboxTimeout: cfg.Sandbox.Timeout(),
		MaxRetries:     cfg.Sandbox.MaxRetries,
		RetryDelay:     cfg.Sandbox.RetryDelay(),
	})

	checkpoints, err := checkpoint.NewSQLiteStore(filepath.Join(base, "checkpoints.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	q := queue.Open(ctx, cfg.Queue.UseRedis, cfg.Queue.RedisURL)

	kbClient := kb.NewClient(kb.Config{
		Enabled:         cfg.KB.Enabled,
		BaseURL:         cfg.KB.URL,
		CacheTTL:        cfg.Caches.Search.TTL(5 * time.Minute),
		CacheMaxEntries: cfg.Caches.Search.MaxEntries,
	})

	registry, err := tasks.NewRegistry(filepath.Join(base, "tasks"))
	if err != nil {
		checkpoints.Close()
		return nil, nil, fmt.Errorf("creating task registry: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		LLM:                 client,
		Sandbox:             mgr,
		Checkpoints:         checkpoints,
		KB:                  kbClient,
		Queue:               q,
		MaxComments:         cfg.Review.MaxComments,
		MinConfidence:       cfg.Review.MinConfidence,
		TotalBudget:         cfg.Review.ParseTotalBudget(),
		PackageCacheEntries: cfg.Caches.Package.MaxEntries,
		PackageCacheTTL:     cfg.Caches.Package.TTL(time.Hour),
	})

	bot := hosting.NewClient(cfg.Hosting.BotURL)
	dryRunDir := filepath.Join(base, "dry-runs")
	jobs := &supervisor.Jobs{
		Supervisor: sup,
		Tasks:      registry,
		Hosting:    bot,
		DryRunDir:  dryRunDir,
		PostedDir:  filepath.Join(base, "posted"),
	}
	jobs.Register(q)

	var github *hosting.GitHub
	if cfg.Hosting.GitHubToken != "" {
		github = hosting.NewGitHub(cfg.Hosting.GitHubToken)
	}

	cleanup := func() {
		mgr.CleanupAll(context.Background())
		if err := checkpoints.Close(); err != nil {
			slog.Warn("closing checkpoint store failed", "error", err)
		}
	}
	return NewServer(cfg, q, registry, github, bot, dryRunDir), cleanup, nil
}

// InstallSystemdService writes a systemd user unit file and enables the service.
func InstallSystemdService() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home dir: %w", err)
	}

	unitDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0755); err != nil {
		return fmt.Errorf("creating systemd directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable path: %w", err)
	}

	unit := fmt.Sprintf(`[Unit]
Description=Openrabbit Review Daemon
After=network.target

[Service]
Type=simple
ExecStart=%s server start --foreground
Restart=on-failure
RestartSec=5s
TimeoutStopSec=30
Environment=HOME=%s

[Install]
WantedBy=default.target
`, execPath, home)

	unitPath := filepath.Join(unitDir, "openrabbit.service")
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	reloadCmd := exec.Command("systemctl", "--user", "daemon-reload")
	if out, err := reloadCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("daemon-reload: %s: %w", string(out), err)
	}

	enableCmd := exec.Command("systemctl", "--user", "enable", "openrabbit")
	if out, err := enableCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enabling service: %s: %w", string(out), err)
	}

	fmt.Printf("installed openrabbit.service at %s\n", unitPath)
	fmt.Println("service enabled, start with: systemctl --user start openrabbit")
	return nil
}

// StopDaemon sends SIGTERM to the running daemon and waits for exit.
func StopDaemon() error {
	running, pid, _, err := DaemonStatus()
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Check if process is already gone.
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			removePIDFile()
			return nil
		}
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	// Wait for exit with timeout.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			_ = proc.Signal(syscall.SIGKILL)
			removePIDFile()
			return fmt.Errorf("daemon did not stop gracefully, sent SIGKILL")
		case <-ticker.C:
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				// Process is gone.
				removePIDFile()
				return nil
			}
		}
	}
}

// DaemonStatus checks whether the daemon is running.
// Returns: running bool, pid int, uptime duration, error.
func DaemonStatus() (bool, int, time.Duration, error) {
	pidFile := PIDFilePath()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, 0, nil
		}
		return false, 0, 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, 0, fmt.Errorf("invalid PID file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		removePIDFile()
		return false, 0, 0, nil
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// Process is not running — stale PID file.
		removePIDFile()
		return false, 0, 0, nil
	}

	// Calculate uptime from PID file modification time.
	info, err := os.Stat(pidFile)
	if err != nil {
		return true, pid, 0, nil
	}
	return true, pid, time.Since(info.ModTime()), nil
}

func writePIDFile(pid int) error {
	pidFile := PIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("creating PID directory: %w", err)
	}

	// Atomic write: temp file + rename.
	tmp := pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, pidFile)
}

func removePIDFile() {
	_ = os.Remove(PIDFilePath())
}
