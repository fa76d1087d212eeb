package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Manager defaults, overridable via ManagerConfig.
const (
	DefaultSandboxTimeout = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 5 * time.Second
	defaultCloneDir       = "/home/user/repo"
)

// ManagerConfig tunes sandbox creation and timeouts.
type ManagerConfig struct {
	SandboxTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// Manager maps review session ids to sandbox sessions. All map access
// is mutually exclusive; per-session remote calls run outside the lock.
type Manager struct {
	provider Provider
	cfg      ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session

	sleep func(context.Context, time.Duration) error // test seam
}

// NewManager creates a sandbox manager over the given provider.
func NewManager(provider Provider, cfg ManagerConfig) *Manager {
	if cfg.SandboxTimeout <= 0 {
		cfg.SandboxTimeout = DefaultSandboxTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Manager{
		provider: provider,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreateSandbox provisions an environment for the session, retrying
// transient provider failures with exponentially growing delay. An
// existing running or ready session is reused; a terminal one is
// discarded and replaced.
func (m *Manager) CreateSandbox(ctx context.Context, sessionID string, metadata map[string]string) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		if existing.Status == StatusRunning || existing.Status == StatusReady {
			m.mu.Unlock()
			slog.Debug("reusing sandbox session", "sessionID", sessionID, "sandboxID", existing.SandboxID)
			return existing, nil
		}
		delete(m.sessions, sessionID)
	}
	session := &Session{
		SessionID:    sessionID,
		Status:       StatusCreating,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	m.sessions[sessionID] = session
	m.mu.Unlock()

	var lastErr error
	delay := m.cfg.RetryDelay
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		sandboxID, err := m.provider.CreateSandbox(ctx, m.cfg.SandboxTimeout, metadata)
		if err == nil {
			m.mu.Lock()
			session.SandboxID = sandboxID
			session.Status = StatusRunning
			session.LastActivity = time.Now().UTC()
			m.mu.Unlock()
			slog.Info("sandbox created", "sessionID", sessionID, "sandboxID", sandboxID, "attempt", attempt)
			return session, nil
		}

		lastErr = err
		slog.Warn("sandbox creation failed", "sessionID", sessionID, "attempt", attempt, "error", err)
		if attempt < m.cfg.MaxRetries {
			if err := m.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay *= 2
		}
	}

	m.mu.Lock()
	session.Status = StatusError
	session.ErrorMessage = lastErr.Error()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	return nil, &CreationError{SessionID: sessionID, Attempts: m.cfg.MaxRetries, Err: lastErr}
}

// GetSandbox returns the live session for the id.
func (m *Manager) GetSandbox(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	if session.Status.Terminal() {
		return nil, &SandboxError{SessionID: sessionID, Op: "get",
			Err: fmt.Errorf("session is %s", session.Status)}
	}
	return session, nil
}

// touch updates last_activity; callers hold a live session reference.
func (m *Manager) touch(session *Session) {
	m.mu.Lock()
	session.LastActivity = time.Now().UTC()
	m.mu.Unlock()
}

// ExtendTimeout resets the sandbox idle timer counting from now.
func (m *Manager) ExtendTimeout(ctx context.Context, sessionID string, additional time.Duration) error {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return err
	}
	if err := m.provider.SetTimeout(ctx, session.SandboxID, additional); err != nil {
		return &SandboxError{SessionID: sessionID, Op: "extend timeout", Err: err}
	}
	m.touch(session)
	return nil
}

// CloneRepo clones repoURL at branch into the sandbox and returns the
// repo path. A failed clone moves the session to error.
func (m *Manager) CloneRepo(ctx context.Context, sessionID, repoURL, branch string, depth int, dir string) (string, error) {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return "", err
	}
	if depth <= 0 {
		depth = 1
	}
	if dir == "" {
		dir = defaultCloneDir
	}

	m.setStatus(session, StatusCloning)
	cmd := fmt.Sprintf("git clone --depth %d --branch %s %s %s", depth, shellQuote(branch), shellQuote(repoURL), shellQuote(dir))
	result, err := m.provider.RunCommand(ctx, session.SandboxID, cmd, "", 120*time.Second)
	if err != nil {
		m.failSession(session, err)
		return "", &SandboxError{SessionID: sessionID, Op: "clone", Err: err}
	}
	if result.ExitCode != 0 {
		cloneErr := fmt.Errorf("git clone exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
		m.failSession(session, cloneErr)
		return "", &SandboxError{SessionID: sessionID, Op: "clone", Err: cloneErr}
	}

	m.mu.Lock()
	session.RepoPath = dir
	session.Status = StatusReady
	session.LastActivity = time.Now().UTC()
	m.mu.Unlock()
	slog.Info("repository cloned", "sessionID", sessionID, "branch", branch, "path", dir)
	return dir, nil
}

// CloneForkRepo clones the base repository, then fetches the fork's
// branch and checks it out. Fork PR heads live in a different remote
// than the base, so a plain branch clone cannot reach them.
func (m *Manager) CloneForkRepo(ctx context.Context, sessionID, baseRepoURL, forkRepoURL, branch string, dir string) (string, error) {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return "", err
	}
	if dir == "" {
		dir = defaultCloneDir
	}

	m.setStatus(session, StatusCloning)
	steps := []string{
		fmt.Sprintf("git clone --depth 1 %s %s", shellQuote(baseRepoURL), shellQuote(dir)),
		fmt.Sprintf("cd %s && git remote add fork %s", shellQuote(dir), shellQuote(forkRepoURL)),
		fmt.Sprintf("cd %s && git fetch --depth 1 fork %s", shellQuote(dir), shellQuote(branch)),
		fmt.Sprintf("cd %s && git checkout -b %s FETCH_HEAD", shellQuote(dir), shellQuote(branch)),
	}
	for _, cmd := range steps {
		result, err := m.provider.RunCommand(ctx, session.SandboxID, cmd, "", 120*time.Second)
		if err != nil {
			m.failSession(session, err)
			return "", &SandboxError{SessionID: sessionID, Op: "clone fork", Err: err}
		}
		if result.ExitCode != 0 {
			cloneErr := fmt.Errorf("%q exited %d: %s", cmd, result.ExitCode, strings.TrimSpace(result.Stderr))
			m.failSession(session, cloneErr)
			return "", &SandboxError{SessionID: sessionID, Op: "clone fork", Err: cloneErr}
		}
	}

	m.mu.Lock()
	session.RepoPath = dir
	session.Status = StatusReady
	session.LastActivity = time.Now().UTC()
	m.mu.Unlock()
	slog.Info("fork repository cloned", "sessionID", sessionID, "branch", branch, "path", dir)
	return dir, nil
}

// RunCommand executes cmd in the sandbox. Commands allowed more than
// 30s pre-extend the session timeout so the environment cannot idle
// out mid-run.
func (m *Manager) RunCommand(ctx context.Context, sessionID, cmd, workdir string, timeout time.Duration) (*CommandResult, error) {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return nil, err
	}
	if timeout > 30*time.Second {
		if err := m.provider.SetTimeout(ctx, session.SandboxID, timeout+m.cfg.SandboxTimeout); err != nil {
			slog.Warn("pre-extend before long command failed", "sessionID", sessionID, "error", err)
		}
	}
	result, err := m.provider.RunCommand(ctx, session.SandboxID, cmd, workdir, timeout)
	if err != nil {
		return nil, &SandboxError{SessionID: sessionID, Op: "run command", Err: err}
	}
	m.touch(session)
	return result, nil
}

// ReadFile returns the file's contents as text.
func (m *Manager) ReadFile(ctx context.Context, sessionID, path string) (string, error) {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return "", err
	}
	content, err := m.provider.ReadFile(ctx, session.SandboxID, path)
	if err != nil {
		return "", &SandboxError{SessionID: sessionID, Op: "read file", Err: err}
	}
	m.touch(session)
	return content, nil
}

// ReadFileBinary returns the file's raw bytes.
func (m *Manager) ReadFileBinary(ctx context.Context, sessionID, path string) ([]byte, error) {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := m.provider.ReadFileBinary(ctx, session.SandboxID, path)
	if err != nil {
		return nil, &SandboxError{SessionID: sessionID, Op: "read file", Err: err}
	}
	m.touch(session)
	return data, nil
}

// WriteFile writes content to path inside the sandbox.
func (m *Manager) WriteFile(ctx context.Context, sessionID, path, content string) error {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return err
	}
	if err := m.provider.WriteFile(ctx, session.SandboxID, path, content); err != nil {
		return &SandboxError{SessionID: sessionID, Op: "write file", Err: err}
	}
	m.touch(session)
	return nil
}

// ListFiles lists paths under dir, filtered by pattern when non-empty.
func (m *Manager) ListFiles(ctx context.Context, sessionID, dir, pattern string) ([]string, error) {
	session, err := m.GetSandbox(sessionID)
	if err != nil {
		return nil, err
	}
	paths, err := m.provider.ListFiles(ctx, session.SandboxID, dir, pattern)
	if err != nil {
		return nil, &SandboxError{SessionID: sessionID, Op: "list files", Err: err}
	}
	m.touch(session)
	return paths, nil
}

// KillSandbox destroys the session's environment. Best effort: the
// session leaves the map even when the remote kill fails. Returns true
// when the remote kill succeeded.
func (m *Manager) KillSandbox(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	killed := true
	if session.SandboxID != "" {
		if err := m.provider.Kill(ctx, session.SandboxID); err != nil {
			slog.Warn("remote sandbox kill failed", "sessionID", sessionID, "sandboxID", session.SandboxID, "error", err)
			killed = false
		}
	}
	session.Status = StatusKilled
	slog.Debug("sandbox session removed", "sessionID", sessionID)
	return killed
}

// CleanupAll kills every tracked session; used at process shutdown.
// Returns the number of sessions removed.
func (m *Manager) CleanupAll(ctx context.Context) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.KillSandbox(ctx, id)
	}
	if len(ids) > 0 {
		slog.Info("cleaned up sandbox sessions", "count", len(ids))
	}
	return len(ids)
}

// ActiveSessions snapshots the tracked sessions.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) setStatus(session *Session, status Status) {
	m.mu.Lock()
	session.Status = status
	session.LastActivity = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Manager) failSession(session *Session, err error) {
	m.mu.Lock()
	session.Status = StatusError
	session.ErrorMessage = err.Error()
	m.mu.Unlock()
}

// shellQuote single-quotes s for use inside a sandbox shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
