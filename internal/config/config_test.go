package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %s", cfg.LLM.Provider)
	}
	if cfg.Sandbox.MaxRetries != 3 {
		t.Errorf("expected sandbox max_retries 3, got %d", cfg.Sandbox.MaxRetries)
	}
	if cfg.Sandbox.Timeout() != 5*time.Minute {
		t.Errorf("expected sandbox timeout 5m, got %v", cfg.Sandbox.Timeout())
	}
	if cfg.Sandbox.RetryDelay() != 5*time.Second {
		t.Errorf("expected retry delay 5s, got %v", cfg.Sandbox.RetryDelay())
	}
	if cfg.Review.MaxComments != 20 {
		t.Errorf("expected max_comments 20, got %d", cfg.Review.MaxComments)
	}
	if cfg.Review.ParseTotalBudget() != 600*time.Second {
		t.Errorf("expected total budget 600s, got %v", cfg.Review.ParseTotalBudget())
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Caches.Search.TTL(0) != 5*time.Minute {
		t.Errorf("expected search cache TTL 5m, got %v", cfg.Caches.Search.TTL(0))
	}
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.jsonc")

	content := []byte(`{
  // This is a JSONC comment
  "llm": {
    "model": "test-model"
  },
  "server": {
    "port": 9999
  }
}`)

	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	m, err := loadJSONC(path)
	if err != nil {
		t.Fatalf("loadJSONC failed: %v", err)
	}

	llm, ok := m["llm"].(map[string]any)
	if !ok {
		t.Fatal("expected llm to be a map")
	}
	if llm["model"] != "test-model" {
		t.Errorf("expected model=test-model, got %v", llm["model"])
	}

	server, ok := m["server"].(map[string]any)
	if !ok {
		t.Fatal("expected server to be a map")
	}
	if server["port"] != float64(9999) {
		t.Errorf("expected port=9999, got %v", server["port"])
	}
}

func TestLoadJSONC_FileNotFound(t *testing.T) {
	_, err := loadJSONC("/nonexistent/path/config.jsonc")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadJSONC_MalformedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonc")

	// Truncated JSON
	if err := os.WriteFile(path, []byte(`{"llm": {"model": "test"`), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	_, err := loadJSONC(path)
	if err == nil {
		t.Error("expected error for malformed JSONC")
	}
}

func TestMergeIntoConfig(t *testing.T) {
	cfg := DefaultConfig()

	src := map[string]any{
		"llm": map[string]any{
			"model": "override-model",
		},
		"server": map[string]any{
			"port": json.Number("9090"),
		},
	}

	if err := mergeIntoConfig(&cfg, src); err != nil {
		t.Fatalf("mergeIntoConfig failed: %v", err)
	}

	if cfg.LLM.Model != "override-model" {
		t.Errorf("expected model=override-model, got %s", cfg.LLM.Model)
	}
	// Provider should remain untouched
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected provider to remain anthropic, got %s", cfg.LLM.Provider)
	}
}

func TestMergeDeepPreservesNestedFields(t *testing.T) {
	cfg := DefaultConfig()

	// Override only sandbox.template_id; siblings must survive
	src := map[string]any{
		"sandbox": map[string]any{
			"template_id": "custom-template",
		},
	}
	if err := mergeIntoConfig(&cfg, src); err != nil {
		t.Fatalf("mergeIntoConfig failed: %v", err)
	}

	if cfg.Sandbox.TemplateID != "custom-template" {
		t.Errorf("expected template_id=custom-template, got %s", cfg.Sandbox.TemplateID)
	}
	if cfg.Sandbox.MaxRetries != 3 {
		t.Errorf("expected sandbox.max_retries preserved as 3, got %d", cfg.Sandbox.MaxRetries)
	}
	if cfg.Sandbox.BaseURL != "https://api.e2b.dev" {
		t.Errorf("expected sandbox.base_url preserved, got %s", cfg.Sandbox.BaseURL)
	}
	if cfg.Queue.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("expected queue.redis_url preserved, got %s", cfg.Queue.RedisURL)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("LLM_PROVIDER", "mock")
	t.Setenv("LLM_MODEL", "test-model")
	t.Setenv("E2B_API_KEY", "e2b-key-123")
	t.Setenv("E2B_TEMPLATE_ID", "tpl-7")
	t.Setenv("E2B_SANDBOX_TIMEOUT_MS", "120000")
	t.Setenv("E2B_MAX_RETRIES", "5")
	t.Setenv("E2B_RETRY_DELAY_SECONDS", "2.5")
	t.Setenv("USE_REDIS", "true")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("KB_ENABLED", "true")
	t.Setenv("KNOWLEDGE_BASE_URL", "http://kb:8001")
	t.Setenv("BOT_URL", "http://bot:3000")
	t.Setenv("GITHUB_TOKEN", "gh-token-456")
	t.Setenv("SEARCH_CACHE_TTL", "60")
	t.Setenv("SEARCH_CACHE_MAX_ENTRIES", "32")
	t.Setenv("PACKAGE_CACHE_TTL", "120")
	t.Setenv("PACKAGE_CACHE_MAX_ENTRIES", "64")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	applyEnvOverrides(&cfg)

	if cfg.LLM.Provider != "mock" {
		t.Errorf("expected provider=mock, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "test-model" {
		t.Errorf("expected model=test-model, got %s", cfg.LLM.Model)
	}
	if cfg.Sandbox.APIKey != "e2b-key-123" {
		t.Errorf("expected sandbox api key e2b-key-123, got %s", cfg.Sandbox.APIKey)
	}
	if cfg.Sandbox.TimeoutMS != 120000 {
		t.Errorf("expected sandbox timeout 120000ms, got %d", cfg.Sandbox.TimeoutMS)
	}
	if cfg.Sandbox.MaxRetries != 5 {
		t.Errorf("expected max_retries=5, got %d", cfg.Sandbox.MaxRetries)
	}
	if cfg.Sandbox.RetryDelay() != 2500*time.Millisecond {
		t.Errorf("expected retry delay 2.5s, got %v", cfg.Sandbox.RetryDelay())
	}
	if !cfg.Queue.UseRedis || cfg.Queue.RedisURL != "redis://cache:6379/1" {
		t.Errorf("expected redis enabled at redis://cache:6379/1, got %+v", cfg.Queue)
	}
	if !cfg.KB.Enabled || cfg.KB.URL != "http://kb:8001" {
		t.Errorf("expected KB enabled at http://kb:8001, got %+v", cfg.KB)
	}
	if cfg.Hosting.BotURL != "http://bot:3000" {
		t.Errorf("expected bot URL http://bot:3000, got %s", cfg.Hosting.BotURL)
	}
	if cfg.Hosting.GitHubToken != "gh-token-456" {
		t.Errorf("expected GitHub token gh-token-456, got %s", cfg.Hosting.GitHubToken)
	}
	if cfg.Caches.Search.TTLSeconds != 60 || cfg.Caches.Search.MaxEntries != 32 {
		t.Errorf("unexpected search cache config: %+v", cfg.Caches.Search)
	}
	if cfg.Caches.Package.TTLSeconds != 120 || cfg.Caches.Package.MaxEntries != 64 {
		t.Errorf("unexpected package cache config: %+v", cfg.Caches.Package)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestApplyEnvOverridesIgnoresBadNumbers(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("E2B_MAX_RETRIES", "lots")
	t.Setenv("USE_REDIS", "kinda")
	applyEnvOverrides(&cfg)

	if cfg.Sandbox.MaxRetries != 3 {
		t.Errorf("expected unparseable int ignored, got %d", cfg.Sandbox.MaxRetries)
	}
	if cfg.Queue.UseRedis {
		t.Error("expected unparseable bool ignored")
	}
}

func TestServerConfigParsePollInterval_Invalid(t *testing.T) {
	s := ServerConfig{PollInterval: "not-a-duration"}
	if s.ParsePollInterval() != time.Second {
		t.Error("expected fallback to 1s for invalid duration")
	}
}

func TestReviewConfigParseTotalBudget_Invalid(t *testing.T) {
	r := ReviewConfig{TotalBudget: "bad"}
	if r.ParseTotalBudget() != 600*time.Second {
		t.Error("expected fallback to 600s for invalid duration")
	}
}

func TestLoadMergesUserAndOverride(t *testing.T) {
	// Create a temp dir for user config via XDG_CONFIG_HOME.
	userConfigDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", userConfigDir)

	// Clear env vars that would override config fields.
	for _, key := range []string{"LLM_PROVIDER", "LLM_MODEL", "ANTHROPIC_API_KEY", "GITHUB_TOKEN", "REDIS_URL", "BOT_URL"} {
		t.Setenv(key, "")
	}

	// Write user-level config.
	appDir := filepath.Join(userConfigDir, "openrabbit")
	if err := os.MkdirAll(appDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	userConfig := []byte(`{"llm":{"model":"user-model"},"server":{"port":5555}}`)
	if err := os.WriteFile(filepath.Join(appDir, "openrabbit.jsonc"), userConfig, 0644); err != nil {
		t.Fatalf("failed to write user config: %v", err)
	}

	// Write override config (simulates deployment-level override).
	overridePath := filepath.Join(t.TempDir(), "override.jsonc")
	overrideConfig := []byte(`{"llm":{"model":"deploy-model"}}`)
	if err := os.WriteFile(overridePath, overrideConfig, 0644); err != nil {
		t.Fatalf("failed to write override config: %v", err)
	}

	cfg, err := Load(overridePath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Override wins for llm.model.
	if cfg.LLM.Model != "deploy-model" {
		t.Errorf("expected llm.model=deploy-model, got %s", cfg.LLM.Model)
	}
	// User value preserved for server.port (override didn't set it).
	if cfg.Server.Port != 5555 {
		t.Errorf("expected server.port=5555, got %d", cfg.Server.Port)
	}
	// Defaults preserved for fields neither layer set.
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("expected llm.provider=anthropic, got %s", cfg.LLM.Provider)
	}
}

func TestLoadSkipsMissingOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.jsonc"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
}
