package config

import "time"

// Config is the top-level openrabbit configuration.
type Config struct {
	LLM     LLMConfig     `json:"llm"`
	Sandbox SandboxConfig `json:"sandbox"`
	Queue   QueueConfig   `json:"queue"`
	KB      KBConfig      `json:"kb"`
	Hosting HostingConfig `json:"hosting"`
	Caches  CachesConfig  `json:"caches"`
	Review  ReviewConfig  `json:"review"`
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	Provider string `json:"provider"` // anthropic, copilot, mock
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
}

// SandboxConfig controls the remote execution provider.
type SandboxConfig struct {
	BaseURL           string  `json:"base_url"`
	APIKey            string  `json:"api_key,omitempty"`
	TemplateID        string  `json:"template_id"`
	TimeoutMS         int     `json:"timeout_ms"`
	MaxRetries        int     `json:"max_retries"`
	RetryDelaySeconds float64 `json:"retry_delay_seconds"`
}

// Timeout returns the sandbox idle timeout as a duration.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// RetryDelay returns the creation retry delay as a duration.
func (s SandboxConfig) RetryDelay() time.Duration {
	if s.RetryDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.RetryDelaySeconds * float64(time.Second))
}

// QueueConfig selects the job-queue backend.
type QueueConfig struct {
	UseRedis bool   `json:"use_redis"`
	RedisURL string `json:"redis_url"`
}

// KBConfig controls the knowledge-base collaborator.
type KBConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// HostingConfig controls outbound posting to the hosting-platform bot.
type HostingConfig struct {
	BotURL      string `json:"bot_url"`
	GitHubToken string `json:"github_token,omitempty"`
}

// CacheConfig sizes one cache.
type CacheConfig struct {
	MaxEntries int `json:"max_entries"`
	TTLSeconds int `json:"ttl_seconds"`
}

// TTL returns the configured TTL as a duration.
func (c CacheConfig) TTL(fallback time.Duration) time.Duration {
	if c.TTLSeconds <= 0 {
		return fallback
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// CachesConfig sizes the process caches.
type CachesConfig struct {
	Search  CacheConfig `json:"search"`
	Package CacheConfig `json:"package"`
}

// ReviewConfig tunes the review pipeline.
type ReviewConfig struct {
	MaxComments   int     `json:"max_comments"`
	MinConfidence float64 `json:"min_confidence"`
	TotalBudget   string  `json:"total_budget"`
}

// ParseTotalBudget returns the supervisor's total time budget.
func (r ReviewConfig) ParseTotalBudget() time.Duration {
	d, err := time.ParseDuration(r.TotalBudget)
	if err != nil {
		return 600 * time.Second
	}
	return d
}

// ServerConfig holds daemon settings.
type ServerConfig struct {
	Port         int    `json:"port"`
	LogDir       string `json:"log_dir"`
	DataDir      string `json:"data_dir"`
	PollInterval string `json:"poll_interval"`
}

// ParsePollInterval returns the queue worker poll interval.
func (s ServerConfig) ParsePollInterval() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-20250514",
		},
		Sandbox: SandboxConfig{
			BaseURL:           "https://api.e2b.dev",
			TimeoutMS:         300000,
			MaxRetries:        3,
			RetryDelaySeconds: 5,
		},
		Queue: QueueConfig{
			RedisURL: "redis://localhost:6379/0",
		},
		KB: KBConfig{
			URL: "http://localhost:8001",
		},
		Caches: CachesConfig{
			Search:  CacheConfig{MaxEntries: 256, TTLSeconds: 300},
			Package: CacheConfig{MaxEntries: 1024, TTLSeconds: 3600},
		},
		Review: ReviewConfig{
			MaxComments:   20,
			MinConfidence: 0.5,
			TotalBudget:   "600s",
		},
		Server: ServerConfig{
			Port:         8080,
			LogDir:       "~/.local/share/openrabbit/logs",
			DataDir:      "~/.local/share/openrabbit",
			PollInterval: "1s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
