package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// Load reads and merges configuration layers. Resolution order: defaults →
// user config (~/.config/openrabbit/openrabbit.jsonc) → any extra override
// files (deep-merged in order) → environment variables.
func Load(overridePaths ...string) (*Config, error) {
	cfg := DefaultConfig()

	// Load user-level config
	if userPath := UserConfigPath(); userPath != "" {
		if userMap, err := loadJSONC(userPath); err == nil {
			if err := mergeIntoConfig(&cfg, userMap); err != nil {
				return nil, fmt.Errorf("merging user config: %w", err)
			}
		}
	}

	// Repo- or deployment-level overrides
	for _, path := range overridePaths {
		overrideMap, err := loadJSONC(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if err := mergeIntoConfig(&cfg, overrideMap); err != nil {
			return nil, fmt.Errorf("merging %s: %w", path, err)
		}
	}

	// Environment variable overrides
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// UserConfigPath returns the user-level config file location, or "" when the
// user config directory cannot be determined.
func UserConfigPath() string {
	userDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(userDir, "openrabbit", "openrabbit.jsonc")
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map over it,
// then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	// Deep merge: src overrides dst
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment always wins over file layers.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")

	setString(&cfg.Sandbox.APIKey, "E2B_API_KEY")
	setString(&cfg.Sandbox.TemplateID, "E2B_TEMPLATE_ID")
	setInt(&cfg.Sandbox.TimeoutMS, "E2B_SANDBOX_TIMEOUT_MS")
	setInt(&cfg.Sandbox.MaxRetries, "E2B_MAX_RETRIES")
	setFloat(&cfg.Sandbox.RetryDelaySeconds, "E2B_RETRY_DELAY_SECONDS")

	setBool(&cfg.Queue.UseRedis, "USE_REDIS")
	setString(&cfg.Queue.RedisURL, "REDIS_URL")

	setBool(&cfg.KB.Enabled, "KB_ENABLED")
	setString(&cfg.KB.URL, "KNOWLEDGE_BASE_URL")

	setString(&cfg.Hosting.BotURL, "BOT_URL")
	setString(&cfg.Hosting.GitHubToken, "GITHUB_TOKEN")

	setInt(&cfg.Caches.Search.TTLSeconds, "SEARCH_CACHE_TTL")
	setInt(&cfg.Caches.Search.MaxEntries, "SEARCH_CACHE_MAX_ENTRIES")
	setInt(&cfg.Caches.Package.TTLSeconds, "PACKAGE_CACHE_TTL")
	setInt(&cfg.Caches.Package.MaxEntries, "PACKAGE_CACHE_MAX_ENTRIES")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}
