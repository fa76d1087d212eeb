package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/openrabbit/openrabbit/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage openrabbit configuration",
	Long:  `Show and modify openrabbit configuration values.`,
}

var configJSONFlag bool

func init() {
	configShowCmd.Flags().BoolVar(&configJSONFlag, "json", false, "Output raw JSON without formatting")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		if cfg == nil {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
		}

		// Redact secrets before display.
		redacted := redactConfig(cfg)

		var data []byte
		var err error
		if configJSONFlag {
			data, err = json.Marshal(redacted)
		} else {
			data, err = json.MarshalIndent(redacted, "", "  ")
		}
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// redactConfig returns a copy of the config with secret fields masked.
func redactConfig(cfg *config.Config) *config.Config {
	copy := *cfg

	if copy.LLM.APIKey != "" {
		copy.LLM.APIKey = "***"
	}
	if copy.Sandbox.APIKey != "" {
		copy.Sandbox.APIKey = "***"
	}
	if copy.Hosting.GitHubToken != "" {
		copy.Hosting.GitHubToken = "***"
	}

	return &copy
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a config value by dotted key path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		if cfg == nil {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
		}

		data, err := json.Marshal(redactConfig(cfg))
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}

		value := gjson.GetBytes(data, args[0])
		if !value.Exists() {
			return fmt.Errorf("no such key: %s", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), value.String())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long: `Set a configuration value using a dotted key path.

The value is written to the user config file
(~/.config/openrabbit/openrabbit.jsonc). The file is created if it
does not exist.

Note: JSONC comments are not preserved on write.

Examples:
  openrabbit config set llm.model "claude-sonnet-4-20250514"
  openrabbit config set server.port 8080
  openrabbit config set queue.use_redis true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		rawValue := args[1]

		// Determine value type: try bool, then number, then string
		var value any
		if b, err := strconv.ParseBool(rawValue); err == nil {
			value = b
		} else if i, err := strconv.ParseInt(rawValue, 10, 64); err == nil {
			value = i
		} else if f, err := strconv.ParseFloat(rawValue, 64); err == nil {
			value = f
		} else {
			value = rawValue
		}

		userConfigPath := config.UserConfigPath()
		if userConfigPath == "" {
			return fmt.Errorf("cannot determine user config directory")
		}

		// Read existing file or start with empty JSON object
		var existing []byte
		if data, err := os.ReadFile(userConfigPath); err == nil {
			// Strip JSONC comments before passing to sjson (which requires valid JSON).
			// Note: comments are not preserved on write.
			existing = jsonc.ToJSON(data)
		} else {
			existing = []byte("{}")
		}

		// Use sjson for in-place modification
		updated, err := sjson.SetBytes(existing, key, value)
		if err != nil {
			return fmt.Errorf("setting key %q: %w", key, err)
		}

		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(userConfigPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(userConfigPath, updated, 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
		return nil
	},
}
