// Package cli wires the cobra command tree for the openrabbit binary.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openrabbit/openrabbit/internal/config"
	"github.com/openrabbit/openrabbit/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// appConfig is the merged configuration, loaded before any command runs.
	appConfig *config.Config

	rootCmd = &cobra.Command{
		Use:   "openrabbit",
		Short: "Automated code review pipeline for pull requests",
		Long:  `Openrabbit runs LLM-driven code review sessions against pull requests: it parses changed files in a sandbox, reviews them, optionally generates tests, and hands the finished review to a posting bot.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Extra config file merged over the user config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		var err error
		var paths []string
		if configPath != "" {
			paths = append(paths, configPath)
		}
		appConfig, err = config.Load(paths...)
		if err != nil {
			defaults := config.DefaultConfig()
			appConfig = &defaults
			logging.Setup(logLevel, logFormat)
			slog.Warn("failed to load config, using defaults", "error", err)
			return
		}

		level := logLevel
		if level == "" {
			level = appConfig.Logging.Level
		}
		format := logFormat
		if format == "" {
			format = appConfig.Logging.Format
		}
		logging.Setup(level, format)
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(tasksCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
