package logging

import (
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Setup initializes the global slog logger using charmbracelet/log as the
// backend. Level is one of debug/info/warn/error and format is text or
// json; an empty format picks text on a TTY and json otherwise.
func Setup(level, format string) {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
	})
	handler.SetLevel(parseLevel(level))

	switch strings.ToLower(format) {
	case "json":
		handler.SetFormatter(charmlog.JSONFormatter)
	case "text":
		handler.SetFormatter(charmlog.TextFormatter)
	default:
		if !isTerminal() {
			handler.SetFormatter(charmlog.JSONFormatter)
		}
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
