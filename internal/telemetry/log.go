package telemetry

import (
	"log/slog"
	"os"
)

// LogConfig configures the process-wide slog logger.
type LogConfig struct {
	Verbose bool
	JSON    bool // JSON output for log aggregators; text for local dev
}

// NewLogger builds and installs the process-wide slog logger: a text
// handler keyed off a verbose flag, with a JSON mode for production
// deployments.
func NewLogger(cfg LogConfig) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
