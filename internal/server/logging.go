package server

import (
	"log/slog"
	"os"

	"github.com/raeenos/raepkg/internal/config"
)

// NewLogger builds the daemon logger from the logging config. Unknown
// levels fall back to info, unknown formats to JSON.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
