package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLogLevel maps a LOG_LEVEL value onto a slog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w in LOG_FORMAT. Every record carries
// the node address so interleaved logs of a cluster stay attributable.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLogLevel(cfg.LogLevel),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("node", cfg.NodeAddress)
}

// InitLogger installs the process-wide logger on stdout
func InitLogger(cfg *Config) *slog.Logger {
	logger := NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("Logger initialized",
		"level", ParseLogLevel(cfg.LogLevel).String(),
		"format", cfg.LogFormat,
	)
	return logger
}
