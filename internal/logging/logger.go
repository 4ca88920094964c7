package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/titaev-lv/hsmwiz/internal/config"
)

// InitLogger initializes the global slog logger based on configuration.
// verbosity is the number of -v flags; any verbosity forces debug level.
// The returned closer releases the log file, if one was opened.
func InitLogger(cfg *config.LoggingConfig, verbosity int) (io.Closer, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbosity > 0 {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = rotating
		closer = rotating
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// AuditLogger returns a logger specifically for audit events
func AuditLogger() *slog.Logger {
	return slog.With("component", "audit")
}

// SanitizeForLog removes or redacts credentials from log data
func SanitizeForLog(data map[string]any) map[string]any {
	sanitized := make(map[string]any)
	for k, v := range data {
		key := strings.ToLower(k)
		// Redact sensitive fields
		if strings.Contains(key, "pin") ||
			strings.Contains(key, "puk") ||
			strings.Contains(key, "secret") ||
			strings.Contains(key, "password") {
			if s, ok := v.(string); ok && s == "" {
				sanitized[k] = ""
				continue
			}
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
