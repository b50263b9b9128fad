// Package logging configures the gateway's single process-wide
// structured logger. Every component logger in the gateway is derived
// from the one returned by Setup via logger.With("component", name),
// matching the namespaced-logger convention teacher's packages already
// use throughout internal/agent and internal/audit.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config controls where logs go and at what level. Plain text, one
// record per line, per spec.md §6's persisted-state description — no
// JSON handler, matching teacher's slog.Info/Warn/Error calls which
// assume a human-readable stream.
type Config struct {
	// Path is the log file to append to. Empty means stderr.
	Path string
	// Level is one of "debug", "info", "warn", "error". Empty means info.
	Level string
}

// Setup builds the process-wide logger and, when Path is non-empty,
// returns the opened file so the caller can close it on shutdown.
func Setup(cfg Config) (*slog.Logger, *os.File, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out *os.File
	var file *os.File
	if cfg.Path == "" {
		out = os.Stderr
	} else {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.Path, err)
		}
		out = f
		file = f
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, file, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// TailFile reads the last n lines of the file at path, for `clara-gateway
// logs -n N`. It reads the whole file — gateway log files are plain text
// and expected to be rotated externally, not line-indexed internally.
func TailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading log file %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n <= 0 || n >= len(lines) {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}
