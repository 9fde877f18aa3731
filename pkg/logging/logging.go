package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	logFile *os.File
)

// ParseLevel maps a config string onto a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
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

// Setup installs the default slog logger, writing to path when it can be
// opened and to fallback otherwise. It is called again on every config
// reload; the file opened by the previous call is closed once the new
// logger is in place.
func Setup(level, path string, fallback io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	w := fallback
	var opened *os.File
	if path != "" {
		f, err := openLogFile(path)
		if err != nil {
			slog.New(slog.NewTextHandler(fallback, nil)).Error("Failed to open configured log file, falling back to default writer", "path", path, "error", err)
		} else {
			w, opened = f, f
		}
	}

	lvl := ParseLevel(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	})))

	if logFile != nil && logFile != opened {
		logFile.Close()
	}
	logFile = opened
}

// Close releases the log file, if any. Later records go to stderr.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	logFile.Close()
	logFile = nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}
