// Package logging builds the process logger: a human readable console
// handler on stderr and, optionally, JSON lines appended to a file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel accepts debug, info, warn and error (any case). Empty means
// info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// Setup returns the logger and a cleanup function closing the log file.
// An empty file logs to the console only.
func Setup(level slog.Level, file string) (*slog.Logger, func() error, error) {
	console := consoleHandler(os.Stderr, level)
	if file == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return NewWithWriters(os.Stderr, f, level), f.Close, nil
}

// NewWithWriters fans out to a console handler on console and a JSON
// handler on file.
func NewWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(consoleHandler(console, level), jsonHandler))
}

func consoleHandler(w io.Writer, level slog.Level) slog.Handler {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           log.Level(level),
	})
}

// For returns a child logger tagged with a component name.
func For(l *slog.Logger, comp string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("comp", comp)
}
