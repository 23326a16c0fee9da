package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"debug", slog.LevelDebug, true},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"chatty", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWritersFansOut(t *testing.T) {
	var console, file bytes.Buffer
	logger := For(NewWithWriters(&console, &file, slog.LevelInfo), "engine")

	logger.Debug("hidden")
	logger.Info("fetched", "step", 3)

	if strings.Contains(console.String(), "hidden") || strings.Contains(file.String(), "hidden") {
		t.Error("debug record should be filtered at info level")
	}
	if !strings.Contains(console.String(), "fetched") {
		t.Errorf("console output missing record: %q", console.String())
	}

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &rec); err != nil {
		t.Fatalf("file output is not JSON: %v (%q)", err, file.String())
	}
	if rec["msg"] != "fetched" || rec["comp"] != "engine" || rec["step"] != float64(3) {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestSetupCreatesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gribsync.log")
	logger, cleanup, err := Setup(slog.LevelInfo, path)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Info("hello")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
