package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		if err := Init(nil); err != nil {
			t.Fatalf("Init(nil) failed: %v", err)
		}
	})

	t.Run("json format", func(t *testing.T) {
		err := Init(&Config{Level: "debug", Format: "json", Output: "stderr"})
		if err != nil {
			t.Fatalf("Init failed: %v", err)
		}
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "kiln.log")
		err := Init(&Config{Level: "info", Format: "text", Output: logFile})
		if err != nil {
			t.Fatalf("Init failed: %v", err)
		}

		Info("hello from the daemon")

		data, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("reading log file: %v", err)
		}
		if !strings.Contains(string(data), "hello from the daemon") {
			t.Errorf("log file missing message, got: %s", data)
		}
	})
}

func TestWithComponent(t *testing.T) {
	logger := WithComponent("reconciler")
	if logger == nil {
		t.Fatal("WithComponent returned nil")
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "kiln.log")

	w, err := newRotatingWriter(logFile, &RotationConfig{MaxSize: 64, MaxBackups: 2})
	if err != nil {
		t.Fatalf("newRotatingWriter failed: %v", err)
	}

	line := strings.Repeat("x", 40) + "\n"
	for i := 0; i < 4; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(dir, "kiln.*.log"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) == 0 {
		t.Error("expected at least one rotated backup file")
	}

	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("current log file missing after rotation: %v", err)
	}
}
