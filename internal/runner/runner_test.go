package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/kiln/internal/ticket"
)

func TestParseStreamEvent(t *testing.T) {
	tests := []struct {
		name string
		line string
		want parsedEvent
	}{
		{
			name: "init carries session",
			line: `{"type":"system","subtype":"init","session_id":"sess-1"}`,
			want: parsedEvent{Type: eventInit, SessionID: "sess-1"},
		},
		{
			name: "assistant text",
			line: `{"type":"assistant","message":{"model":"claude-opus-4-5-20251101","content":[{"type":"text","text":"working"}]}}`,
			want: parsedEvent{Type: eventText, Message: "working", Model: "claude-opus-4-5-20251101"},
		},
		{
			name: "tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`,
			want: parsedEvent{Type: eventToolUse, Message: "Bash"},
		},
		{
			name: "result with usage",
			line: `{"type":"result","result":"done","is_error":false,"usage":{"input_tokens":100,"output_tokens":25}}`,
			want: parsedEvent{Type: eventResult, Message: "done", TokensInput: 100, TokensOutput: 25},
		},
		{
			name: "error result",
			line: `{"type":"result","result":"boom","is_error":true}`,
			want: parsedEvent{Type: eventResult, Message: "boom", IsError: true},
		},
		{
			name: "non-json passthrough",
			line: "plain text line",
			want: parsedEvent{Type: eventText, Message: "plain text line"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseStreamEvent(tt.line); got != tt.want {
				t.Errorf("parseStreamEvent(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	r := New("")
	args := r.buildArgs(Request{Model: "claude-opus-4-5-20251101", SessionID: "sess-1", MCPConfig: "/tmp/mcp.json"})
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-p",
		"--output-format stream-json",
		"--model claude-opus-4-5-20251101",
		"--resume sess-1",
		"--mcp-config /tmp/mcp.json",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}

	args = r.buildArgs(Request{})
	joined = strings.Join(args, " ")
	if strings.Contains(joined, "--resume") || strings.Contains(joined, "--model") {
		t.Errorf("bare request must not carry resume/model flags: %q", joined)
	}
}

func TestLogPath(t *testing.T) {
	ref := ticket.Ref{Host: "github.com", Owner: "acme", Repo: "web", Number: 42}
	at := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	got := LogPath("/data/.kiln/logs", ref, "Research", at)
	want := filepath.Join("/data/.kiln/logs", "github.com", "acme", "web", "42", "research-20260301-1430.log")
	if got != want {
		t.Errorf("LogPath = %q, want %q", got, want)
	}
}

func TestIsTransientExit(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("claude exited: exit status 1: connection refused"), true},
		{errors.New("claude exited: exit status 1: Rate limit exceeded"), true},
		{errors.New("claude exited: exit status 1: OAuth token has expired"), true},
		{errors.New("claude exited: exit status 2: invalid flag"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isTransientExit(tt.err); got != tt.want {
			t.Errorf("isTransientExit(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestTimeoutExitsAreNotTransient(t *testing.T) {
	// These carry marker-looking text ("timed out", "idle") but a killed
	// run must never be retried.
	for _, err := range []error{
		fmt.Errorf("claude ran past 1h0m0s: %w", ErrTimeout),
		fmt.Errorf("claude idle for over 10m0s: %w", ErrIdleTimeout),
	} {
		if isTransientExit(err) {
			t.Errorf("isTransientExit(%v) = true, want false", err)
		}
	}
}

func TestRunWallClockTimeout(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")
	// The background child inherits stdout; killing the whole process
	// group must close the pipe rather than leave Run hanging on it.
	script := writeScript(t, `echo attempt >> `+counter+`
sleep 60 &
cat >/dev/null
sleep 60
`)

	r := New(script)
	r.retryDelays = []time.Duration{0}

	start := time.Now()
	_, err := r.Run(context.Background(), Request{
		Prompt:  "x",
		Dir:     dir,
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run blocked %s past the deadline", elapsed)
	}

	data, readErr := os.ReadFile(counter)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if got := strings.Count(string(data), "attempt"); got != 1 {
		t.Errorf("attempts = %d, want 1 (timeouts must not retry)", got)
	}
}

// writeScript drops an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCapturesSessionAndOutput(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"type":"system","subtype":"init","session_id":"sess-xyz"}'
echo '{"type":"result","result":"all good","is_error":false,"usage":{"input_tokens":10,"output_tokens":5}}'
`)
	logPath := filepath.Join(t.TempDir(), "research.log")

	r := New(script)
	result, err := r.Run(context.Background(), Request{
		Prompt:  "do the thing",
		Dir:     t.TempDir(),
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.SessionID != "sess-xyz" {
		t.Errorf("SessionID = %q", result.SessionID)
	}
	if result.Output != "all good" {
		t.Errorf("Output = %q", result.Output)
	}
	if result.Metrics.TokensInput != 10 || result.Metrics.TokensOutput != 5 {
		t.Errorf("Metrics = %+v", result.Metrics)
	}
	if result.RunID == "" {
		t.Error("RunID missing")
	}

	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("run log missing: %v", err)
	}
	if !strings.Contains(string(logData), "sess-xyz") {
		t.Error("run log missing raw stream lines")
	}

	sessData, err := os.ReadFile(sessionPath(logPath))
	if err != nil {
		t.Fatalf("session file missing: %v", err)
	}
	if strings.TrimSpace(string(sessData)) != "sess-xyz" {
		t.Errorf("session file = %q", sessData)
	}
}

func TestRunRetriesTransientExit(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")
	script := writeScript(t, `cat >/dev/null
echo attempt >> `+counter+`
echo "connection refused" >&2
exit 1
`)

	r := New(script)
	r.retryDelays = []time.Duration{0}

	_, err := r.Run(context.Background(), Request{Prompt: "x", Dir: dir})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error should carry stderr, got %v", err)
	}

	data, readErr := os.ReadFile(counter)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if got := strings.Count(string(data), "attempt"); got != 2 {
		t.Errorf("attempts = %d, want 2 (one retry)", got)
	}
}

func TestRunNoRetryOnPermanentExit(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "attempts")
	script := writeScript(t, `cat >/dev/null
echo attempt >> `+counter+`
echo "invalid flag" >&2
exit 2
`)

	r := New(script)
	r.retryDelays = []time.Duration{0}

	_, err := r.Run(context.Background(), Request{Prompt: "x", Dir: dir})
	if err == nil {
		t.Fatal("expected failure")
	}
	data, readErr := os.ReadFile(counter)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if got := strings.Count(string(data), "attempt"); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", got)
	}
}
