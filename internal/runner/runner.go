// Package runner supervises claude CLI invocations for workflow stages.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/ticket"
)

// GracePeriod is the time to wait after SIGTERM before hard killing the process.
const GracePeriod = 5 * time.Second

// DefaultTimeout is the wall-clock limit for a single stage run.
const DefaultTimeout = 60 * time.Minute

// DefaultIdleTimeout is the time to wait for any stream-json event before
// considering the process hung.
const DefaultIdleTimeout = 10 * time.Minute

// heartbeatCheckInterval is how often the idle monitor wakes up.
const heartbeatCheckInterval = 30 * time.Second

// ErrTimeout marks a run killed at its wall-clock limit. Timeouts are
// terminal: retrying would just burn another full window.
var ErrTimeout = errors.New("run exceeded wall-clock limit")

// ErrIdleTimeout marks a run killed after producing no stream events for
// the idle window. Terminal for the same reason as ErrTimeout.
var ErrIdleTimeout = errors.New("run produced no events")

// Request describes a single claude invocation.
type Request struct {
	Prompt      string
	Dir         string
	Model       string
	SessionID   string // resume this session when set
	MCPConfig   string // path to an MCP config file, optional
	LogPath     string // raw stream lines are appended here
	Timeout     time.Duration
	IdleTimeout time.Duration
}

// Metrics carries token usage reported by the stream.
type Metrics struct {
	TokensInput  int
	TokensOutput int
	Model        string
}

// Result is the outcome of a completed run.
type Result struct {
	RunID     string
	SessionID string
	Output    string
	Metrics   Metrics
}

// Runner launches and supervises claude CLI processes.
type Runner struct {
	command     string
	retryDelays []time.Duration
	log         *slog.Logger
}

// New creates a Runner using the given claude command (empty means "claude").
func New(command string) *Runner {
	if command == "" {
		command = "claude"
	}
	return &Runner{
		command:     command,
		retryDelays: []time.Duration{30 * time.Second, 90 * time.Second},
		log:         logging.WithComponent("runner"),
	}
}

// IsAvailable reports whether the claude CLI is on PATH.
func (r *Runner) IsAvailable() bool {
	_, err := exec.LookPath(r.command)
	return err == nil
}

// LogPath returns the run log location for a stage invocation.
func LogPath(root string, ref ticket.Ref, workflow string, now time.Time) string {
	name := fmt.Sprintf("%s-%s.log", strings.ToLower(workflow), now.Format("20060102-1504"))
	return filepath.Join(root, ref.Host, ref.Owner, ref.Repo, strconv.Itoa(ref.Number), name)
}

// sessionPath is the companion file holding the captured session ID.
func sessionPath(logPath string) string {
	return strings.TrimSuffix(logPath, ".log") + ".session"
}

// Run executes a prompt, retrying transient exits with backoff.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if req.IdleTimeout <= 0 {
		req.IdleTimeout = DefaultIdleTimeout
	}

	runID := uuid.NewString()
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := r.runOnce(ctx, runID, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= len(r.retryDelays) || !isTransientExit(err) || ctx.Err() != nil {
			return result, lastErr
		}

		delay := r.retryDelays[attempt]
		r.log.Warn("Transient failure, retrying",
			slog.String("run_id", runID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return result, lastErr
		case <-time.After(delay):
		}
	}
}

func (r *Runner) buildArgs(req Request) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.MCPConfig != "" {
		args = append(args, "--mcp-config", req.MCPConfig)
	}
	return args
}

func (r *Runner) runOnce(ctx context.Context, runID string, req Request) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, r.buildArgs(req)...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Own process group so kills reach children the CLI spawned. A child
	// holding the inherited stdout pipe would otherwise stall the stream
	// readers long after the CLI itself is dead.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Prefer SIGTERM over the default SIGKILL so the CLI can flush state.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	var logFile *os.File
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open run log: %w", err)
		}
		logFile = f
		defer logFile.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude: %w", err)
	}
	r.log.Debug("Claude started",
		slog.String("run_id", runID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("model", req.Model),
	)

	result := &Result{RunID: runID, SessionID: req.SessionID}
	var stderrOutput strings.Builder
	var idleKilled atomic.Bool
	var wg sync.WaitGroup

	cmdDone := make(chan struct{})

	// Heartbeat tracking: last event time as Unix nano.
	var lastEventAt atomic.Int64
	lastEventAt.Store(time.Now().UnixNano())

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go func() {
		ticker := time.NewTicker(heartbeatCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-cmdDone:
				return
			case <-ticker.C:
				age := time.Since(time.Unix(0, lastEventAt.Load()))
				if age > req.IdleTimeout {
					r.log.Warn("Idle timeout, killing hung process",
						slog.String("run_id", runID),
						slog.Int("pid", cmd.Process.Pid),
						slog.Duration("last_event_age", age),
					)
					idleKilled.Store(true)
					if cmd.Process != nil {
						_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
					}
					return
				}
			}
		}
	}()

	// Read stdout (stream-json events).
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			lastEventAt.Store(time.Now().UnixNano())

			if logFile != nil {
				fmt.Fprintln(logFile, line)
			}

			event := parseStreamEvent(line)
			if event.SessionID != "" {
				result.SessionID = event.SessionID
			}
			if event.Type == eventResult {
				result.Output = event.Message
				if event.IsError && result.Output == "" {
					result.Output = "error result"
				}
			}
			result.Metrics.TokensInput += event.TokensInput
			result.Metrics.TokensOutput += event.TokensOutput
			if event.Model != "" {
				result.Metrics.Model = event.Model
			}
		}
	}()

	// Read stderr.
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			stderrOutput.WriteString(line + "\n")
			if logFile != nil {
				fmt.Fprintln(logFile, "[stderr] "+line)
			}
		}
	}()

	// Grace-kill on cancellation: SIGTERM from CommandContext, then SIGKILL.
	go func() {
		select {
		case <-cmdDone:
			return
		case <-runCtx.Done():
			if cmd.Process == nil {
				return
			}
			select {
			case <-cmdDone:
			case <-time.After(GracePeriod):
				r.log.Warn("Grace period expired, sending SIGKILL",
					slog.String("run_id", runID),
					slog.Int("pid", cmd.Process.Pid),
				)
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(cmdDone)

	if result.SessionID != "" && req.LogPath != "" {
		if err := os.WriteFile(sessionPath(req.LogPath), []byte(result.SessionID+"\n"), 0o644); err != nil {
			r.log.Warn("Failed to write session file", slog.Any("error", err))
		}
	}

	if waitErr != nil {
		if idleKilled.Load() {
			return result, fmt.Errorf("claude idle for over %s: %w", req.IdleTimeout, ErrIdleTimeout)
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return result, fmt.Errorf("claude ran past %s: %w", req.Timeout, ErrTimeout)
		}
		return result, fmt.Errorf("claude exited: %w: %s", waitErr, strings.TrimSpace(stderrOutput.String()))
	}
	return result, nil
}

// transientMarkers are substrings of stderr/exit errors that indicate a
// failure outside the workflow itself and worth a retry.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"network",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"overloaded",
	"rate limit",
	"too many requests",
	"529",
	"etimedout",
	"enotfound",
	"econnreset",
	"oauth token has expired",
	"authentication_error",
}

func isTransientExit(err error) bool {
	if err == nil {
		return false
	}
	// Our own timeout kills carry marker-looking text; they are terminal.
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrIdleTimeout) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
