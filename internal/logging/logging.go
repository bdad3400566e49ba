// Package logging provides structured logging for Kiln using Go's slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// Context keys for log fields
	issueRefKey  contextKey = "issue_ref"
	componentKey contextKey = "component"
	workflowKey  contextKey = "workflow"
	runIDKey     contextKey = "run_id"
)

var (
	// defaultLogger is the global logger instance
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          // debug, info, warn, error
	Format   string          // json, text
	Output   string          // stdout, stderr, or file path
	Rotation *RotationConfig // Log rotation settings
	Mask     *MaskConfig     // Optional hostname/org redaction
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	MaxSize    int64 // bytes; 0 means default
	MaxBackups int   // number of backup files to keep
}

// MaskConfig identifies strings that must never appear in log output.
// When set, every record has Hostname replaced with "ghes.invalid" and
// Org replaced with "org" before it reaches the handler.
type MaskConfig struct {
	Hostname string
	Org      string
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)
	writer, err := getWriter(cfg)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	if cfg.Mask != nil && (cfg.Mask.Hostname != "" || cfg.Mask.Org != "") {
		handler = newMaskHandler(handler, cfg.Mask)
	}

	loggerMu.Lock()
	defaultLogger = slog.New(handler)
	loggerMu.Unlock()
	slog.SetDefault(defaultLogger)

	return nil
}

// Suppress redirects all logging to io.Discard. Used by the dashboard TUI
// so log lines do not corrupt the terminal display.
func Suppress() {
	discardLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loggerMu.Lock()
	defaultLogger = discardLogger
	loggerMu.Unlock()

	slog.SetDefault(discardLogger)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
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

// getWriter returns the appropriate io.Writer based on config.
func getWriter(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithIssue returns a logger with an issue_ref attribute.
func WithIssue(issueRef string) *slog.Logger {
	return Logger().With(slog.String("issue_ref", issueRef))
}

// WithRun returns a logger scoped to a single executor run.
func WithRun(runID, workflow string) *slog.Logger {
	return Logger().With(
		slog.String("run_id", runID),
		slog.String("workflow", workflow),
	)
}

// WithContext returns a logger with values from context.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if issueRef := ctx.Value(issueRefKey); issueRef != nil {
		logger = logger.With(slog.String("issue_ref", issueRef.(string)))
	}
	if component := ctx.Value(componentKey); component != nil {
		logger = logger.With(slog.String("component", component.(string)))
	}
	if workflow := ctx.Value(workflowKey); workflow != nil {
		logger = logger.With(slog.String("workflow", workflow.(string)))
	}
	if runID := ctx.Value(runIDKey); runID != nil {
		logger = logger.With(slog.String("run_id", runID.(string)))
	}

	return logger
}

// ContextWithIssue adds an issue ref to the context.
func ContextWithIssue(ctx context.Context, issueRef string) context.Context {
	return context.WithValue(ctx, issueRefKey, issueRef)
}

// ContextWithComponent adds a component name to the context.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// ContextWithWorkflow adds a workflow name to the context.
func ContextWithWorkflow(ctx context.Context, workflow string) context.Context {
	return context.WithValue(ctx, workflowKey, workflow)
}

// ContextWithRunID adds a run ID to the context.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// Convenience functions that use the default logger

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}
