// Package logger provides structured logging using slog with build context support.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ProjectKey is the context key for the project name.
	ProjectKey contextKey = "project"
	// BuildPathKey is the context key for the history ID path of the running build.
	BuildPathKey contextKey = "build_path"
	// SlaveKey is the context key for the slave name.
	SlaveKey contextKey = "slave"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified level and format writing to stdout.
func New(level slog.Level, json bool) *Logger {
	return NewWithWriter(os.Stdout, level, json)
}

// NewWithWriter creates a new Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, json bool) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog.Level.
// Unknown names map to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// WithContext returns a new Logger with fields extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if project := ProjectFromContext(ctx); project != "" {
		logger = logger.With("project", project)
	}

	if path := BuildPathFromContext(ctx); path != "" {
		logger = logger.With("build_path", path)
	}

	if slave, ok := ctx.Value(SlaveKey).(string); ok && slave != "" {
		logger = logger.With("slave", slave)
	}

	return &Logger{Logger: logger}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithError returns a new Logger with the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// ContextWithProject adds a project name to the context.
func ContextWithProject(ctx context.Context, project string) context.Context {
	return context.WithValue(ctx, ProjectKey, project)
}

// ContextWithBuildPath adds a history ID path (slash separated) to the context.
func ContextWithBuildPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, BuildPathKey, path)
}

// ContextWithSlave adds a slave name to the context.
func ContextWithSlave(ctx context.Context, slave string) context.Context {
	return context.WithValue(ctx, SlaveKey, slave)
}

// ProjectFromContext extracts the project name from context.
func ProjectFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(ProjectKey).(string); ok {
		return p
	}
	return ""
}

// BuildPathFromContext extracts the build path from context.
func BuildPathFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(BuildPathKey).(string); ok {
		return p
	}
	return ""
}
