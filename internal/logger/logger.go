// Package logger wraps log/slog for the worktree-session binary.
//
// Components never reach for a global logger directly; they receive a
// *slog.Logger (usually from WithComponent) through their options. Until
// Init is called every logger discards its output, which keeps library use
// and tests quiet.
package logger

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
	mu       sync.Mutex
	levelVar = new(slog.LevelVar)
	root     = slog.New(slog.DiscardHandler)
	logFile  *os.File
	logPath  string
)

// ParseLevel converts "debug", "info", "warn" or "error" to a slog.Level.
// Unknown values yield info.
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

// Init opens path for appending and routes all component loggers to it.
// When mirror is non-nil every record is also written there (the CLI
// passes os.Stderr for --verbose).
func Init(path string, level slog.Level, mirror io.Writer) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	logPath = path

	var w io.Writer = f
	if mirror != nil {
		w = io.MultiWriter(f, mirror)
	}
	levelVar.Set(level)
	root = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
	root.Debug("logger initialized", "path", path, "level", level.String())
	return nil
}

// InitWriter routes all loggers to w. Used by tests and by the CLI when no
// log file can be opened.
func InitWriter(w io.Writer, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	levelVar.Set(level)
	root = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

// SetLevel changes the minimum level at runtime.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// WithComponent returns a logger tagged with component=name.
func WithComponent(name string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With(slog.String("component", name))
}

// Path returns the current log file path, or "" when logging to a writer.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// Close closes the log file and resets the root logger to discard.
// Records from loggers handed out earlier are dropped.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	logPath = ""
	root = slog.New(slog.DiscardHandler)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
