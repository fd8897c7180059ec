// Package logger implements ports.Logger on log/slog.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"go.trai.ch/tally/internal/adapters/detector"
)

// Logger writes pretty lines on terminals and JSON objects otherwise. It is
// safe for concurrent use.
type Logger struct {
	mu     sync.RWMutex
	logger *slog.Logger
	json   bool
	output io.Writer
}

// New creates a Logger writing to w, or to stderr when w is nil.
func New(w io.Writer, json bool) *Logger {
	l := &Logger{}
	l.configure(w, json)
	return l
}

// SetOutput redirects the logger, keeping its format.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configure(w, l.json)
}

// SetJSON switches between JSON and pretty output, keeping the destination.
func (l *Logger) SetJSON(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configure(l.output, enable)
}

func (l *Logger) configure(w io.Writer, json bool) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = NewPrettyHandler(w, detector.ColorEnabled(w), opts)
	}
	l.logger = slog.New(handler)
	l.json = json
	l.output = w
}

// Info logs an informational message.
func (l *Logger) Info(msg string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.Info(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.Warn(msg)
}

// Error logs err with its whole cause chain. Nil errors are ignored.
func (l *Logger) Error(err error) {
	if err == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := collectErrorEntries(err)
	if l.json {
		args := append([]any{"error", err.Error()}, flattenMetadata(entries)...)
		l.logger.Error(entries[0].Message, args...)
		return
	}
	l.logger.Error(formatErrorEntries(entries))
}
