// Package testutil provides deterministic helpers for tests: a capturing
// slog handler for asserting on diagnostics, and fixed seeds helpers.
package testutil

import (
	"context"
	"log/slog"
	"sync"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

// LogCapture records every log record passed through its handler.
// Safe for concurrent use.
type LogCapture struct {
	mu      sync.Mutex
	entries []LogEntry
}

// Entries returns a copy of the captured records.
func (c *LogCapture) Entries() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.entries...)
}

// Count returns how many records at the given level were captured.
func (c *LogCapture) Count(level slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Contains reports whether any record at the level carries the message.
func (c *LogCapture) Contains(level slog.Level, message string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

type captureHandler struct {
	capture *LogCapture
}

func (h captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h captureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]string),
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.String()
		return true
	})
	h.capture.mu.Lock()
	h.capture.entries = append(h.capture.entries, entry)
	h.capture.mu.Unlock()
	return nil
}

func (h captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h captureHandler) WithGroup(string) slog.Handler { return h }

// NewCaptureLogger returns a logger whose records are retained for
// inspection.
func NewCaptureLogger() (*slog.Logger, *LogCapture) {
	capture := &LogCapture{}
	return slog.New(captureHandler{capture: capture}), capture
}
