// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// CaptureHandler is a slog.Handler that records entries in memory so
// tests can assert on what was logged:
//
//	capture := logging.NewCaptureHandler()
//	mgr := persist.New(persist.Options{Logger: slog.New(capture)})
//	...
//	require.True(t, capture.Contains(slog.LevelWarn, "legacy item"))
//
// Thread Safety: Safe for concurrent use.
type CaptureHandler struct {
	mu      sync.Mutex
	entries []CapturedEntry
	attrs   []slog.Attr
}

// CapturedEntry is one recorded log call.
type CapturedEntry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// NewCaptureHandler creates an empty CaptureHandler.
func NewCaptureHandler() *CaptureHandler {
	return &CaptureHandler{}
}

func (h *CaptureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := CapturedEntry{
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]any, r.NumAttrs()+len(h.attrs)),
	}
	for _, a := range h.attrs {
		entry.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
	return nil
}

// WithAttrs returns a child handler that records into the same buffer,
// so tests see entries from derived loggers too.
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &sharedCapture{parent: h, attrs: merged}
}

func (h *CaptureHandler) WithGroup(string) slog.Handler { return h }

// Entries returns a copy of everything recorded so far.
func (h *CaptureHandler) Entries() []CapturedEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]CapturedEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Contains reports whether any entry at the given level has a message
// containing substr.
func (h *CaptureHandler) Contains(level slog.Level, substr string) bool {
	for _, e := range h.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Count returns the number of entries at the given level.
func (h *CaptureHandler) Count(level slog.Level) int {
	n := 0
	for _, e := range h.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

// sharedCapture funnels a child handler's records into the parent buffer.
type sharedCapture struct {
	parent *CaptureHandler
	attrs  []slog.Attr
}

func (s *sharedCapture) Enabled(context.Context, slog.Level) bool { return true }

func (s *sharedCapture) Handle(ctx context.Context, r slog.Record) error {
	entry := CapturedEntry{
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]any, r.NumAttrs()+len(s.attrs)),
	}
	for _, a := range s.attrs {
		entry.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})
	s.parent.mu.Lock()
	s.parent.entries = append(s.parent.entries, entry)
	s.parent.mu.Unlock()
	return nil
}

func (s *sharedCapture) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sharedCapture{parent: s.parent, attrs: append(append([]slog.Attr{}, s.attrs...), attrs...)}
}

func (s *sharedCapture) WithGroup(string) slog.Handler { return s }
