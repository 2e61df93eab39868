// Package logring keeps the most recent log records in memory so the
// ops API can serve them without touching the log files.
package logring

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a single captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingBuffer is a fixed-capacity circular buffer of log entries.
// Safe for concurrent use.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int // next write position
	full    bool
	cap     int
}

// NewRingBuffer creates a ring buffer holding up to capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		entries: make([]Entry, capacity),
		cap:     capacity,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.cap
	if rb.head == 0 || rb.full {
		rb.full = true
	}
	rb.mu.Unlock()
}

// Entries returns up to limit entries at or above minLevel, newest
// first. limit <= 0 means no limit.
func (rb *RingBuffer) Entries(limit int, minLevel slog.Level) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.lenLocked()
	var result []Entry
	for i := 0; i < n && (limit <= 0 || len(result) < limit); i++ {
		idx := (rb.head - 1 - i + rb.cap) % rb.cap
		e := rb.entries[idx]
		if e.Level < minLevel {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Len returns the number of buffered entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.lenLocked()
}

func (rb *RingBuffer) lenLocked() int {
	if rb.full {
		return rb.cap
	}
	return rb.head
}

// TeeHandler forwards records to an inner slog.Handler and captures a
// copy into a RingBuffer.
type TeeHandler struct {
	inner  slog.Handler
	ring   *RingBuffer
	attrs  []slog.Attr
	groups []string
}

// NewTeeHandler wraps inner so every record is also stored in ring.
func NewTeeHandler(inner slog.Handler, ring *RingBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, ring: ring}
}

// Enabled delegates to the inner handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures the record and forwards it.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}

	h.ring.Add(entry)
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes pre-set.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if attrs == nil {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}

func groupPrefix(groups []string) string {
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}
