package status

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultLogCapacity is the number of entries kept by NewLogBuffer(0).
const DefaultLogCapacity = 500

// LogEntry is one line of the status log feed.
type LogEntry struct {
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// LogBuffer keeps the most recent log entries in a fixed-size ring.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool

	listenerMu sync.RWMutex
	listeners  map[string]func(LogEntry)
}

// NewLogBuffer creates a ring holding up to capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{
		entries:   make([]LogEntry, capacity),
		listeners: make(map[string]func(LogEntry)),
	}
}

// Add appends e, evicting the oldest entry when the ring is full.
func (b *LogBuffer) Add(e LogEntry) {
	b.mu.Lock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()

	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	for _, fn := range b.listeners {
		fn(e)
	}
}

// Entries returns the buffered entries, oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]LogEntry, b.next)
		copy(out, b.entries[:b.next])
		return out
	}
	out := make([]LogEntry, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	out = append(out, b.entries[:b.next]...)
	return out
}

// Listen registers fn to be called for every new entry. fn must not block or log.
func (b *LogBuffer) Listen(id string, fn func(LogEntry)) {
	b.listenerMu.Lock()
	b.listeners[id] = fn
	b.listenerMu.Unlock()
}

// Unlisten removes the listener registered under id.
func (b *LogBuffer) Unlisten(id string) {
	b.listenerMu.Lock()
	delete(b.listeners, id)
	b.listenerMu.Unlock()
}

// --- slog tee ---

// TeeHandler forwards records to an inner handler and copies them into a LogBuffer.
type TeeHandler struct {
	inner  slog.Handler
	buf    *LogBuffer
	attrs  []slog.Attr
	groups []string
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler wraps inner so every handled record is also recorded in buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.buf.Add(LogEntry{
		Timestamp: ts.UnixMilli(),
		Level:     strings.ToLower(r.Level.String()),
		Message:   h.format(r),
	})
	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	c.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		c.attrs = append(c.attrs, h.qualify(a))
	}
	return c
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.inner = h.inner.WithGroup(name)
	c.groups = append(c.groups, name)
	return c
}

func (h *TeeHandler) clone() *TeeHandler {
	return &TeeHandler{
		inner:  h.inner,
		buf:    h.buf,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func (h *TeeHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	a.Key = strings.Join(h.groups, ".") + "." + a.Key
	return a
}

// format renders "message k=v k=v" the way the text handler would, minus time and level.
func (h *TeeHandler) format(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Message)
	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(a.Value.Resolve().String())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.qualify(a))
		return true
	})
	return sb.String()
}
