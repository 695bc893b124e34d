// Package dedup guards the router against duplicate and stale event delivery.
//
// The record is in-memory only and resets on restart: it gives at-most-once
// handling per process lifetime, not exactly-once across restarts.
package dedup

import (
	"sync"
	"time"
)

const (
	// StaleThreshold is the maximum event age before it is treated as a replay/backfill artifact.
	StaleThreshold = 60 * time.Second

	// MaxProcessed bounds the number of remembered event ids.
	MaxProcessed = 1000
)

// Verdict explains a ShouldProcess decision.
type Verdict int

const (
	Accept Verdict = iota
	RejectStale
	RejectDuplicate
	RejectEmptyID
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case RejectStale:
		return "stale"
	case RejectDuplicate:
		return "duplicate"
	case RejectEmptyID:
		return "empty_id"
	default:
		return "unknown"
	}
}

// Filter remembers the most recent accepted event ids in a fixed-size FIFO ring.
// Safe for concurrent use.
type Filter struct {
	staleAfter time.Duration
	now        func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string // insertion order; ring[head] is the oldest once full
	head int
	size int
}

// Option customizes a Filter.
type Option func(*Filter)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// New creates a Filter with the given staleness threshold and capacity.
// Non-positive values fall back to StaleThreshold and MaxProcessed.
func New(staleAfter time.Duration, capacity int, opts ...Option) *Filter {
	if staleAfter <= 0 {
		staleAfter = StaleThreshold
	}
	if capacity <= 0 {
		capacity = MaxProcessed
	}
	f := &Filter{
		staleAfter: staleAfter,
		now:        time.Now,
		seen:       make(map[string]struct{}, capacity),
		ring:       make([]string, capacity),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewDefault creates a Filter with the fixed production limits.
func NewDefault() *Filter { return New(StaleThreshold, MaxProcessed) }

// ShouldProcess reports whether the event should be handled, recording it on acceptance.
func (f *Filter) ShouldProcess(eventID string, createdAt time.Time) bool {
	return f.Check(eventID, createdAt) == Accept
}

// Check is ShouldProcess with the reason for the decision.
// A zero createdAt (unknown timestamp) is never stale. Rejected events are not recorded.
func (f *Filter) Check(eventID string, createdAt time.Time) Verdict {
	if eventID == "" {
		return RejectEmptyID
	}
	if !createdAt.IsZero() && f.now().Sub(createdAt) > f.staleAfter {
		return RejectStale
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[eventID]; ok {
		return RejectDuplicate
	}
	f.record(eventID)
	return Accept
}

// record inserts id, evicting the oldest entry when the ring is full. Caller holds mu.
func (f *Filter) record(id string) {
	capacity := len(f.ring)
	if f.size < capacity {
		f.ring[(f.head+f.size)%capacity] = id
		f.size++
	} else {
		delete(f.seen, f.ring[f.head])
		f.ring[f.head] = id
		f.head = (f.head + 1) % capacity
	}
	f.seen[id] = struct{}{}
}

// Seen reports whether id is currently remembered.
func (f *Filter) Seen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[id]
	return ok
}

// Len returns the number of remembered ids.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}
