// Package store defines the persistence contract for chat → thread bindings.
package store

import (
	"context"
	"errors"
)

var (
	// ErrCorruptState is returned by Load when persisted state exists but cannot be parsed.
	// Callers log it and continue with empty state.
	ErrCorruptState = errors.New("session state is corrupt")

	// ErrIO wraps persistence write failures. Non-fatal: the binding stays memory-only.
	ErrIO = errors.New("session state write failed")
)

// Bindings maps a chat id to the id of the Codex thread bound to it.
type Bindings map[string]string

// Clone returns an independent copy of b (never nil).
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// BindingStore persists the whole binding map.
// Save overwrites previous state wholesale; readers never observe a partial write.
type BindingStore interface {
	// Load returns the persisted bindings. Absent state yields an empty map and nil error.
	Load(ctx context.Context) (Bindings, error)
	// Save replaces the persisted bindings with b.
	Save(ctx context.Context, b Bindings) error
	// Describe names the backing location for logs (path or driver).
	Describe() string
}
