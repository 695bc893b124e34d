package router

import (
	"sync"

	"github.com/nextlevelbuilder/codexclaw/internal/store"
)

// bindingTable is the in-memory ChatId → ThreadId map mirrored to the store.
type bindingTable struct {
	mu sync.Mutex
	m  store.Bindings
}

func newBindingTable(initial store.Bindings) *bindingTable {
	return &bindingTable{m: initial.Clone()}
}

// bind records chatID → threadID when it differs from the current binding and
// hands the updated snapshot to save while still holding the lock, so
// concurrent rebinds reach the store in the order they were applied.
// The in-memory binding is kept even when save fails.
func (b *bindingTable) bind(chatID, threadID string, save func(store.Bindings) error) (changed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threadID == "" || b.m[chatID] == threadID {
		return false, nil
	}
	b.m[chatID] = threadID
	return true, save(b.m.Clone())
}

func (b *bindingTable) get(chatID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.m[chatID]
	return id, ok
}

func (b *bindingTable) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}
