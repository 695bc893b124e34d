package router

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
	"github.com/nextlevelbuilder/codexclaw/internal/codex"
	"github.com/nextlevelbuilder/codexclaw/pkg/protocol"
)

// Backend opens Codex threads. *codex.Client implements it.
type Backend interface {
	StartThread(ctx context.Context, opts codex.ThreadOptions) (codex.Thread, error)
	ResumeThread(ctx context.Context, id string, opts codex.ThreadOptions) (codex.Thread, error)
}

var _ Backend = (*codex.Client)(nil)

// Resolver maps a chat to its live thread: cache, then resume of the
// persisted id, then a new thread. At most one resolution per chat is in
// flight; concurrent callers wait for it and share the result.
type Resolver struct {
	backend  Backend
	opts     codex.ThreadOptions
	bindings *bindingTable
	events   bus.EventPublisher

	mu      sync.RWMutex
	threads map[string]codex.Thread

	group singleflight.Group
}

func newResolver(backend Backend, opts codex.ThreadOptions, bindings *bindingTable, events bus.EventPublisher) *Resolver {
	return &Resolver{
		backend:  backend,
		opts:     opts,
		bindings: bindings,
		events:   events,
		threads:  make(map[string]codex.Thread),
	}
}

// Resolve returns the thread for chatID. Resume failures fall back to a new
// thread; only a failure to start one is returned.
func (r *Resolver) Resolve(ctx context.Context, chatID string) (codex.Thread, error) {
	if th, ok := r.cached(chatID); ok {
		return th, nil
	}

	v, err, _ := r.group.Do(chatID, func() (interface{}, error) {
		if th, ok := r.cached(chatID); ok {
			return th, nil
		}
		th, err := r.open(ctx, chatID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.threads[chatID] = th
		r.mu.Unlock()
		return th, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(codex.Thread), nil
}

func (r *Resolver) open(ctx context.Context, chatID string) (codex.Thread, error) {
	if threadID, ok := r.bindings.get(chatID); ok && threadID != "" {
		slog.Info("router: resuming thread", "chat_id", chatID, "thread_id", threadID)
		th, err := r.backend.ResumeThread(ctx, threadID, r.opts)
		if err == nil {
			r.publish(protocol.SessionEventPayload{ChatID: chatID, ThreadID: threadID, Resumed: true})
			return th, nil
		}
		slog.Warn("router: resume failed, starting new thread", "chat_id", chatID, "thread_id", threadID, "error", err)
	}

	th, err := r.backend.StartThread(ctx, r.opts)
	if err != nil {
		return nil, err
	}
	slog.Info("router: new thread", "chat_id", chatID)
	r.publish(protocol.SessionEventPayload{ChatID: chatID})
	return th, nil
}

func (r *Resolver) cached(chatID string) (codex.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	th, ok := r.threads[chatID]
	return th, ok
}

// Len returns the number of chats with a live thread.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}

func (r *Resolver) publish(p protocol.SessionEventPayload) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{Name: protocol.EventThreadReady, Payload: p})
}
