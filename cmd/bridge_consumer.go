package cmd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
)

// messageHandler is the part of *router.Router the consumer needs.
type messageHandler interface {
	Handle(ctx context.Context, msg bus.InboundMessage)
}

// consumeInboundMessages hands every inbound message to the router on its own
// goroutine so a slow Codex turn in one chat never delays another chat.
// It returns after ctx is done and all in-flight messages have finished.
func consumeInboundMessages(ctx context.Context, queue bus.InboundQueue, h messageHandler) error {
	slog.Info("inbound message consumer started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, ok := queue.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return nil
		}
		wg.Add(1)
		go func(msg bus.InboundMessage) {
			defer wg.Done()
			h.Handle(ctx, msg)
		}(msg)
	}
}
