// Package router turns accepted chat messages into Codex turns and replies.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
	"github.com/nextlevelbuilder/codexclaw/internal/codex"
	"github.com/nextlevelbuilder/codexclaw/internal/dedup"
	"github.com/nextlevelbuilder/codexclaw/internal/store"
	"github.com/nextlevelbuilder/codexclaw/pkg/protocol"
)

const (
	DefaultFallbackText = "Codex returned no content"
	DefaultErrorPrefix  = "Error: "

	previewWidth = 50
)

// Replier delivers a reply addressed to the platform message it answers.
type Replier interface {
	Reply(ctx context.Context, messageID, text string) error
}

// Config wires a Router. Backend, Store and Replier are required.
type Config struct {
	Backend  Backend
	Store    store.BindingStore
	Replier  Replier
	Events   bus.EventPublisher // optional
	Filter   *dedup.Filter      // nil = dedup.NewDefault()
	Bindings store.Bindings     // snapshot loaded at startup

	ThreadOptions codex.ThreadOptions
	FallbackText  string // reply when the backend produced no content
	ErrorPrefix   string // prepended to the error message in failure replies
}

// Router owns the per-process routing state: dedup records, live threads and bindings.
type Router struct {
	filter   *dedup.Filter
	resolver *Resolver
	bindings *bindingTable
	store    store.BindingStore
	replier  Replier
	events   bus.EventPublisher
	tracer   trace.Tracer

	fallbackText string
	errorPrefix  string

	accepted atomic.Int64
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Filter == nil {
		cfg.Filter = dedup.NewDefault()
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.ErrorPrefix == "" {
		cfg.ErrorPrefix = DefaultErrorPrefix
	}
	bindings := newBindingTable(cfg.Bindings)
	return &Router{
		filter:       cfg.Filter,
		resolver:     newResolver(cfg.Backend, cfg.ThreadOptions, bindings, cfg.Events),
		bindings:     bindings,
		store:        cfg.Store,
		replier:      cfg.Replier,
		events:       cfg.Events,
		tracer:       otel.Tracer("github.com/nextlevelbuilder/codexclaw/internal/router"),
		fallbackText: cfg.FallbackText,
		errorPrefix:  cfg.ErrorPrefix,
	}
}

// Handle processes one inbound message. Every accepted message gets exactly
// one reply attempt: the backend's answer, the fallback text, or an error description.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage) {
	if !msg.IsText() {
		slog.Debug("router: ignoring non-text message", "message_id", msg.ID, "type", msg.Type)
		r.publish(protocol.EventMessageDropped, protocol.MessageEventPayload{
			MessageID: msg.ID, ChatID: msg.ChatID, Reason: protocol.DropReasonNotText,
		})
		return
	}

	if v := r.filter.Check(msg.ID, msg.CreatedAt); v != dedup.Accept {
		slog.Debug("router: dropping message", "message_id", msg.ID, "chat_id", msg.ChatID, "reason", v.String())
		r.publish(protocol.EventMessageDropped, protocol.MessageEventPayload{
			MessageID: msg.ID, ChatID: msg.ChatID, Reason: v.String(),
		})
		return
	}

	runID := uuid.NewString()
	r.accepted.Add(1)

	ctx, span := r.tracer.Start(ctx, "router.handle", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("chat_id", msg.ChatID),
		attribute.String("message_id", msg.ID),
	))
	defer span.End()

	log := slog.With("run_id", runID, "chat_id", msg.ChatID, "message_id", msg.ID)
	log.Info("router: message accepted", "text", preview(msg.Text))
	r.publish(protocol.EventMessageAccepted, protocol.MessageEventPayload{
		RunID: runID, MessageID: msg.ID, ChatID: msg.ChatID,
	})

	reply, err := r.process(ctx, log, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("router: turn failed", "error", err)
		reply = r.errorPrefix + userMessage(err)
	}

	if err := r.replier.Reply(ctx, msg.ID, reply); err != nil {
		log.Error("router: reply failed", "error", err)
		r.publish(protocol.EventReplyFailed, protocol.MessageEventPayload{
			RunID: runID, MessageID: msg.ID, ChatID: msg.ChatID, Error: err.Error(),
		})
		return
	}
	log.Info("router: reply sent", "reply", preview(reply))
	r.publish(protocol.EventReplySent, protocol.MessageEventPayload{
		RunID: runID, MessageID: msg.ID, ChatID: msg.ChatID,
	})
}

// process resolves the thread, runs the turn and persists a changed binding.
func (r *Router) process(ctx context.Context, log *slog.Logger, msg bus.InboundMessage) (string, error) {
	rctx, rspan := r.tracer.Start(ctx, "router.resolve")
	thread, err := r.resolver.Resolve(rctx, msg.ChatID)
	rspan.End()
	if err != nil {
		return "", err
	}

	cctx, cspan := r.tracer.Start(ctx, "codex.run")
	turn, err := thread.Run(cctx, msg.Text)
	if err != nil {
		cspan.RecordError(err)
		cspan.SetStatus(codes.Error, err.Error())
	}
	cspan.End()
	if err != nil {
		return "", err
	}

	r.persist(ctx, log, msg.ChatID, thread.ID())

	if turn == nil || strings.TrimSpace(turn.FinalResponse) == "" {
		return r.fallbackText, nil
	}
	return turn.FinalResponse, nil
}

// persist saves the binding when the thread id differs from the stored one.
// Save failures leave the binding in memory only.
func (r *Router) persist(ctx context.Context, log *slog.Logger, chatID, threadID string) {
	changed, err := r.bindings.bind(chatID, threadID, func(b store.Bindings) error {
		return r.store.Save(ctx, b)
	})
	if !changed {
		return
	}
	if err != nil {
		log.Error("session.save_failed", "thread_id", threadID, "store", r.store.Describe(), "error", err)
		r.publish(protocol.EventSessionSaveFailed, protocol.SessionEventPayload{
			ChatID: chatID, ThreadID: threadID, Error: err.Error(),
		})
		return
	}
	log.Info("router: session bound", "thread_id", threadID)
	r.publish(protocol.EventSessionBound, protocol.SessionEventPayload{ChatID: chatID, ThreadID: threadID})
}

func (r *Router) publish(name string, payload interface{}) {
	if r.events == nil {
		return
	}
	r.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// --- Stats ---

// Sessions returns the number of chats with a live thread.
func (r *Router) Sessions() int { return r.resolver.Len() }

// Bindings returns the number of persisted chat bindings.
func (r *Router) Bindings() int { return r.bindings.len() }

// Messages returns the number of accepted messages.
func (r *Router) Messages() int64 { return r.accepted.Load() }

// userMessage is the part of err shown to the chat user.
func userMessage(err error) string {
	var be *codex.BackendError
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return err.Error()
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, previewWidth, "...")
}
