// Package feishu implements the Feishu/Lark channel using native HTTP + WebSocket.
// Supports: DM + Group, WebSocket long connection + Webhook, mentions, replies by message id.
// Default domain: Feishu (open.feishu.cn).
package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/codexclaw/internal/bus"
	"github.com/nextlevelbuilder/codexclaw/internal/channels"
	"github.com/nextlevelbuilder/codexclaw/internal/config"
)

const (
	defaultTextChunkLimit = 4000
	defaultWebhookPort    = 3001
	defaultWebhookPath    = "/feishu/events"
)

// Channel connects to Feishu/Lark via native HTTP + WebSocket.
type Channel struct {
	*channels.BaseChannel
	cfg       config.FeishuConfig
	client    *LarkClient
	botOpenID string

	mu         sync.Mutex
	stopOnce   sync.Once
	httpServer *http.Server
	wsClient   *WSClient
	errCh      chan error // first fatal error from the background receiver
}

// New creates a new Feishu/Lark channel publishing to queue.
func New(cfg config.FeishuConfig, queue bus.InboundQueue) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}

	client := NewLarkClient(cfg.AppID, cfg.AppSecret, resolveDomain(cfg.Domain))

	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", queue, cfg.AllowFrom),
		cfg:         cfg,
		client:      client,
		errCh:       make(chan error, 1),
	}, nil
}

// Err delivers the error that stopped the background receiver: the
// long connection exhausting its reconnect budget or the webhook server
// failing to serve. It never fires after a normal Stop.
func (c *Channel) Err() <-chan error { return c.errCh }

func (c *Channel) fail(err error) {
	c.SetRunning(false)
	select {
	case c.errCh <- err:
	default:
	}
}

// Start begins receiving Feishu events via WebSocket or Webhook.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting feishu/lark bot", "domain", resolveDomain(c.cfg.Domain))

	// Probe bot identity (needed for mention detection)
	if err := c.probeBotInfo(ctx); err != nil {
		slog.Warn("feishu bot probe failed (will continue)", "error", err)
	} else {
		slog.Info("feishu bot connected", "bot_open_id", c.botOpenID)
	}

	mode := c.cfg.ConnectionMode
	if mode == "" {
		mode = "websocket"
	}

	var err error
	switch mode {
	case "webhook":
		err = c.startWebhook()
	default: // "websocket"
		c.startWebSocket(ctx)
	}
	if err != nil {
		return err
	}
	c.SetRunning(true)
	return nil
}

// Stop shuts down the Feishu channel.
func (c *Channel) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		slog.Info("stopping feishu/lark bot")
		c.mu.Lock()
		ws, srv := c.wsClient, c.httpServer
		c.mu.Unlock()

		if ws != nil {
			ws.Stop()
		}
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
			}
		}
		c.SetRunning(false)
	})
	return nil
}

// Reply answers the message with the given id. Long text is split into
// several replies to the same message.
func (c *Channel) Reply(ctx context.Context, messageID, text string) error {
	if messageID == "" {
		return errors.New("feishu reply: empty message id")
	}
	if text == "" {
		return nil
	}

	useCard := false
	switch c.cfg.RenderMode {
	case "card":
		useCard = true
	case "auto":
		useCard = shouldUseCard(text)
	}

	if useCard {
		return c.replyMarkdownCard(ctx, messageID, text)
	}

	chunkLimit := c.cfg.TextChunkLimit
	if chunkLimit <= 0 {
		chunkLimit = defaultTextChunkLimit
	}
	for _, chunk := range chunkText(text, chunkLimit) {
		if err := c.replyText(ctx, messageID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// --- Connection modes ---

// wsEventAdapter adapts Channel's event handling to the WSEventHandler interface.
type wsEventAdapter struct {
	ch *Channel
}

func (a *wsEventAdapter) HandleEvent(ctx context.Context, payload []byte) error {
	var event MessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Debug("feishu ws: parse event failed", "error", err)
		return nil
	}
	if event.Header.EventType == eventMessageReceive {
		a.ch.handleMessageEvent(&event)
	}
	return nil
}

func (c *Channel) startWebSocket(ctx context.Context) {
	slog.Info("feishu: starting WebSocket connection")

	ws := NewWSClient(c.cfg.AppID, c.cfg.AppSecret, resolveDomain(c.cfg.Domain), &wsEventAdapter{ch: c})
	c.mu.Lock()
	c.wsClient = ws
	c.mu.Unlock()

	go func() {
		if err := ws.Start(ctx); err != nil {
			slog.Error("feishu websocket error", "error", err)
			c.fail(err)
		}
	}()
}

func (c *Channel) startWebhook() error {
	port := c.cfg.WebhookPort
	if port <= 0 {
		port = defaultWebhookPort
	}
	path := c.cfg.WebhookPath
	if path == "" {
		path = defaultWebhookPath
	}

	handler := NewWebhookHandler(c.cfg.VerificationToken, c.cfg.EncryptKey, channels.NewWebhookRateLimiter(), c.handleMessageEvent)

	mux := http.NewServeMux()
	mux.HandleFunc(path, handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.mu.Lock()
	c.httpServer = srv
	c.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("feishu webhook server error", "error", err)
			c.fail(fmt.Errorf("webhook server: %w", err))
		}
	}()

	slog.Info("feishu Webhook server listening", "port", port, "path", path)
	return nil
}

// --- Bot probe ---

func (c *Channel) probeBotInfo(ctx context.Context) error {
	openID, err := c.client.GetBotInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetch bot info: %w", err)
	}
	if openID == "" {
		return fmt.Errorf("bot open_id is empty")
	}
	c.botOpenID = openID
	return nil
}

// --- Reply helpers ---

func (c *Channel) replyText(ctx context.Context, messageID, text string) error {
	content, _ := json.Marshal(map[string]string{"text": text})
	if _, err := c.client.ReplyMessage(ctx, messageID, "text", string(content)); err != nil {
		return fmt.Errorf("feishu reply text: %w", err)
	}
	return nil
}

func (c *Channel) replyMarkdownCard(ctx context.Context, messageID, text string) error {
	cardJSON, err := json.Marshal(buildMarkdownCard(text))
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	if _, err := c.client.ReplyMessage(ctx, messageID, "interactive", string(cardJSON)); err != nil {
		return fmt.Errorf("feishu reply card: %w", err)
	}
	return nil
}

// chunkText splits text into pieces of at most limit runes, preferring to cut
// after a newline in the second half of a piece.
func chunkText(text string, limit int) []string {
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cutAt := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}

// --- Domain resolution ---

func resolveDomain(domain string) string {
	switch domain {
	case "", "feishu":
		return "https://open.feishu.cn"
	case "lark":
		return "https://open.larksuite.com"
	default:
		if !strings.HasPrefix(domain, "http") {
			return "https://" + domain
		}
		return strings.TrimRight(domain, "/")
	}
}

// --- Content builders ---

func buildMarkdownCard(text string) map[string]interface{} {
	return map[string]interface{}{
		"schema": "2.0",
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"body": map[string]interface{}{
			"elements": []map[string]interface{}{
				{
					"tag":     "markdown",
					"content": text,
				},
			},
		},
	}
}

// shouldUseCard detects if content benefits from card rendering (code blocks, tables).
func shouldUseCard(text string) bool {
	return strings.Contains(text, "```") ||
		strings.Contains(text, "| --- ") ||
		strings.Contains(text, "|---|")
}

// Ensure Channel implements the channels.Channel interface at compile time.
var _ channels.Channel = (*Channel)(nil)
