package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsEndpointPath = "/callback/ws/endpoint"

	defaultPingInterval      = 120 * time.Second
	defaultReconnectInterval = 120 * time.Second
	defaultReconnectNonce    = 30 * time.Second
	fragmentTTL              = 10 * time.Second
	wsWriteTimeout           = 10 * time.Second
)

// WSEventHandler receives reassembled event payloads from the long connection.
type WSEventHandler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// wsClientConfig is the ClientConfig block the server sends with the endpoint
// and in pong payloads. Durations are in seconds.
type wsClientConfig struct {
	ReconnectCount    int `json:"ReconnectCount"`
	ReconnectInterval int `json:"ReconnectInterval"`
	ReconnectNonce    int `json:"ReconnectNonce"`
	PingInterval      int `json:"PingInterval"`
}

type wsEndpointResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		URL          string          `json:"URL"`
		ClientConfig *wsClientConfig `json:"ClientConfig"`
	} `json:"data"`
}

type fragmentBuf struct {
	parts    [][]byte
	received int
	created  time.Time
}

// WSClient maintains the Lark long connection: endpoint discovery, ping loop,
// fragment reassembly, acks and reconnects.
type WSClient struct {
	appID     string
	appSecret string
	domain    string
	handler   WSEventHandler

	httpClient *http.Client
	dialer     *websocket.Dialer

	mu                sync.Mutex
	conn              *websocket.Conn
	serviceID         int32
	pingInterval      time.Duration
	reconnectInterval time.Duration
	reconnectNonce    time.Duration
	reconnectCount    int // -1 = unlimited
	fragments         map[string]*fragmentBuf

	writeMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWSClient creates a long-connection client for the app.
func NewWSClient(appID, appSecret, domain string, handler WSEventHandler) *WSClient {
	return &WSClient{
		appID:             appID,
		appSecret:         appSecret,
		domain:            domain,
		handler:           handler,
		httpClient:        &http.Client{Timeout: 15 * time.Second},
		dialer:            &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		pingInterval:      defaultPingInterval,
		reconnectInterval: defaultReconnectInterval,
		reconnectNonce:    defaultReconnectNonce,
		reconnectCount:    -1,
		fragments:         make(map[string]*fragmentBuf),
		stopCh:            make(chan struct{}),
	}
}

// Start connects and serves until ctx is cancelled, Stop is called, or the
// server-configured reconnect budget is exhausted.
func (c *WSClient) Start(ctx context.Context) error {
	attempt := 0
	for {
		err := c.connectAndServe(ctx)
		if c.stopped(ctx) {
			return nil
		}
		attempt++

		c.mu.Lock()
		limit, interval, nonce := c.reconnectCount, c.reconnectInterval, c.reconnectNonce
		c.mu.Unlock()
		if limit >= 0 && attempt > limit {
			return fmt.Errorf("feishu ws: giving up after %d reconnects: %w", limit, err)
		}

		delay := interval
		if attempt == 1 && nonce > 0 {
			// First retry is spread over the nonce window instead of the full interval.
			delay = time.Duration(rand.Int64N(int64(nonce)))
		}
		slog.Warn("feishu ws: disconnected, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case <-time.After(delay):
		}
	}
}

// Stop closes the connection and ends the reconnect loop.
func (c *WSClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *WSClient) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (c *WSClient) connectAndServe(ctx context.Context) error {
	wsURL, err := c.fetchEndpoint(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("parse ws url: %w", err)
	}
	sid, _ := strconv.ParseInt(u.Query().Get("service_id"), 10, 32)
	c.mu.Lock()
	c.serviceID = int32(sid)
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws dial: %w (status=%d handshake=%s %s)", err, resp.StatusCode,
				resp.Header.Get("Handshake-Status"), resp.Header.Get("Handshake-Msg"))
		}
		return fmt.Errorf("ws dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Stop may have run between dial and registering conn.
	if c.stopped(ctx) {
		return nil
	}

	slog.Info("feishu ws: connected", "service_id", sid)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := unmarshalFrame(data)
		if err != nil {
			slog.Warn("feishu ws: bad frame", "error", err)
			continue
		}
		c.handleFrame(connCtx, conn, f)
	}
}

// fetchEndpoint asks the open platform for a connection URL and client config.
func (c *WSClient) fetchEndpoint(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"AppID": c.appID, "AppSecret": c.appSecret})
	req, err := http.NewRequestWithContext(ctx, "POST", c.domain+wsEndpointPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("locale", "zh")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ws endpoint request: %w", err)
	}
	defer resp.Body.Close()

	var result wsEndpointResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ws endpoint decode (http %d): %w", resp.StatusCode, err)
	}
	if result.Code != 0 {
		return "", &APIError{Op: "ws endpoint", Code: result.Code, Msg: result.Msg}
	}
	if result.Data.URL == "" {
		return "", errors.New("ws endpoint: empty URL")
	}
	if result.Data.ClientConfig != nil {
		c.applyConfig(*result.Data.ClientConfig)
	}
	return result.Data.URL, nil
}

func (c *WSClient) applyConfig(cc wsClientConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectCount = cc.ReconnectCount
	if cc.ReconnectInterval > 0 {
		c.reconnectInterval = time.Duration(cc.ReconnectInterval) * time.Second
	}
	if cc.ReconnectNonce > 0 {
		c.reconnectNonce = time.Duration(cc.ReconnectNonce) * time.Second
	}
	if cc.PingInterval > 0 {
		c.pingInterval = time.Duration(cc.PingInterval) * time.Second
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		c.mu.Lock()
		interval, sid := c.pingInterval, c.serviceID
		c.mu.Unlock()

		ping := &wsFrame{Method: frameMethodControl, Service: sid}
		ping.setHeader(headerType, msgTypePing)
		if err := c.write(conn, ping); err != nil {
			slog.Debug("feishu ws: ping failed", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *WSClient) handleFrame(ctx context.Context, conn *websocket.Conn, f *wsFrame) {
	switch f.Method {
	case frameMethodControl:
		if f.header(headerType) == msgTypePong && len(f.Payload) > 0 {
			var cc wsClientConfig
			if err := json.Unmarshal(f.Payload, &cc); err == nil {
				c.applyConfig(cc)
			}
		}
	case frameMethodData:
		c.handleDataFrame(ctx, conn, f)
	}
}

func (c *WSClient) handleDataFrame(ctx context.Context, conn *websocket.Conn, f *wsFrame) {
	msgType := f.header(headerType)
	sum, _ := strconv.Atoi(f.header(headerSum))
	seq, _ := strconv.Atoi(f.header(headerSeq))

	payload := c.combine(f.header(headerMessageID), sum, seq, f.Payload)
	if payload == nil {
		return // waiting for more fragments
	}

	start := time.Now()
	code := http.StatusOK
	if msgType == msgTypeEvent {
		if err := c.handler.HandleEvent(ctx, payload); err != nil {
			slog.Warn("feishu ws: event handler failed", "error", err, "trace_id", f.header(headerTraceID))
			code = http.StatusInternalServerError
		}
	}

	ack := *f
	ack.Headers = append([]frameHeader(nil), f.Headers...)
	ack.setHeader(headerBizRT, strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	ack.Payload, _ = json.Marshal(map[string]interface{}{"code": code})
	if err := c.write(conn, &ack); err != nil {
		slog.Debug("feishu ws: ack failed", "error", err)
	}
}

// combine reassembles fragmented payloads. Returns nil until all parts arrived.
func (c *WSClient) combine(msgID string, sum, seq int, data []byte) []byte {
	if sum <= 1 {
		return data
	}
	if seq < 0 || seq >= sum {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, fb := range c.fragments {
		if now.Sub(fb.created) > fragmentTTL {
			delete(c.fragments, id)
		}
	}

	fb, ok := c.fragments[msgID]
	if !ok || len(fb.parts) != sum {
		fb = &fragmentBuf{parts: make([][]byte, sum), created: now}
		c.fragments[msgID] = fb
	}
	if fb.parts[seq] == nil {
		fb.parts[seq] = data
		fb.received++
	}
	if fb.received < sum {
		return nil
	}
	delete(c.fragments, msgID)
	return bytes.Join(fb.parts, nil)
}

func (c *WSClient) write(conn *websocket.Conn, f *wsFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, f.marshal())
}
