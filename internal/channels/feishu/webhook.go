package feishu

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/nextlevelbuilder/codexclaw/internal/channels"
)

const maxWebhookBody = 1 << 20

var (
	errBadSignature = errors.New("invalid signature")
	errBadToken     = errors.New("invalid verification token")
)

// webhookEnvelope covers both the url_verification challenge and v2 event callbacks.
type webhookEnvelope struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Schema    string `json:"schema"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
}

// NewWebhookHandler returns the HTTP callback handler for event subscription.
// onEvent is invoked asynchronously; the platform gets its 200 immediately.
func NewWebhookHandler(verificationToken, encryptKey string, limiter *channels.WebhookRateLimiter, onEvent func(*MessageEvent)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if limiter != nil && !limiter.Allow(clientIP(r)) {
			slog.Warn("security.feishu_webhook_rate_limited", "remote", clientIP(r))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		payload, challenge, err := decodeWebhook(r.Header, body, verificationToken, encryptKey)
		if err != nil {
			slog.Warn("security.feishu_webhook_rejected", "remote", clientIP(r), "error", err)
			status := http.StatusBadRequest
			if errors.Is(err, errBadSignature) || errors.Is(err, errBadToken) {
				status = http.StatusUnauthorized
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if challenge != "" {
			json.NewEncoder(w).Encode(map[string]string{"challenge": challenge})
			return
		}
		w.Write([]byte("{}"))

		if payload == nil {
			return
		}
		var event MessageEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			slog.Debug("feishu webhook: parse event failed", "error", err)
			return
		}
		go onEvent(&event)
	}
}

// decodeWebhook verifies and decrypts a callback body. It returns either the
// challenge to echo or the plaintext of an im.message.receive_v1 event; both
// are empty for other event types.
func decodeWebhook(h http.Header, body []byte, verificationToken, encryptKey string) (payload []byte, challenge string, err error) {
	if encryptKey != "" {
		if sig := h.Get("X-Lark-Signature"); sig != "" {
			want := webhookSignature(h.Get("X-Lark-Request-Timestamp"), h.Get("X-Lark-Request-Nonce"), encryptKey, body)
			if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
				return nil, "", errBadSignature
			}
		}
	}

	plain := body
	var env webhookEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, "", fmt.Errorf("parse body: %w", err)
	}
	if env.Encrypt != "" {
		if encryptKey == "" {
			return nil, "", errors.New("encrypted event but no encrypt_key configured")
		}
		plain, err = decryptEvent(env.Encrypt, encryptKey)
		if err != nil {
			return nil, "", err
		}
		env = webhookEnvelope{}
		if err := json.Unmarshal(plain, &env); err != nil {
			return nil, "", fmt.Errorf("parse decrypted body: %w", err)
		}
	}

	token := env.Token
	if env.Header.Token != "" {
		token = env.Header.Token
	}
	if verificationToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(verificationToken)) != 1 {
		return nil, "", errBadToken
	}

	if env.Type == "url_verification" {
		return nil, env.Challenge, nil
	}
	if env.Header.EventType != eventMessageReceive {
		return nil, "", nil
	}
	return plain, "", nil
}

// webhookSignature is hex(sha256(timestamp + nonce + encryptKey + body)).
func webhookSignature(timestamp, nonce, encryptKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp + nonce + encryptKey))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// decryptEvent reverses the platform's AES-256-CBC encryption:
// key = sha256(encryptKey), base64(iv || ciphertext), PKCS#7 padding.
func decryptEvent(encrypted, encryptKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted event: %w", err)
	}
	if len(raw) < aes.BlockSize*2 || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("encrypted event: bad length")
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, errors.New("encrypted event: bad padding")
	}
	if !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, errors.New("encrypted event: bad padding")
	}
	return plain[:len(plain)-pad], nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
