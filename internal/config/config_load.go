package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with the bridge defaults.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			Feishu: FeishuConfig{
				Domain:         "feishu",
				ConnectionMode: "websocket",
				WebhookPort:    3001,
				WebhookPath:    "/feishu/events",
				DMPolicy:       "open",
				GroupPolicy:    "open",
				TextChunkLimit: 4000,
				RenderMode:     "text",
			},
		},
		Codex: CodexConfig{
			Binary:           "codex",
			ConfigDir:        ".codex",
			SandboxMode:      "workspace-write",
			ApprovalPolicy:   "never",
			ReasoningEffort:  "medium",
			WebSearchEnabled: BoolPtr(true),
			SkipGitRepoCheck: BoolPtr(true),
			VerifyResume:     BoolPtr(true),
		},
		Sessions: SessionsConfig{
			Backend: "file",
			Path:    "bot_sessions.json",
		},
		Status: StatusConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "codexclaw",
		},
	}
}

// Load reads config from a JSON5 file, then .env files, then overlays env vars.
// A missing config file is not an error: the bridge runs from env alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	LoadDotEnv(filepath.Dir(path))
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads .env and .env.local from the working directory and dir.
// Existing environment variables are never overridden.
func LoadDotEnv(dir string) {
	seen := map[string]bool{}
	for _, base := range []string{".", dir} {
		for _, name := range []string{".env", ".env.local"} {
			p := filepath.Join(base, name)
			abs, err := filepath.Abs(p)
			if err != nil || seen[abs] {
				continue
			}
			seen[abs] = true
			if _, err := os.Stat(p); err == nil {
				_ = godotenv.Load(p)
			}
		}
	}
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	// envBool follows the dotenv convention: "true" (any case) is true, anything else false.
	envBool := func(key string, dst **bool) {
		if v := os.Getenv(key); v != "" {
			b := strings.EqualFold(v, "true")
			*dst = &b
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Feishu
	envStr("FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	envStr("FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("FEISHU_DOMAIN", &c.Channels.Feishu.Domain)
	envStr("FEISHU_CONNECTION_MODE", &c.Channels.Feishu.ConnectionMode)
	envInt("FEISHU_WEBHOOK_PORT", &c.Channels.Feishu.WebhookPort)
	envBool("FEISHU_ENABLED", &c.Channels.Feishu.Enabled)

	// Codex
	envStr("CODEX_BIN", &c.Codex.Binary)
	envStr("CODEX_HOME", &c.Codex.Home)
	envStr("CODEX_CONFIG_DIR", &c.Codex.ConfigDir)
	envStr("CODEX_MODEL", &c.Codex.Model)
	envStr("CODEX_SANDBOX_MODE", &c.Codex.SandboxMode)
	envStr("CODEX_APPROVAL_POLICY", &c.Codex.ApprovalPolicy)
	envStr("CODEX_REASONING_EFFORT", &c.Codex.ReasoningEffort)
	envStr("CODEX_WORKING_DIRECTORY", &c.Codex.WorkingDirectory)
	envStr("CODEX_TURN_TIMEOUT", &c.Codex.TurnTimeout)
	envBool("CODEX_WEB_SEARCH_ENABLED", &c.Codex.WebSearchEnabled)
	envBool("CODEX_SKIP_GIT_CHECK", &c.Codex.SkipGitRepoCheck)

	// Sessions
	envStr("CODEXCLAW_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("CODEXCLAW_SESSIONS_PATH", &c.Sessions.Path)
	envStr("CODEXCLAW_SESSIONS_DSN", &c.Sessions.DSN)

	// Router replies
	envStr("CODEXCLAW_FALLBACK_TEXT", &c.Router.FallbackText)
	envStr("CODEXCLAW_ERROR_PREFIX", &c.Router.ErrorPrefix)

	// Status surface
	envInt("WEB_PORT", &c.Status.Port)
	envStr("CODEXCLAW_STATUS_HOST", &c.Status.Host)
	envBool("CODEXCLAW_STATUS_ENABLED", &c.Status.Enabled)

	// Telemetry
	envStr("CODEXCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CODEXCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CODEXCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CODEXCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CODEXCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Validate checks the settings the bridge cannot start without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	fc := c.Channels.Feishu
	switch {
	case fc.AppID == "" || fc.AppSecret == "":
		errs = append(errs, errors.New("FEISHU_APP_ID and FEISHU_APP_SECRET are required (set them in .env or channels.feishu)"))
	case !fc.IsEnabled():
		errs = append(errs, errors.New("channels.feishu.enabled is false: no channel to bridge"))
	}
	switch fc.ConnectionMode {
	case "", "websocket", "webhook":
	default:
		errs = append(errs, fmt.Errorf("channels.feishu.connection_mode %q: want websocket or webhook", fc.ConnectionMode))
	}
	switch fc.RenderMode {
	case "", "text", "card", "auto":
	default:
		errs = append(errs, fmt.Errorf("channels.feishu.render_mode %q: want text, card or auto", fc.RenderMode))
	}
	switch c.Sessions.Backend {
	case "", "file", "sqlite":
	case "postgres":
		if c.Sessions.DSN == "" {
			errs = append(errs, errors.New("sessions.backend postgres requires CODEXCLAW_SESSIONS_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.backend %q: want file, sqlite or postgres", c.Sessions.Backend))
	}
	return errors.Join(errs...)
}

// Save writes the config to a JSON file with secrets stripped.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	out := cfg.copyLocked()
	out.StripSecrets()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by `doctor` and the status surface to avoid printing secrets.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := c.copyLocked()
	maskNonEmpty(&out.Channels.Feishu.AppSecret)
	maskNonEmpty(&out.Channels.Feishu.EncryptKey)
	maskNonEmpty(&out.Channels.Feishu.VerificationToken)
	maskNonEmpty(&out.Sessions.DSN)
	for k := range out.Telemetry.Headers {
		v := out.Telemetry.Headers[k]
		maskNonEmpty(&v)
		out.Telemetry.Headers[k] = v
	}
	return out
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk so secrets stay in env/.env.
func (c *Config) StripSecrets() {
	c.Channels.Feishu.AppSecret = ""
	c.Channels.Feishu.EncryptKey = ""
	c.Channels.Feishu.VerificationToken = ""
	c.Sessions.DSN = ""
}

// copyLocked returns a copy with its own mutex and maps. Caller holds c.mu.
func (c *Config) copyLocked() *Config {
	out := &Config{
		Channels:  c.Channels,
		Codex:     c.Codex,
		Sessions:  c.Sessions,
		Router:    c.Router,
		Status:    c.Status,
		Telemetry: c.Telemetry,
	}
	out.Channels.Feishu.AllowFrom = append(FlexibleStringSlice(nil), c.Channels.Feishu.AllowFrom...)
	if c.Telemetry.Headers != nil {
		out.Telemetry.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k, v := range c.Telemetry.Headers {
			out.Telemetry.Headers[k] = v
		}
	}
	return out
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = "***"
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
