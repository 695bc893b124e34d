package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/codexclaw/internal/codex"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the codexclaw bridge.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Codex     CodexConfig     `json:"codex"`
	Sessions  SessionsConfig  `json:"sessions"`
	Router    RouterConfig    `json:"router,omitempty"`
	Status    StatusConfig    `json:"status"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// CodexConfig configures the Codex CLI backend and the fixed thread options
// every chat thread is started or resumed with.
type CodexConfig struct {
	Binary           string `json:"binary,omitempty"`             // default "codex" (env CODEX_BIN)
	Home             string `json:"home,omitempty"`               // CODEX_HOME for the subprocess (default ~/.codex)
	ConfigDir        string `json:"config_dir,omitempty"`         // CODEX_CONFIG_DIR (default ./.codex)
	Model            string `json:"model,omitempty"`              // empty = CLI default
	SandboxMode      string `json:"sandbox_mode,omitempty"`       // "read-only", "workspace-write" (default), "danger-full-access"
	ApprovalPolicy   string `json:"approval_policy,omitempty"`    // default "never"
	ReasoningEffort  string `json:"reasoning_effort,omitempty"`   // default "medium"
	WebSearchEnabled *bool  `json:"web_search_enabled,omitempty"` // default true
	WorkingDirectory string `json:"working_directory,omitempty"`
	SkipGitRepoCheck *bool  `json:"skip_git_repo_check,omitempty"` // default true
	TurnTimeout      string `json:"turn_timeout,omitempty"`        // Go duration, empty/"0" = none
	VerifyResume     *bool  `json:"verify_resume,omitempty"`       // check the rollout file before resuming (default true)
}

// ThreadOptions converts CodexConfig to codex.ThreadOptions.
func (c CodexConfig) ThreadOptions() codex.ThreadOptions {
	return codex.ThreadOptions{
		Model:            c.Model,
		SandboxMode:      c.SandboxMode,
		ApprovalPolicy:   c.ApprovalPolicy,
		ReasoningEffort:  c.ReasoningEffort,
		WebSearchEnabled: c.WebSearchEnabled,
		WorkingDirectory: ExpandHome(c.WorkingDirectory),
		SkipGitRepoCheck: boolOr(c.SkipGitRepoCheck, true),
	}
}

// TurnTimeoutDuration parses TurnTimeout; invalid values mean no timeout.
func (c CodexConfig) TurnTimeoutDuration() time.Duration {
	if c.TurnTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.TurnTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// SessionsConfig selects the durable binding store.
// DSN is never read from config.json (secret); only from env CODEXCLAW_SESSIONS_DSN.
type SessionsConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	Path    string `json:"path,omitempty"`    // file: JSON path (default ./bot_sessions.json); sqlite: database file
	DSN     string `json:"-"`
}

// RouterConfig holds the user-facing reply texts.
type RouterConfig struct {
	FallbackText string `json:"fallback_text,omitempty"` // reply when Codex returns nothing
	ErrorPrefix  string `json:"error_prefix,omitempty"`  // prepended to error replies
}

// StatusConfig configures the read-only status HTTP surface.
type StatusConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // default true
	Host    string `json:"host,omitempty"`    // default "0.0.0.0"
	Port    int    `json:"port,omitempty"`    // default 3000 (env WEB_PORT)
}

// IsEnabled reports whether the status server should run.
func (s StatusConfig) IsEnabled() bool { return boolOr(s.Enabled, true) }

// Addr returns host:port.
func (s StatusConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "codexclaw")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// ShouldVerifyResume reports whether resume requires an existing rollout file.
func (c CodexConfig) ShouldVerifyResume() bool { return boolOr(c.VerifyResume, true) }
