package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Feishu FeishuConfig `json:"feishu"`
}

type FeishuConfig struct {
	Enabled           *bool               `json:"enabled,omitempty"` // default: on when app credentials are set
	AppID             string              `json:"app_id"`
	AppSecret         string              `json:"app_secret"`
	EncryptKey        string              `json:"encrypt_key,omitempty"`
	VerificationToken string              `json:"verification_token,omitempty"`
	Domain            string              `json:"domain,omitempty"`             // "feishu" (default, China), "lark" (global), or custom URL
	ConnectionMode    string              `json:"connection_mode,omitempty"`    // "websocket" (default), "webhook"
	WebhookPort       int                 `json:"webhook_port,omitempty"`       // default 3001
	WebhookPath       string              `json:"webhook_path,omitempty"`       // default "/feishu/events"
	AllowFrom         FlexibleStringSlice `json:"allow_from"`                   // open_ids / chat_ids for allowlist policies
	DMPolicy          string              `json:"dm_policy,omitempty"`          // "open" (default), "allowlist", "disabled"
	GroupPolicy       string              `json:"group_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	RequireMention    *bool               `json:"require_mention,omitempty"`    // default false: the whole group shares one thread
	TopicSessionMode  string              `json:"topic_session_mode,omitempty"` // "disabled" (default), "enabled"
	TextChunkLimit    int                 `json:"text_chunk_limit,omitempty"`   // default 4000
	RenderMode        string              `json:"render_mode,omitempty"`        // "text" (default), "card", "auto"
}

// IsEnabled reports whether the bridge should run the Feishu channel.
// An explicit enabled=false wins over configured credentials.
func (f FeishuConfig) IsEnabled() bool {
	return boolOr(f.Enabled, f.AppID != "" && f.AppSecret != "")
}
