package feishu

import (
	"context"
	"encoding/json"
	"net/url"
)

// --- IM API: Messages ---

// SendMessageResp is the data of a message create/reply response.
type SendMessageResp struct {
	MessageID string `json:"message_id"`
}

// ReplyMessage answers an existing message; the reply is quoted under it in the chat.
func (c *LarkClient) ReplyMessage(ctx context.Context, messageID, msgType, content string) (*SendMessageResp, error) {
	path := "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
	body := map[string]string{
		"msg_type": msgType,
		"content":  content,
	}
	resp, err := c.doJSON(ctx, "POST", path, body)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &APIError{Op: "reply message", Code: resp.Code, Msg: resp.Msg}
	}
	var data SendMessageResp
	json.Unmarshal(resp.Data, &data)
	return &data, nil
}

// --- Bot API ---

// GetBotInfo fetches the bot's identity from /open-apis/bot/v3/info.
// Returns the bot's open_id which is needed for mention detection in groups.
func (c *LarkClient) GetBotInfo(ctx context.Context) (string, error) {
	resp, err := c.doJSON(ctx, "GET", "/open-apis/bot/v3/info", nil)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", &APIError{Op: "get bot info", Code: resp.Code, Msg: resp.Msg}
	}
	var bot struct {
		OpenID string `json:"open_id"`
	}
	raw := resp.Bot
	if len(raw) == 0 {
		var wrapped struct {
			Bot json.RawMessage `json:"bot"`
		}
		json.Unmarshal(resp.Data, &wrapped)
		raw = wrapped.Bot
	}
	json.Unmarshal(raw, &bot)
	return bot.OpenID, nil
}
