package codex

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
)

// Event types emitted by `codex exec --experimental-json`.
const (
	eventThreadStarted = "thread.started"
	eventTurnStarted   = "turn.started"
	eventTurnCompleted = "turn.completed"
	eventTurnFailed    = "turn.failed"
	eventItemStarted   = "item.started"
	eventItemUpdated   = "item.updated"
	eventItemCompleted = "item.completed"
	eventError         = "error"
)

// Item types.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
	ItemError            = "error"
)

// Item is a completed unit of work within a turn.
type Item struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"`
	Message string `json:"message,omitempty"`
}

// Usage reports token counts for a turn.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// Turn is the result of one Run.
type Turn struct {
	// FinalResponse is the text of the last agent message; empty when the agent said nothing.
	FinalResponse string
	Items         []Item
	Usage         *Usage
}

type streamEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Item     *Item  `json:"item,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamResult is what a parsed event stream amounts to.
type streamResult struct {
	threadID string
	turn     Turn
	failure  string // turn.failed message
	notice   string // last top-level error event; fatal only without turn.completed
	complete bool   // saw turn.completed
}

// parseStream reads JSONL events. Lines that are not JSON objects are skipped;
// the CLI interleaves occasional plain-text diagnostics.
func parseStream(data []byte) (streamResult, error) {
	var res streamResult
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case eventThreadStarted:
			res.threadID = ev.ThreadID
		case eventItemCompleted:
			if ev.Item == nil {
				continue
			}
			res.turn.Items = append(res.turn.Items, *ev.Item)
			if ev.Item.Type == ItemAgentMessage {
				res.turn.FinalResponse = ev.Item.Text
			}
		case eventTurnCompleted:
			res.turn.Usage = ev.Usage
			res.complete = true
		case eventTurnFailed:
			if ev.Error != nil {
				res.failure = ev.Error.Message
			} else {
				res.failure = "turn failed"
			}
		case eventError:
			res.notice = ev.Message
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read event stream: %w", err)
	}
	return res, nil
}
