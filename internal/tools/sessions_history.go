package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/store"
)

const (
	historyMaxCharsPerMessage = 4000
	historyMaxTotalBytes      = 80 * 1024
)

type SessionsHistoryTool struct {
	sessions store.SessionStore
}

func NewSessionsHistoryTool(s store.SessionStore) *SessionsHistoryTool {
	return &SessionsHistoryTool{sessions: s}
}

func (t *SessionsHistoryTool) Name() string { return "sessions_history" }
func (t *SessionsHistoryTool) Description() string {
	return "Fetch message history for a session."
}

func (t *SessionsHistoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to fetch history from",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max messages to return (default 20)",
			},
			"include_tools": map[string]interface{}{
				"type":        "boolean",
				"description": "Include tool call/result blocks (default false)",
			},
		},
		"required": []string{"session_key"},
	}
}

func (t *SessionsHistoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		return ErrorResult("session_key is required")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	includeTools, _ := args["include_tools"].(bool)

	msgs, err := t.sessions.GetMessages(sessionKey, store.GetMessagesOpts{Limit: limit})
	if err != nil {
		return ErrorResult(fmt.Sprintf("get messages: %v", err))
	}
	if len(msgs) == 0 {
		return TextResult(fmt.Sprintf(`{"session_key":%q,"messages":[],"count":0}`, sessionKey))
	}

	type msgEntry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	entries := make([]msgEntry, 0, len(msgs))
	for _, m := range msgs {
		content := history.Text(m.Blocks)
		if !includeTools && content == "" {
			continue // tool-only turn (toolCall/toolResult blocks, no text)
		}
		if utf8.RuneCountInString(content) > historyMaxCharsPerMessage {
			runes := []rune(content)
			content = string(runes[:historyMaxCharsPerMessage]) + "... [truncated]"
		}
		entries = append(entries, msgEntry{Role: string(m.Role), Content: content})
	}

	out, _ := json.Marshal(map[string]interface{}{
		"session_key": sessionKey,
		"messages":    entries,
		"count":       len(entries),
	})

	if len(out) > historyMaxTotalBytes {
		return TextResult(fmt.Sprintf(
			`{"session_key":%q,"error":"history too large (%d bytes), use a smaller limit","count":%d}`,
			sessionKey, len(out), len(entries),
		))
	}
	return TextResult(string(out))
}
