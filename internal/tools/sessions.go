package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chozzz/agentfabric/internal/store"
)

// ============================================================
// sessions_list
// ============================================================

type SessionsListTool struct {
	sessions store.SessionStore
}

func NewSessionsListTool(s store.SessionStore) *SessionsListTool {
	return &SessionsListTool{sessions: s}
}

func (t *SessionsListTool) Name() string        { return "sessions_list" }
func (t *SessionsListTool) Description() string { return "List sessions for this agent." }

func (t *SessionsListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
			"prefix": map[string]interface{}{
				"type":        "string",
				"description": "Only show sessions whose key starts with this prefix, e.g. \"cron:\"",
			},
		},
	}
}

func (t *SessionsListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	var activeMinutes int
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		activeMinutes = int(v)
	}

	prefix, _ := args["prefix"].(string)
	list, err := t.sessions.List(store.ListFilter{KeyPrefix: prefix})
	if err != nil {
		return ErrorResult(fmt.Sprintf("list sessions: %v", err))
	}

	if activeMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(activeMinutes) * time.Minute)
		filtered := list[:0]
		for _, s := range list {
			if s.UpdatedAt.After(cutoff) {
				filtered = append(filtered, s)
			}
		}
		list = filtered
	}
	if len(list) > limit {
		list = list[:limit]
	}

	type sessionEntry struct {
		Key          string `json:"key"`
		Kind         string `json:"kind"`
		MessageCount int    `json:"message_count"`
		Updated      string `json:"updated"`
	}
	entries := make([]sessionEntry, 0, len(list))
	for _, s := range list {
		entries = append(entries, sessionEntry{
			Key:          s.Key,
			Kind:         string(s.Kind),
			MessageCount: s.LastMessageCount,
			Updated:      s.UpdatedAt.Format(time.RFC3339),
		})
	}

	out, _ := json.Marshal(map[string]interface{}{
		"count":    len(entries),
		"sessions": entries,
	})
	return TextResult(string(out))
}

// ============================================================
// session_status
// ============================================================

type SessionStatusTool struct {
	sessions store.SessionStore
}

func NewSessionStatusTool(s store.SessionStore) *SessionStatusTool {
	return &SessionStatusTool{sessions: s}
}

func (t *SessionStatusTool) Name() string { return "session_status" }
func (t *SessionStatusTool) Description() string {
	return "Show session status: model, tokens, compaction count, channel, last update."
}

func (t *SessionStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to inspect (default: current session)",
			},
		},
	}
}

func (t *SessionStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		sessionKey = ToolSandboxKeyFromCtx(ctx)
	}
	if sessionKey == "" {
		return ErrorResult("session_key is required (could not detect current session)")
	}

	s, ok, err := t.sessions.Get(sessionKey)
	if err != nil {
		return ErrorResult(fmt.Sprintf("get session: %v", err))
	}
	if !ok {
		return ErrorResult("session not found")
	}
	summary, _ := t.sessions.GetSummary(sessionKey)

	var lines []string
	lines = append(lines, fmt.Sprintf("Session: %s", s.Key))
	lines = append(lines, fmt.Sprintf("Kind: %s", s.Kind))
	if s.Model != "" {
		lines = append(lines, fmt.Sprintf("Model: %s", s.Model))
	}
	if s.Provider != "" {
		lines = append(lines, fmt.Sprintf("Provider: %s", s.Provider))
	}
	if s.Channel != "" {
		lines = append(lines, fmt.Sprintf("Channel: %s", s.Channel))
	}
	lines = append(lines, fmt.Sprintf("Messages: %d", s.LastMessageCount))
	lines = append(lines, fmt.Sprintf("Tokens: %d input / %d output", s.InputTokens, s.OutputTokens))
	lines = append(lines, fmt.Sprintf("Compactions: %d", s.CompactionCount))
	if summary != "" {
		lines = append(lines, fmt.Sprintf("Has summary: yes (%d chars)", len(summary)))
	}
	if s.Label != "" {
		lines = append(lines, fmt.Sprintf("Label: %s", s.Label))
	}
	lines = append(lines, fmt.Sprintf("Updated: %s", s.UpdatedAt.Format(time.RFC3339)))

	return TextResult(strings.Join(lines, "\n"))
}
