package history

import "strings"

// HistoryLimit is the number of trailing user turns kept, by session-kind
// prefix. Subagent sessions inherit their root's limit by resolving the
// prefix before ":subagent:".
func HistoryLimit(sessionKey string) int {
	kind := KindOf(sessionKey)
	switch {
	case kind == "cron":
		return 10
	case kind == "whatsapp", kind == "telegram", kind != "main" && kind != "agent" && kind != "subagent" && kind != "":
		return 30
	default:
		return 50
	}
}

// KindOf extracts the leading `<kind>:` prefix of a session key, resolving a
// subagent key to the kind of its root session (the prefix before
// ":subagent:").
func KindOf(sessionKey string) string {
	if idx := strings.Index(sessionKey, ":subagent:"); idx >= 0 {
		return KindOf(sessionKey[:idx])
	}
	parts := strings.SplitN(sessionKey, ":", 2)
	return parts[0]
}

// LimitHistoryTurns keeps only the last n user turns — everything from the
// n-th-last user message onward. n <= 0 disables limiting.
func LimitHistoryTurns(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	cutoff := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			userCount++
			if userCount > n {
				return msgs[cutoff:]
			}
			cutoff = i
		}
	}
	return msgs
}

// RepairToolResultPairing enforces the tool-call/result pairing invariant:
// every toolCall an assistant turn opens must be answered by a toolResult
// before the next non-toolResult message, orphan results are dropped, and
// unanswered calls are padded with a synthetic errored result. Pure and
// idempotent — it returns a new slice and never mutates msgs.
func RepairToolResultPairing(msgs []Message) []Message {
	result := make([]Message, 0, len(msgs))
	open := map[string]string{} // open call ID -> tool name
	var openOrder []string

	flushOrphans := func() {
		for _, id := range openOrder {
			if name, ok := open[id]; ok {
				result = append(result, NewToolResult(id, name, []Block{{Kind: BlockText, Text: synthLostResult}}, true))
			}
		}
		open = map[string]string{}
		openOrder = nil
	}

	for _, m := range msgs {
		if m.Role == RoleAssistant {
			flushOrphans()
			result = append(result, m)
			for _, b := range m.Blocks {
				if b.Kind == BlockToolCall {
					open[b.ToolCallID] = b.ToolName
					openOrder = append(openOrder, b.ToolCallID)
				}
			}
			continue
		}

		if m.Role == RoleTool {
			id := toolResultID(m)
			if _, ok := open[id]; ok {
				result = append(result, m)
				delete(open, id)
			}
			// orphan tool-result: dropped
			continue
		}

		flushOrphans()
		result = append(result, m)
	}
	flushOrphans()

	return result
}

func toolResultID(m Message) string {
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			return b.ToolCallID
		}
	}
	return ""
}

// MergeConsecutiveRoles concatenates adjacent messages sharing a role,
// other than RoleTool which stays keyed by ID and must never be merged.
func MergeConsecutiveRoles(msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	result := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(result); n > 0 {
			prev := &result[n-1]
			if prev.Role == m.Role && m.Role != RoleTool {
				prev.Blocks = append(append([]Block{}, prev.Blocks...), m.Blocks...)
				continue
			}
		}
		result = append(result, m)
	}
	return result
}

// Sanitize runs the full hygiene pipeline: limit, then repair pairing,
// then merge roles.
func Sanitize(msgs []Message, sessionKey string) []Message {
	limited := LimitHistoryTurns(msgs, HistoryLimit(sessionKey))
	repaired := RepairToolResultPairing(limited)
	return MergeConsecutiveRoles(repaired)
}
