package tools

import (
	"context"
	"fmt"

	"github.com/chozzz/agentfabric/internal/store"
)

// SessionsSendTool delivers a message into another session of the same
// agent. It never touches the queue or runtime directly — it reaches back
// through the context call closure, the same seam sessions_spawn uses, so
// the tool layer stays free of runtime imports.
type SessionsSendTool struct {
	sessions store.SessionStore
}

func NewSessionsSendTool(s store.SessionStore) *SessionsSendTool {
	return &SessionsSendTool{sessions: s}
}

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session. Use session_key or label to identify the target."
}

func (t *SessionsSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Target session key",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Target session label (alternative to session_key)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to send",
			},
		},
		"required": []string{"message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}
	call := ToolCallFromCtx(ctx)
	if call == nil {
		return ErrorResult("runtime call seam not available")
	}

	sessionKey, _ := args["session_key"].(string)
	label, _ := args["label"].(string)
	message, _ := args["message"].(string)

	if message == "" {
		return ErrorResult("message is required")
	}
	if sessionKey == "" && label == "" {
		return ErrorResult("either session_key or label is required")
	}

	if sessionKey == "" {
		key, err := t.resolveLabel(label)
		if err != nil {
			return ErrorResult(err.Error())
		}
		sessionKey = key
	}

	if _, err := call(ctx, "runtime", "sessions.send", map[string]interface{}{
		"sessionKey": sessionKey,
		"message":    message,
	}); err != nil {
		return ErrorResult(fmt.Sprintf("sessions_send: %v", err))
	}
	return TextResult(fmt.Sprintf(`{"status":"accepted","session_key":%q}`, sessionKey))
}

func (t *SessionsSendTool) resolveLabel(label string) (string, error) {
	list, err := t.sessions.List(store.ListFilter{})
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range list {
		if s.Label == label {
			return s.Key, nil
		}
	}
	return "", fmt.Errorf("no session found with label: %s", label)
}
