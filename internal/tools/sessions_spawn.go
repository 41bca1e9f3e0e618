package tools

import (
	"context"
	"fmt"

	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/store"
)

const maxSpawnDepth = 3

// SessionsSpawnTool creates a subagent session under the caller's agent and
// kicks off a run against it via the runtime call seam, so a parent session
// can delegate a bounded sub-task.
type SessionsSpawnTool struct {
	sessions store.SessionStore
}

func NewSessionsSpawnTool(s store.SessionStore) *SessionsSpawnTool {
	return &SessionsSpawnTool{sessions: s}
}

func (t *SessionsSpawnTool) Name() string { return "sessions_spawn" }
func (t *SessionsSpawnTool) Description() string {
	return "Spawn a subagent session with a bounded tool set and give it a task."
}

func (t *SessionsSpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short identifier for the subagent session",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Task to give the subagent",
			},
		},
		"required": []string{"label", "task"},
	}
}

func (t *SessionsSpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}
	call := ToolCallFromCtx(ctx)
	if call == nil {
		return ErrorResult("runtime call seam not available")
	}

	label, _ := args["label"].(string)
	task, _ := args["task"].(string)
	if label == "" || task == "" {
		return ErrorResult("label and task are required")
	}

	parentKey := ToolSandboxKeyFromCtx(ctx)
	if parentKey == "" {
		return ErrorResult("spawn requires a session to spawn from")
	}

	parent, ok, err := t.sessions.Get(parentKey)
	if err != nil {
		return ErrorResult(fmt.Sprintf("get parent session: %v", err))
	}
	depth := 0
	if ok {
		depth = parent.SpawnDepth + 1
	}
	if depth > maxSpawnDepth {
		return ErrorResult(fmt.Sprintf("spawn depth limit reached (%d)", maxSpawnDepth))
	}

	childKey := store.BuildSubagentSessionKey(parentKey, label)
	if _, err := t.sessions.Create(childKey, store.KindSubagent, label, nil); err != nil {
		return ErrorResult(fmt.Sprintf("create subagent session: %v", err))
	}
	if err := t.sessions.SetSpawnInfo(childKey, parentKey, depth); err != nil {
		return ErrorResult(fmt.Sprintf("set spawn info: %v", err))
	}
	if _, err := t.sessions.AddMessage(childKey, history.RoleUser,
		[]history.Block{{Kind: history.BlockText, Text: task}},
		map[string]string{"type": "task"},
	); err != nil {
		return ErrorResult(fmt.Sprintf("seed subagent task: %v", err))
	}

	if _, err := call(ctx, "runtime", "sessions.spawn", map[string]interface{}{
		"sessionKey": childKey,
		"parentKey":  parentKey,
	}); err != nil {
		return ErrorResult(fmt.Sprintf("sessions_spawn: %v", err))
	}

	return TextResult(fmt.Sprintf(`{"status":"spawned","session_key":%q}`, childKey))
}
