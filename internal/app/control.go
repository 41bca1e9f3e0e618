package app

import (
	"context"
	"fmt"

	"github.com/chozzz/agentfabric/internal/agent"
	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/protocol"
	"github.com/chozzz/agentfabric/internal/store"
)

// controlMethods lists every protocol.Method* this package answers over
// the gateway's control plane — the capabilities an operator tool might
// need, reached the same way cron/webhook are.
var controlMethods = []string{
	protocol.MethodChannelsList,
	protocol.MethodChannelsStatus,
	protocol.MethodToolList,
	protocol.MethodToolDescribe,
	protocol.MethodToolExecute,
	protocol.MethodMemorySearch,
	protocol.MethodMemorySync,
	protocol.MethodSessionsList,
	protocol.MethodSessionsPreview,
	protocol.MethodSessionsDelete,
	protocol.MethodSessionsReset,
	protocol.MethodAgentRun,
	protocol.MethodAgentAbort,
}

// control answers the operator-facing RPC surface that isn't already
// owned by a dedicated service (cron, webhook): memory search/sync,
// channel status, tool dispatch, session inspection, and a direct run
// entry point. It holds no state of its own beyond the App it reads from.
type control struct {
	app *App
}

func newControl(a *App) *control {
	return &control{app: a}
}

// HandleMethod dispatches one of controlMethods against the App's
// components. Unlike cron.Service/webhook.Service, this dispatcher has no
// single owning package to live in — it is purely the glue the DI root
// contributes, so it stays local to internal/app.
func (c *control) HandleMethod(method string, params map[string]interface{}) (interface{}, error) {
	switch method {
	case protocol.MethodChannelsList:
		return c.app.Channels.GetEnabledChannels(), nil
	case protocol.MethodChannelsStatus:
		return c.app.Channels.GetStatus(), nil
	case protocol.MethodToolList:
		return c.app.Runtime.Tools.List(stringParam(params, "sessionKey")), nil
	case protocol.MethodToolDescribe:
		desc, ok := c.app.Runtime.Tools.Describe(stringParam(params, "sessionKey"), stringParam(params, "name"))
		if !ok {
			return nil, fmt.Errorf("control: tool %q not visible or not found", stringParam(params, "name"))
		}
		return desc, nil
	case protocol.MethodToolExecute:
		return c.handleToolExecute(params)
	case protocol.MethodMemorySearch:
		return c.handleMemorySearch(params)
	case protocol.MethodMemorySync:
		return c.handleMemorySync(params)
	case protocol.MethodSessionsList:
		return c.app.Sessions.List(store.ListFilter{KeyPrefix: stringParam(params, "keyPrefix")})
	case protocol.MethodSessionsPreview:
		return c.app.Sessions.GetMessages(stringParam(params, "key"), store.GetMessagesOpts{Limit: intParam(params, "limit")})
	case protocol.MethodSessionsDelete:
		key := stringParam(params, "key")
		if key == "" {
			return nil, fmt.Errorf("sessions.delete: key required")
		}
		return nil, c.app.Sessions.Delete(key)
	case protocol.MethodSessionsReset:
		key := stringParam(params, "key")
		if key == "" {
			return nil, fmt.Errorf("sessions.reset: key required")
		}
		return nil, c.app.Sessions.TruncateHistory(key, intParam(params, "keepLast"))
	case protocol.MethodAgentRun:
		return c.handleAgentRun(params)
	case protocol.MethodAgentAbort:
		runID := stringParam(params, "runId")
		if runID == "" {
			return nil, fmt.Errorf("chat.abort: runId required")
		}
		return map[string]bool{"aborted": c.app.Runtime.Abort(runID)}, nil
	default:
		return nil, fmt.Errorf("control: unknown method %q", method)
	}
}

func (c *control) handleToolExecute(params map[string]interface{}) (interface{}, error) {
	sessionKey := stringParam(params, "sessionKey")
	name := stringParam(params, "name")
	args, _ := params["args"].(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}
	return c.app.Runtime.Tools.Execute(context.Background(), sessionKey, name, args), nil
}

func (c *control) handleMemorySearch(params map[string]interface{}) (interface{}, error) {
	if c.app.Memory == nil {
		return nil, fmt.Errorf("memory.search: memory index disabled")
	}
	query := stringParam(params, "query")
	if query == "" {
		return nil, fmt.Errorf("memory.search: query required")
	}
	return c.app.Memory.Search(context.Background(), query)
}

func (c *control) handleMemorySync(params map[string]interface{}) (interface{}, error) {
	if c.app.Memory == nil {
		return nil, fmt.Errorf("memory.sync: memory index disabled")
	}
	force, _ := params["force"].(bool)
	count, err := c.app.Memory.Sync(context.Background(), force)
	if err != nil {
		return nil, err
	}
	return map[string]int{"reindexed": count}, nil
}

// handleAgentRun is a synchronous run entry point for operator tooling:
// unlike message.received/cron.trigger/webhook.trigger, it runs outside
// the three trigger sources and delivers nothing to a channel — the caller
// receives the reply directly in the RPC response.
func (c *control) handleAgentRun(params map[string]interface{}) (interface{}, error) {
	sessionKey := stringParam(params, "sessionKey")
	task := stringParam(params, "task")
	agentID := stringParam(params, "agentId")
	if sessionKey == "" || task == "" {
		return nil, fmt.Errorf("agent.run: sessionKey and task required")
	}
	if agentID == "" {
		agentID = "default"
	}

	if _, err := c.app.Sessions.AddMessage(sessionKey, history.RoleUser, []history.Block{{Kind: history.BlockText, Text: task}}, map[string]string{"type": "task"}); err != nil {
		return nil, fmt.Errorf("agent.run: append task: %w", err)
	}

	cfg := c.app.resolveAgent(agentID)
	res, err := c.app.Runtime.Run(context.Background(), agent.RunRequest{
		SessionKey:        sessionKey,
		WorkspaceDir:      cfg.Workspace,
		Model:             cfg.Model,
		Provider:          cfg.Provider,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		MaxToolIterations: cfg.MaxToolIterations,
		ContextWindow:     cfg.ContextWindow,
		Channel:           "cli",
		ContextFiles:      cfg.ContextFiles,
		ExtraSystemPrompt: cfg.ExtraSystemPrompt,
		AgentID:           agentID,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func stringParam(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func intParam(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
