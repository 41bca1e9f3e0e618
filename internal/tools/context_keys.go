package tools

import "context"

// Tool execution context keys: the session key, working directory, and
// call() closure a tool runs under. Values are injected per call and read
// by individual tools during Execute, keeping tools themselves stateless
// and safe for concurrent execution.

type toolContextKey string

const (
	ctxSandboxKey toolContextKey = "tool_sandbox_key" // sessionKey
	ctxWorkspace  toolContextKey = "tool_workspace"   // workingDir
	ctxChannel    toolContextKey = "tool_channel"
	ctxChatID     toolContextKey = "tool_chat_id"
	ctxPeerKind   toolContextKey = "tool_peer_kind"
	ctxCall       toolContextKey = "tool_call"
)

// WithToolSandboxKey attaches the session key a tool call executes under.
// Tools read it as "the current session" — the default target for status
// lookups and the parent for spawns.
func WithToolSandboxKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSandboxKey, key)
}

func ToolSandboxKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSandboxKey).(string)
	return v
}

func WithToolWorkspace(ctx context.Context, ws string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, ws)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolPeerKind(ctx context.Context, peerKind string) context.Context {
	return context.WithValue(ctx, ctxPeerKind, peerKind)
}

func ToolPeerKindFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxPeerKind).(string)
	return v
}

// CallFunc is the call(target, method, params) closure letting a tool
// reach peer services through the gateway without importing it directly.
type CallFunc func(ctx context.Context, target, method string, params map[string]interface{}) (interface{}, error)

func WithToolCall(ctx context.Context, fn CallFunc) context.Context {
	return context.WithValue(ctx, ctxCall, fn)
}

func ToolCallFromCtx(ctx context.Context) CallFunc {
	v, _ := ctx.Value(ctxCall).(CallFunc)
	return v
}
