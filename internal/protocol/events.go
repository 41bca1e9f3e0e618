package protocol

// WebSocket event names pushed from the broker to subscribers.
const (
	EventAgent     = "agent"
	EventChat      = "chat"
	EventHealth    = "health"
	EventCron      = "cron"
	EventWebhook   = "webhook"
	EventPresence  = "presence"
	EventTick      = "tick"
	EventShutdown  = "shutdown"
	EventHeartbeat = "heartbeat"

	// Cache invalidation events (internal, not forwarded to WS clients).
	EventCacheInvalidate = "cache.invalidate"
)

// Agent lifecycle event subtypes (payload.type), streamed per run.
const (
	AgentEventStart      = "start"
	AgentEventTool       = "tool"
	AgentEventCompaction = "compaction"
	AgentEventEnd        = "end"
	AgentEventError      = "error"
	AgentEventAbort      = "abort"
)

// Chat event subtypes (payload.type) — streaming deltas fanned out per run.
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
