package protocol

// RPC method name constants, grouped by the service that owns them.
// Target is the service name a Request frame addresses; Method is the
// routing key within that service's declared method set.

// Runtime / chat methods, answered via the agent service.
const (
	MethodAgentRun    = "agent.run"
	MethodAgentWait   = "agent.wait"
	MethodAgentAbort  = "chat.abort"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatInject  = "chat.inject"
)

// Session management methods, exposed for operator tooling.
const (
	MethodSessionsList    = "sessions.list"
	MethodSessionsPreview = "sessions.preview"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsReset   = "sessions.reset"
)

// Cron methods.
const (
	MethodCronList   = "cron.list"
	MethodCronCreate = "cron.create"
	MethodCronUpdate = "cron.update"
	MethodCronDelete = "cron.delete"
	MethodCronToggle = "cron.toggle"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"
)

// Webhook methods.
const (
	MethodWebhookList   = "webhook.list"
	MethodWebhookCreate = "webhook.create"
	MethodWebhookDelete = "webhook.delete"
)

// Channel methods.
const (
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
	MethodChannelsToggle = "channels.toggle"
	MethodChannelSend    = "channel.send"
)

// Tool methods.
const (
	MethodToolList     = "tool.list"
	MethodToolDescribe = "tool.describe"
	MethodToolExecute  = "tool.execute"
)

// Memory methods, exposed for operator inspection and the recall tools.
const (
	MethodMemorySearch = "memory.search"
	MethodMemorySync   = "memory.sync"
)

// System methods, answered by the broker itself.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
