package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chozzz/agentfabric/internal/cron"
)

// DefaultAgentID is the agent ID used when no agent in the config is marked default.
const DefaultAgentID = "default"

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway process (internal/app's
// dependency-injection root reads exactly one of these).
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Webhook   WebhookConfig   `json:"webhook,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// AgentBinding maps a channel/peer pattern to a specific agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`             // "telegram", "discord", "slack", etc.
	AccountID string       `json:"accountId,omitempty"` // bot account ID
	Peer      *BindingPeer `json:"peer,omitempty"`      // specific DM/group
	GuildID   string       `json:"guildId,omitempty"`   // Discord guild
}

// WebhookConfig configures the webhook HTTP listener.
type WebhookConfig struct {
	Host         string `json:"host,omitempty"`          // default "127.0.0.1"
	Port         int    `json:"port,omitempty"`          // default 18791
	TransformDir string `json:"transform_dir,omitempty"` // not read: webhook transforms come only from the in-process registry
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string                `json:"workspace"`
	RestrictToWorkspace bool                  `json:"restrict_to_workspace"`
	Provider            string                `json:"provider"`
	Model               string                `json:"model"`
	MaxTokens           int                   `json:"max_tokens"`
	Temperature         float64               `json:"temperature"`
	MaxToolIterations   int                   `json:"max_tool_iterations"`
	ContextWindow       int                   `json:"context_window"`
	AgentType           string                `json:"agent_type,omitempty"` // "open" (default) or "predefined"
	Subagents           *SubagentsConfig      `json:"subagents,omitempty"`
	Memory              *MemoryConfig         `json:"memory,omitempty"`
	Compaction          *CompactionConfig     `json:"compaction,omitempty"`
	ContextPruning      *ContextPruningConfig `json:"contextPruning,omitempty"`
	Heartbeat           *HeartbeatConfig      `json:"heartbeat,omitempty"`

	// Bootstrap context truncation limits.
	BootstrapMaxChars      int `json:"bootstrapMaxChars,omitempty"`      // per-file max before truncation (default 20000)
	BootstrapTotalMaxChars int `json:"bootstrapTotalMaxChars,omitempty"` // total budget across all files (default 24000)
}

// CompactionConfig configures session compaction behaviour.
// Zero fields fall back to the defaults of agent.CompactionTrigger and
// compaction.Settings (mapped in internal/app).
type CompactionConfig struct {
	ReserveTokensFloor int                `json:"reserveTokensFloor,omitempty"` // min reserve tokens (default 20000)
	MaxHistoryShare    float64            `json:"maxHistoryShare,omitempty"`    // max share of context for history (default 0.5)
	MinMessages        int                `json:"minMessages,omitempty"`        // min messages before compaction triggers (default 50)
	KeepLastMessages   int                `json:"keepLastMessages,omitempty"`   // messages to keep after compaction (default 4)
	MemoryFlush        *MemoryFlushConfig `json:"memoryFlush,omitempty"`        // pre-compaction flush
}

// MemoryFlushConfig configures the pre-compaction memory flush.
// Fires once shortly before compaction triggers, giving the agent a chance
// to write anything important to memory first.
type MemoryFlushConfig struct {
	Enabled             *bool  `json:"enabled,omitempty"`             // default true (nil = enabled)
	SoftThresholdTokens int    `json:"softThresholdTokens,omitempty"` // flush when within N tokens of compaction (default 4000)
	Prompt              string `json:"prompt,omitempty"`              // user prompt for flush turn
	SystemPrompt        string `json:"systemPrompt,omitempty"`        // system prompt for flush turn
}

// ContextPruningConfig configures in-memory context pruning of old tool results.
// See internal/prune for the pruning algorithm this configures.
// Mode "cache-ttl": prune when context exceeds softTrimRatio of context window.
type ContextPruningConfig struct {
	Mode                 string                   `json:"mode,omitempty"`                 // "cache-ttl" applies the fields below; any other value, including "off" (default), prunes with internal/prune's defaults
	KeepLastAssistants   int                      `json:"keepLastAssistants,omitempty"`   // protect last N assistant msgs (default 3)
	SoftTrimRatio        float64                  `json:"softTrimRatio,omitempty"`        // start soft trim at this % of window (default 0.3)
	HardClearRatio       float64                  `json:"hardClearRatio,omitempty"`       // start hard clear at this % (default 0.5)
	MinPrunableToolChars int                      `json:"minPrunableToolChars,omitempty"` // not read: internal/prune has no such threshold
	SoftTrim             *ContextPruningSoftTrim  `json:"softTrim,omitempty"`
	HardClear            *ContextPruningHardClear `json:"hardClear,omitempty"`
}

// ContextPruningSoftTrim configures how long tool results are trimmed.
type ContextPruningSoftTrim struct {
	MaxChars  int `json:"maxChars,omitempty"`  // tool results longer than this get trimmed (default 4000)
	HeadChars int `json:"headChars,omitempty"` // keep first N chars (default 1500)
	TailChars int `json:"tailChars,omitempty"` // keep last N chars (default 1500)
}

// ContextPruningHardClear is not read by the pruning engine: hard-clear
// always runs when needed and always writes
// "[Tool result cleared — context pruning]".
type ContextPruningHardClear struct {
	Enabled     *bool  `json:"enabled,omitempty"`     // not read
	Placeholder string `json:"placeholder,omitempty"` // not read
}

// HeartbeatConfig configures periodic agent heartbeats.
// Nothing in this module reads it, so the defaults below are not applied.
type HeartbeatConfig struct {
	Every       string             `json:"every,omitempty"`       // duration string: "30m", "1h", "0m"=disabled (default "30m")
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"` // restrict to time window
	Model       string             `json:"model,omitempty"`       // optional model override
	Session     string             `json:"session,omitempty"`     // "main" (default) or explicit session key
	Target      string             `json:"target,omitempty"`      // "last" (default), "none", or channel ID
	To          string             `json:"to,omitempty"`          // optional recipient override (chat ID)
	Prompt      string             `json:"prompt,omitempty"`      // custom heartbeat prompt
	AckMaxChars int                `json:"ackMaxChars,omitempty"` // max chars after HEARTBEAT_OK before dropping (default 300)
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA timezone (default: local)
}

// MemoryConfig configures the agent memory system (SQLite chunk store,
// in-process lexical scoring, optional embeddings). Zero scoring fields
// fall back to memory.Settings defaults (mapped in internal/app).
type MemoryConfig struct {
	Enabled           *bool   `json:"enabled,omitempty"`            // default true (nil = enabled)
	EmbeddingProvider string  `json:"embedding_provider,omitempty"` // "openai", "gemini", "openrouter", "" (auto-select)
	EmbeddingModel    string  `json:"embedding_model,omitempty"`    // default "text-embedding-3-small"
	EmbeddingAPIBase  string  `json:"embedding_api_base,omitempty"` // custom endpoint URL
	MaxResults        int     `json:"max_results,omitempty"`        // default 6
	MaxChunkLen       int     `json:"max_chunk_len,omitempty"`      // default 1000
	VectorWeight      float64 `json:"vector_weight,omitempty"`      // hybrid search vector weight (default 0.7)
	TextWeight        float64 `json:"text_weight,omitempty"`        // hybrid search lexical weight (default 0.3)
	MinScore          float64 `json:"min_score,omitempty"`          // minimum relevance score (default 0.3)
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false, set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "agentfabric-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// CronConfig configures the cron job system.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`      // max retries on failure (default 3; 0 keeps the default)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // initial backoff delay (default "2s", Go duration)
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "30s", Go duration)
}

// ToRetryConfig converts CronConfig to cron.RetryConfig with defaults applied.
func (cc CronConfig) ToRetryConfig() cron.RetryConfig {
	cfg := cron.DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		cfg.MaxRetries = cc.MaxRetries
	}
	if cc.RetryBaseDelay != "" {
		if d, err := time.ParseDuration(cc.RetryBaseDelay); err == nil && d > 0 {
			cfg.BaseDelay = d
		}
	}
	if cc.RetryMaxDelay != "" {
		if d, err := time.ParseDuration(cc.RetryMaxDelay); err == nil && d > 0 {
			cfg.MaxDelay = d
		}
	}
	return cfg
}

// SubagentsConfig configures the subagent system.
// All fields optional — zero values mean "use default".
type SubagentsConfig struct {
	MaxConcurrent       int    `json:"maxConcurrent,omitempty"`       // default 20
	MaxSpawnDepth       int    `json:"maxSpawnDepth,omitempty"`       // default 1, range 1-5
	MaxChildrenPerAgent int    `json:"maxChildrenPerAgent,omitempty"` // default 5, range 1-20
	ArchiveAfterMinutes int    `json:"archiveAfterMinutes,omitempty"` // default 60
	Model               string `json:"model,omitempty"`               // model override for subagents
}

// AgentSpec is the per-agent configuration override.
// All fields optional — zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName       string          `json:"displayName,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	MaxToolIterations int             `json:"max_tool_iterations,omitempty"`
	ContextWindow     int             `json:"context_window,omitempty"`
	AgentType         string          `json:"agent_type,omitempty"` // "open" or "predefined"
	Skills            []string        `json:"skills,omitempty"`     // nil = all skills allowed
	Tools             *ToolPolicySpec `json:"tools,omitempty"`      // per-agent tool policy
	Workspace         string          `json:"workspace,omitempty"`
	Default           bool            `json:"default,omitempty"`
	Identity          *IdentityConfig `json:"identity,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Memory = src.Memory
	c.Cron = src.Cron
	c.Webhook = src.Webhook
	c.Telemetry = src.Telemetry
	c.Bindings = src.Bindings
}

// IdentityConfig defines agent persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}
