// Package store owns the session-store interface: an append-only, per-key
// message log consumed by the runtime, the channel service, and the agent
// service. This package fixes only the contract; the file subpackage ships
// the one reference backend.
package store

import (
	"time"

	"github.com/chozzz/agentfabric/internal/history"
)

// SessionKind classifies a session for history-limit policy and for the
// subagent tool allow-list.
type SessionKind string

const (
	KindMain     SessionKind = "main"
	KindWebhook  SessionKind = "webhook"
	KindCron     SessionKind = "cron"
	KindSubagent SessionKind = "subagent"
)

// Session is one session record. Key identity is the contract; Kind only
// informs history-limit policy.
type Session struct {
	Key       string            `json:"key"`
	Kind      SessionKind       `json:"kind"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Label     string            `json:"label,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Cached per-session fields (model, token counts, last prompt size)
	// the runtime records after each model call; the queue does not read
	// them.
	Model                      string `json:"model,omitempty"`
	Provider                   string `json:"provider,omitempty"`
	Channel                    string `json:"channel,omitempty"`
	InputTokens                int64  `json:"inputTokens,omitempty"`
	OutputTokens               int64  `json:"outputTokens,omitempty"`
	CompactionCount            int    `json:"compactionCount,omitempty"`
	MemoryFlushCompactionCount int    `json:"memoryFlushCompactionCount,omitempty"`
	MemoryFlushAt              int64  `json:"memoryFlushAt,omitempty"`
	SpawnedBy                  string `json:"spawnedBy,omitempty"`
	SpawnDepth                 int    `json:"spawnDepth,omitempty"`
	ContextWindow              int    `json:"contextWindow,omitempty"`
	LastPromptTokens           int    `json:"lastPromptTokens,omitempty"`
	LastMessageCount           int    `json:"lastMessageCount,omitempty"`
}

// ListFilter narrows List to sessions matching a key prefix (e.g. an agent
// ID segment).
type ListFilter struct {
	KeyPrefix string
}

// GetMessagesOpts bounds a GetMessages call.
type GetMessagesOpts struct {
	Limit  int       // 0 = no limit
	Before time.Time // zero = no bound
}

// SessionStore is the consumed interface, implemented once per concrete
// backend. AddMessage returns the stored message with its assigned
// timestamp; GetMessages always returns timestamp-ascending order.
type SessionStore interface {
	List(filter ListFilter) ([]Session, error)
	Get(key string) (Session, bool, error)
	Create(key string, kind SessionKind, label string, metadata map[string]string) (Session, error)
	Delete(key string) error

	AddMessage(key string, role history.Role, blocks []history.Block, metadata map[string]string) (history.Message, error)
	GetMessages(key string, opts GetMessagesOpts) ([]history.Message, error)

	// SetSummary/GetSummary carry the compaction engine's replacement
	// summary text alongside the message log.
	SetSummary(key, summary string) error
	GetSummary(key string) (string, error)
	SetLabel(key, label string) error
	UpdateMetadata(key string, model, provider, channel string) error
	AccumulateTokens(key string, input, output int64) error
	IncrementCompaction(key string) error
	GetCompactionCount(key string) (int, error)
	GetMemoryFlushCompactionCount(key string) (int, error)
	SetMemoryFlushDone(key string, compactionCount int, at int64) error
	SetSpawnInfo(key, spawnedBy string, depth int) error
	SetContextWindow(key string, cw int) error
	GetContextWindow(key string) (int, error)
	SetLastPromptTokens(key string, tokens, msgCount int) error
	GetLastPromptTokens(key string) (tokens, msgCount int, err error)

	// TruncateHistory drops all but the last keepLast messages — used after
	// compaction to splice a summary in for the messages it replaces.
	TruncateHistory(key string, keepLast int) error
}
