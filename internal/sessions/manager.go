// Package sessions holds the in-memory session table behind the
// file-backed SessionStore: lifecycle, persistence, and lookup for the
// per-key message logs.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/store"
)

// Session stores conversation history for one session key, implementing
// store.Session's persisted shape.
type Session struct {
	Key      string            `json:"key"`
	Kind     store.SessionKind `json:"kind"`
	Messages []history.Message `json:"messages"`
	Summary  string            `json:"summary,omitempty"`
	Created  time.Time         `json:"created"`
	Updated  time.Time         `json:"updated"`
	Metadata map[string]string `json:"metadata,omitempty"`

	Model                      string `json:"model,omitempty"`
	Provider                   string `json:"provider,omitempty"`
	Channel                    string `json:"channel,omitempty"`
	InputTokens                int64  `json:"inputTokens,omitempty"`
	OutputTokens               int64  `json:"outputTokens,omitempty"`
	CompactionCount            int    `json:"compactionCount,omitempty"`
	MemoryFlushCompactionCount int    `json:"memoryFlushCompactionCount,omitempty"`
	MemoryFlushAt              int64  `json:"memoryFlushAt,omitempty"`
	Label                      string `json:"label,omitempty"`
	SpawnedBy                  string `json:"spawnedBy,omitempty"`
	SpawnDepth                 int    `json:"spawnDepth,omitempty"`

	ContextWindow    int `json:"contextWindow,omitempty"`
	LastPromptTokens int `json:"lastPromptTokens,omitempty"`
	LastMessageCount int `json:"lastMessageCount,omitempty"`
}

// toStoreSession projects the persisted shape into store.Session.
func (s *Session) toStoreSession() store.Session {
	return store.Session{
		Key:                        s.Key,
		Kind:                       s.Kind,
		CreatedAt:                  s.Created,
		UpdatedAt:                  s.Updated,
		Label:                      s.Label,
		Metadata:                   s.Metadata,
		Model:                      s.Model,
		Provider:                   s.Provider,
		Channel:                    s.Channel,
		InputTokens:                s.InputTokens,
		OutputTokens:               s.OutputTokens,
		CompactionCount:            s.CompactionCount,
		MemoryFlushCompactionCount: s.MemoryFlushCompactionCount,
		MemoryFlushAt:              s.MemoryFlushAt,
		SpawnedBy:                  s.SpawnedBy,
		SpawnDepth:                 s.SpawnDepth,
		ContextWindow:              s.ContextWindow,
		LastPromptTokens:           s.LastPromptTokens,
		LastMessageCount:           s.LastMessageCount,
	}
}

// Manager handles session lifecycle, persistence, and lookup — the
// in-memory table behind the file-backed SessionStore.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// Create makes a new session, failing if key is already in use.
func (m *Manager) Create(key string, kind store.SessionKind, label string, metadata map[string]string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[key]; exists {
		return store.Session{}, fmt.Errorf("session %s already exists", key)
	}

	now := time.Now()
	s := &Session{
		Key:      key,
		Kind:     kind,
		Label:    label,
		Metadata: metadata,
		Created:  now,
		Updated:  now,
	}
	m.sessions[key] = s
	return s.toStoreSession(), nil
}

// GetOrCreate returns an existing session or creates a new kind=main one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}

	now := time.Now()
	s := &Session{Key: key, Kind: store.KindMain, Created: now, Updated: now}
	m.sessions[key] = s
	return s
}

// Get returns the session metadata for key.
func (m *Manager) Get(key string) (store.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return store.Session{}, false
	}
	return s.toStoreSession(), true
}

// List returns session metadata for every key matching filter.KeyPrefix.
func (m *Manager) List(filter store.ListFilter) []store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Session
	for key, s := range m.sessions {
		if filter.KeyPrefix != "" && !strings.HasPrefix(key, filter.KeyPrefix) {
			continue
		}
		result = append(result, s.toStoreSession())
	}
	return result
}

// AddMessage appends a message to a session, creating it (kind=main) if
// absent, and returns the stored message with its assigned timestamp.
func (m *Manager) AddMessage(key string, role history.Role, blocks []history.Block, metadata map[string]string) history.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		now := time.Now()
		s = &Session{Key: key, Kind: store.KindMain, Created: now, Updated: now}
		m.sessions[key] = s
	}

	msg := history.Message{
		SessionKey: key,
		Role:       role,
		Blocks:     blocks,
		Metadata:   metadata,
		Timestamp:  time.Now(),
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = msg.Timestamp
	return msg
}

// GetMessages returns messages for key in timestamp-ascending order,
// optionally bounded by opts.
func (m *Manager) GetMessages(key string, opts store.GetMessagesOpts) []history.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}

	msgs := s.Messages
	if !opts.Before.IsZero() {
		var filtered []history.Message
		for _, msg := range msgs {
			if msg.Timestamp.Before(opts.Before) {
				filtered = append(filtered, msg)
			}
		}
		msgs = filtered
	}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}

	out := make([]history.Message, len(msgs))
	copy(out, msgs)
	return out
}

// GetHistory returns a copy of the full message history, for callers that
// apply their own limiting.
func (m *Manager) GetHistory(key string) []history.Message {
	return m.GetMessages(key, store.GetMessagesOpts{})
}

func (m *Manager) GetSummary(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.Summary
	}
	return ""
}

func (m *Manager) SetSummary(key, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Summary = summary
		s.Updated = time.Now()
	}
}

func (m *Manager) SetLabel(key, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Label = label
		s.Updated = time.Now()
	}
}

func (m *Manager) UpdateMetadata(key, model, provider, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		if model != "" {
			s.Model = model
		}
		if provider != "" {
			s.Provider = provider
		}
		if channel != "" {
			s.Channel = channel
		}
	}
}

func (m *Manager) AccumulateTokens(key string, inputTokens, outputTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.InputTokens += inputTokens
		s.OutputTokens += outputTokens
	}
}

func (m *Manager) IncrementCompaction(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.CompactionCount++
	}
}

func (m *Manager) GetCompactionCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.CompactionCount
	}
	return 0
}

// GetMemoryFlushCompactionCount returns the compaction count at which
// memory flush last ran, or -1 if it has never run.
func (m *Manager) GetMemoryFlushCompactionCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		if s.MemoryFlushAt == 0 {
			return -1
		}
		return s.MemoryFlushCompactionCount
	}
	return -1
}

func (m *Manager) SetMemoryFlushDone(key string, compactionCount int, at int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.MemoryFlushCompactionCount = compactionCount
		s.MemoryFlushAt = at
	}
}

func (m *Manager) SetSpawnInfo(key, spawnedBy string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.SpawnedBy = spawnedBy
		s.SpawnDepth = depth
	}
}

func (m *Manager) SetContextWindow(key string, cw int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.ContextWindow = cw
	}
}

func (m *Manager) GetContextWindow(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.ContextWindow
	}
	return 0
}

func (m *Manager) SetLastPromptTokens(key string, tokens, msgCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.LastPromptTokens = tokens
		s.LastMessageCount = msgCount
	}
}

func (m *Manager) GetLastPromptTokens(key string) (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.LastPromptTokens, s.LastMessageCount
	}
	return 0, 0
}

// TruncateHistory keeps only the last N messages — used after compaction
// to splice a summary in for the messages it replaces.
func (m *Manager) TruncateHistory(key string, keepLast int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return
	}

	if keepLast <= 0 {
		s.Messages = nil
	} else if len(s.Messages) > keepLast {
		s.Messages = s.Messages[len(s.Messages)-keepLast:]
	}
	s.Updated = time.Now()
}

func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage != "" {
		filename := sanitizeFilename(key) + ".json"
		path := filepath.Join(m.storage, filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Save persists a session to disk atomically (temp file + rename).
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}

	snapshot := *s
	snapshot.Messages = make([]history.Message, len(s.Messages))
	copy(snapshot.Messages, s.Messages)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	sessionPath := filepath.Join(m.storage, filename+".json")

	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}

		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}

		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
