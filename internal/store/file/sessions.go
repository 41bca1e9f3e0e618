// Package file is the one concrete session-store backend this repository
// ships: a JSON-file-per-session store, wrapping internal/sessions.Manager
// to implement store.SessionStore.
package file

import (
	"fmt"

	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/sessions"
	"github.com/chozzz/agentfabric/internal/store"
)

// FileSessionStore wraps sessions.Manager to implement store.SessionStore,
// persisting to disk after every mutating call.
type FileSessionStore struct {
	mgr *sessions.Manager
}

func NewFileSessionStore(mgr *sessions.Manager) *FileSessionStore {
	return &FileSessionStore{mgr: mgr}
}

// Manager returns the underlying sessions.Manager for direct access.
func (f *FileSessionStore) Manager() *sessions.Manager { return f.mgr }

func (f *FileSessionStore) List(filter store.ListFilter) ([]store.Session, error) {
	return f.mgr.List(filter), nil
}

func (f *FileSessionStore) Get(key string) (store.Session, bool, error) {
	s, ok := f.mgr.Get(key)
	return s, ok, nil
}

func (f *FileSessionStore) Create(key string, kind store.SessionKind, label string, metadata map[string]string) (store.Session, error) {
	s, err := f.mgr.Create(key, kind, label, metadata)
	if err != nil {
		return store.Session{}, err
	}
	return s, f.mgr.Save(key)
}

func (f *FileSessionStore) Delete(key string) error {
	return f.mgr.Delete(key)
}

func (f *FileSessionStore) AddMessage(key string, role history.Role, blocks []history.Block, metadata map[string]string) (history.Message, error) {
	msg := f.mgr.AddMessage(key, role, blocks, metadata)
	if err := f.mgr.Save(key); err != nil {
		return history.Message{}, fmt.Errorf("save session %s: %w", key, err)
	}
	return msg, nil
}

func (f *FileSessionStore) GetMessages(key string, opts store.GetMessagesOpts) ([]history.Message, error) {
	return f.mgr.GetMessages(key, opts), nil
}

func (f *FileSessionStore) SetSummary(key, summary string) error {
	f.mgr.SetSummary(key, summary)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) GetSummary(key string) (string, error) {
	return f.mgr.GetSummary(key), nil
}

func (f *FileSessionStore) SetLabel(key, label string) error {
	f.mgr.SetLabel(key, label)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) UpdateMetadata(key string, model, provider, channel string) error {
	f.mgr.UpdateMetadata(key, model, provider, channel)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) AccumulateTokens(key string, input, output int64) error {
	f.mgr.AccumulateTokens(key, input, output)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) IncrementCompaction(key string) error {
	f.mgr.IncrementCompaction(key)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) GetCompactionCount(key string) (int, error) {
	return f.mgr.GetCompactionCount(key), nil
}

func (f *FileSessionStore) GetMemoryFlushCompactionCount(key string) (int, error) {
	return f.mgr.GetMemoryFlushCompactionCount(key), nil
}

func (f *FileSessionStore) SetMemoryFlushDone(key string, compactionCount int, at int64) error {
	f.mgr.SetMemoryFlushDone(key, compactionCount, at)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) error {
	f.mgr.SetSpawnInfo(key, spawnedBy, depth)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) SetContextWindow(key string, cw int) error {
	f.mgr.SetContextWindow(key, cw)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) GetContextWindow(key string) (int, error) {
	return f.mgr.GetContextWindow(key), nil
}

func (f *FileSessionStore) SetLastPromptTokens(key string, tokens, msgCount int) error {
	f.mgr.SetLastPromptTokens(key, tokens, msgCount)
	return f.mgr.Save(key)
}

func (f *FileSessionStore) GetLastPromptTokens(key string) (tokens, msgCount int, err error) {
	tokens, msgCount = f.mgr.GetLastPromptTokens(key)
	return tokens, msgCount, nil
}

func (f *FileSessionStore) TruncateHistory(key string, keepLast int) error {
	f.mgr.TruncateHistory(key, keepLast)
	return f.mgr.Save(key)
}

var _ store.SessionStore = (*FileSessionStore)(nil)
