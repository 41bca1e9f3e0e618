package agent

import (
	"context"
	"testing"

	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/providers"
	"github.com/chozzz/agentfabric/internal/queue"
	"github.com/chozzz/agentfabric/internal/sessions"
	"github.com/chozzz/agentfabric/internal/store"
	"github.com/chozzz/agentfabric/internal/store/file"
	"github.com/chozzz/agentfabric/internal/tools"
)

type stubProvider struct {
	resp *providers.ChatResponse
	err  error
	name string
}

func (p *stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.resp, p.err
}

func (p *stubProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *stubProvider) DefaultModel() string { return "stub-model" }
func (p *stubProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "stub"
}

func newTestLoop(t *testing.T, prov providers.Provider) (*Loop, store.SessionStore) {
	t.Helper()
	dir := t.TempDir()
	mgr := sessions.NewManager(dir)
	sessStore := file.NewFileSessionStore(mgr)
	msgBus := bus.NewMessageBus(4)
	q := queue.NewQueue(msgBus)
	registry := tools.NewRegistry()
	resolve := func(name string) (providers.Provider, error) { return prov, nil }
	return NewLoop(sessStore, q, registry, msgBus, nil, resolve, nil), sessStore
}

func TestRunHappyPath(t *testing.T) {
	prov := &stubProvider{resp: &providers.ChatResponse{
		Content:      "the answer is 42",
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}}
	l, sessStore := newTestLoop(t, prov)

	sessionKey := "cli:direct:u1"
	if _, err := sessStore.Create(sessionKey, store.KindMain, "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := sessStore.AddMessage(sessionKey, "user", nil, map[string]string{"type": "task"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	res, err := l.Run(context.Background(), RunRequest{
		SessionKey:        sessionKey,
		MaxToolIterations: 1,
		ContextWindow:     8000,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "the answer is 42" {
		t.Fatalf("Content = %q", res.Content)
	}
	if res.Usage.PromptTokens != 3 || res.Usage.CompletionTokens != 4 {
		t.Fatalf("Usage = %+v", res.Usage)
	}

	msgs, err := sessStore.GetMessages(sessionKey, store.GetMessagesOpts{})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != "assistant" {
		t.Fatalf("expected a persisted assistant message, got %+v", msgs)
	}
}

func TestRunProviderResolveError(t *testing.T) {
	dir := t.TempDir()
	mgr := sessions.NewManager(dir)
	sessStore := file.NewFileSessionStore(mgr)
	msgBus := bus.NewMessageBus(4)
	q := queue.NewQueue(msgBus)
	registry := tools.NewRegistry()
	resolve := func(name string) (providers.Provider, error) { return nil, errUnknownProvider(name) }
	l := NewLoop(sessStore, q, registry, msgBus, nil, resolve, nil)

	sessionKey := "cli:direct:u2"
	if _, err := l.Run(context.Background(), RunRequest{SessionKey: sessionKey}); err == nil {
		t.Fatal("expected an error when the provider can't be resolved")
	}
}

func TestRunAbort(t *testing.T) {
	prov := &stubProvider{resp: &providers.ChatResponse{Content: "late reply", FinishReason: "stop"}}
	l, sessStore := newTestLoop(t, prov)

	sessionKey := "cli:direct:u3"
	if _, err := sessStore.Create(sessionKey, store.KindMain, "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := l.Run(ctx, RunRequest{SessionKey: sessionKey, MaxToolIterations: 1, ContextWindow: 8000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res == nil || !res.Aborted {
		t.Fatalf("res = %+v, want Aborted = true", res)
	}
}

type errUnknownProvider string

func (e errUnknownProvider) Error() string { return "unknown provider: " + string(e) }
