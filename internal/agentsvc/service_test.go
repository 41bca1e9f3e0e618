package agentsvc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chozzz/agentfabric/internal/agent"
	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/channels"
	"github.com/chozzz/agentfabric/internal/cron"
	"github.com/chozzz/agentfabric/internal/providers"
	"github.com/chozzz/agentfabric/internal/queue"
	"github.com/chozzz/agentfabric/internal/sessions"
	"github.com/chozzz/agentfabric/internal/store/file"
	"github.com/chozzz/agentfabric/internal/tools"
	"github.com/chozzz/agentfabric/internal/webhook"
)

// fakeProvider is a minimal providers.Provider stand-in; no concrete
// provider SDK lives in this tree, so every package that needs a runtime
// exercises one of these instead.
type fakeProvider struct {
	reply string
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{
		Content:      p.reply,
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

func newTestRuntime(t *testing.T, reply string, msgBus *bus.MessageBus) *agent.Loop {
	t.Helper()
	dir := t.TempDir()
	mgr := sessions.NewManager(dir)
	sessStore := file.NewFileSessionStore(mgr)
	q := queue.NewQueue(msgBus)
	registry := tools.NewRegistry()
	prov := &fakeProvider{reply: reply}
	resolve := func(name string) (providers.Provider, error) { return prov, nil }
	return agent.NewLoop(sessStore, q, registry, msgBus, nil, resolve, nil)
}

func testResolver(agentID string) AgentRunConfig {
	return AgentRunConfig{
		Workspace:         os.TempDir(),
		Model:             "fake-model",
		Provider:          "fake",
		MaxTokens:         1024,
		MaxToolIterations: 1,
		ContextWindow:     8000,
	}
}

func TestHandleEventDeliversReply(t *testing.T) {
	msgBus := bus.NewMessageBus(4)
	runtime := newTestRuntime(t, "hello from the agent", msgBus)
	svc := New(runtime, msgBus, msgBus, testResolver, nil)
	defer svc.Close()

	outCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outCh := make(chan bus.OutboundMessage, 1)
	go func() {
		msg, ok := msgBus.SubscribeOutbound(outCtx)
		if ok {
			outCh <- msg
		}
	}()

	msgBus.Broadcast(bus.Event{
		Name: "message.received",
		Payload: channels.MessageReceivedPayload{
			Channel:    "telegram",
			UserID:     "u1",
			ChatID:     "c1",
			Content:    "hi",
			SessionKey: "telegram:direct:c1",
			AgentID:    "default",
		},
	})

	select {
	case out := <-outCh:
		if out.Channel != "telegram" || out.ChatID != "c1" {
			t.Fatalf("outbound = %+v, want telegram/c1", out)
		}
		if out.Content != "hello from the agent" {
			t.Fatalf("content = %q", out.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message delivered within 2s")
	}
}

func TestHandleEventIgnoresOtherEvents(t *testing.T) {
	msgBus := bus.NewMessageBus(4)
	runtime := newTestRuntime(t, "should not run", msgBus)
	svc := New(runtime, msgBus, msgBus, testResolver, nil)
	defer svc.Close()

	msgBus.Broadcast(bus.Event{Name: "cron.trigger", Payload: "irrelevant"})
	// No panic, no delivery: nothing to assert beyond survival, since
	// handleEvent should return immediately on a name mismatch.
}

func TestStripHeartbeat(t *testing.T) {
	if content, ok := stripHeartbeat("  HEARTBEAT_OK  "); !ok || content != "" {
		t.Fatalf("stripHeartbeat(heartbeat) = (%q, %v), want (\"\", true)", content, ok)
	}
	if content, ok := stripHeartbeat("real reply"); ok || content != "real reply" {
		t.Fatalf("stripHeartbeat(reply) = (%q, %v), want (\"real reply\", false)", content, ok)
	}
}

func TestParseChannelAddress(t *testing.T) {
	channel, chatID, ok := parseChannelAddress("telegram:12345")
	if !ok || channel != "telegram" || chatID != "12345" {
		t.Fatalf("parseChannelAddress = (%q, %q, %v)", channel, chatID, ok)
	}
	if _, _, ok := parseChannelAddress("no-colon"); ok {
		t.Fatal("parseChannelAddress(no colon) should fail")
	}
	if _, _, ok := parseChannelAddress("trailing:"); ok {
		t.Fatal("parseChannelAddress(trailing colon) should fail")
	}
}

func TestCronFireDeliversOnNotify(t *testing.T) {
	msgBus := bus.NewMessageBus(4)
	runtime := newTestRuntime(t, "cron result", msgBus)
	svc := New(runtime, msgBus, msgBus, testResolver, nil)
	defer svc.Close()

	outCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outCh := make(chan bus.OutboundMessage, 1)
	go func() {
		msg, ok := msgBus.SubscribeOutbound(outCtx)
		if ok {
			outCh <- msg
		}
	}()

	job := &cron.Job{ID: "j1", Channel: "slack", To: "C123", Notify: true}
	result, err := svc.CronFire(context.Background(), job, "run1", "cron:j1:1699999999")
	if err != nil {
		t.Fatalf("CronFire: %v", err)
	}
	if result.Content != "cron result" {
		t.Fatalf("result.Content = %q", result.Content)
	}

	select {
	case out := <-outCh:
		if out.Channel != "slack" || out.ChatID != "C123" {
			t.Fatalf("outbound = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cron job did not deliver via notify")
	}
}

func TestWebhookFireNotifiesEachAddress(t *testing.T) {
	msgBus := bus.NewMessageBus(4)
	runtime := newTestRuntime(t, "webhook result", msgBus)
	svc := New(runtime, msgBus, msgBus, testResolver, nil)
	defer svc.Close()

	outCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outCh := make(chan bus.OutboundMessage, 2)
	go func() {
		for {
			msg, ok := msgBus.SubscribeOutbound(outCtx)
			if !ok {
				return
			}
			outCh <- msg
		}
	}()

	hook := &webhook.Hook{ID: "github", Notify: []string{"slack:C1", "telegram:T1"}}
	if _, err := svc.WebhookFire(context.Background(), hook, "deploy happened", "webhook:github", "run1"); err != nil {
		t.Fatalf("WebhookFire: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case out := <-outCh:
			seen[out.Channel+":"+out.ChatID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only got %d of 2 notify deliveries", i)
		}
	}
	if !seen["slack:C1"] || !seen["telegram:T1"] {
		t.Fatalf("seen = %+v, want both notify addresses", seen)
	}
}
