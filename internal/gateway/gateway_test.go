package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/chozzz/agentfabric/internal/protocol"
)

func newTestClient(t *testing.T, broker *Broker, service string, methods, events, subs []string) *Client {
	t.Helper()
	dial := func(ctx context.Context) (Connection, error) {
		local, remote := NewLocalPair(16)
		go broker.Accept(remote)
		return local, nil
	}
	c := NewClient(service, methods, events, subs, dial, slog.Default())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s): %v", service, err)
	}
	return c
}

func TestBrokerRoutesRequestToRegisteredMethod(t *testing.T) {
	broker := NewBroker(slog.Default())

	callee := newTestClient(t, broker, "echo", []string{"ping"}, nil, nil)
	callee.HandleMethod("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		var in map[string]string
		json.Unmarshal(params, &in)
		return map[string]string{"reply": in["msg"]}, nil
	})

	caller := newTestClient(t, broker, "caller", nil, nil, nil)

	var out map[string]string
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := caller.Call(ctx, "echo", "ping", map[string]string{"msg": "hi"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["reply"] != "hi" {
		t.Fatalf("reply = %q, want %q", out["reply"], "hi")
	}
}

func TestBrokerReturnsNoServiceAndNoMethod(t *testing.T) {
	broker := NewBroker(slog.Default())
	callee := newTestClient(t, broker, "svc", []string{"known"}, nil, nil)
	callee.HandleMethod("known", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "ok", nil
	})
	caller := newTestClient(t, broker, "caller", nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := caller.Call(ctx, "missing", "known", nil, nil)
	if err == nil {
		t.Fatal("expected NO_SERVICE error")
	}
	if ferr, ok := err.(*protocol.FrameError); !ok || ferr.Code != protocol.CodeNoService {
		t.Fatalf("err = %v, want CodeNoService", err)
	}

	err = caller.Call(ctx, "svc", "unknown", nil, nil)
	if err == nil {
		t.Fatal("expected NO_METHOD error")
	}
	if ferr, ok := err.(*protocol.FrameError); !ok || ferr.Code != protocol.CodeNoMethod {
		t.Fatalf("err = %v, want CodeNoMethod", err)
	}
}

func TestBrokerFansOutEventsToSubscribersOnly(t *testing.T) {
	broker := NewBroker(slog.Default())

	received := make(chan string, 4)
	subscriber := newTestClient(t, broker, "subscriber", nil, nil, []string{"ping"})
	subscriber.HandleEvent("ping", func(source, event string, payload json.RawMessage) {
		received <- source
	})

	nonSubscriber := newTestClient(t, broker, "bystander", nil, nil, []string{"other"})
	nonSubscriber.HandleEvent("ping", func(source, event string, payload json.RawMessage) {
		t.Error("non-subscriber should not receive ping event")
	})

	publisher := newTestClient(t, broker, "publisher", nil, []string{"ping"}, nil)
	if err := publisher.Emit("ping", map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case src := <-received:
		if src != "publisher" {
			t.Fatalf("source = %q, want %q", src, "publisher")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received fanned-out event")
	}
}

func TestBrokerPreemptsDuplicateRegistration(t *testing.T) {
	broker := NewBroker(slog.Default())

	first := newTestClient(t, broker, "dup", []string{"m"}, nil, nil)
	first.HandleMethod("m", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "first", nil
	})

	// Give the broker's read loop a moment to finish registering first.
	time.Sleep(50 * time.Millisecond)

	second := newTestClient(t, broker, "dup", []string{"m"}, nil, nil)
	// The preempted client would otherwise reconnect and steal the name back.
	first.Close()
	second.HandleMethod("m", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "second", nil
	})
	time.Sleep(50 * time.Millisecond)

	caller := newTestClient(t, broker, "caller", nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out string
	if err := caller.Call(ctx, "dup", "m", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "second" {
		t.Fatalf("out = %q, want the second registrant to win", out)
	}
}

func TestRateLimiterAllowsBurstThenThrottles(t *testing.T) {
	rl := NewRateLimiter(1) // 1 req/sec sustained
	allowed := 0
	for i := 0; i < rateLimiterBurst+5; i++ {
		if rl.Allow("k") {
			allowed++
		}
	}
	if allowed < 1 || allowed > rateLimiterBurst+1 {
		t.Fatalf("allowed = %d, want roughly the burst size (%d)", allowed, rateLimiterBurst)
	}
}
