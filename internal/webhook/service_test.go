package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chozzz/agentfabric/internal/bus"
)

func newTestService(t *testing.T, fire FireFunc) (*Service, *bus.MessageBus) {
	t.Helper()
	store := NewStore(nil)
	if err := store.Create(&Hook{ID: "github", Token: "s3cret"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	msgBus := bus.NewMessageBus(4)
	svc := NewService(store, msgBus, fire, Config{}, nil)
	return svc, msgBus
}

func TestHandleHookAuth(t *testing.T) {
	svc, _ := newTestService(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	svc.handleHook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleHookUnknownID(t *testing.T) {
	svc, _ := newTestService(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/hooks/nope", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	svc.handleHook(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleHookPayloadTooLarge(t *testing.T) {
	svc, _ := newTestService(t, nil)

	big := bytes.Repeat([]byte("a"), maxBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewReader(big))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	svc.handleHook(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandleHookSuccessEmitsTrigger(t *testing.T) {
	var mu sync.Mutex
	var fired *TriggerPayload
	done := make(chan struct{})

	store := NewStore(nil)
	if err := store.Create(&Hook{ID: "github", Token: "s3cret"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	msgBus := bus.NewMessageBus(4)
	msgBus.Subscribe("test", func(ev bus.Event) {
		if ev.Name != "webhook.trigger" {
			return
		}
		payload, _ := ev.Payload.(TriggerPayload)
		mu.Lock()
		fired = &payload
		mu.Unlock()
		close(done)
	})
	svc := NewService(store, msgBus, nil, Config{}, nil)

	body := `{"ref":"refs/heads/main"}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	svc.handleHook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp["ok"] {
		t.Fatalf("body = %s, want {\"ok\":true}", rec.Body.String())
	}

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("webhook.trigger not broadcast within 500ms")
	}

	mu.Lock()
	defer mu.Unlock()
	if fired == nil || fired.HookID != "github" || fired.SessionKey != "webhook:github" {
		t.Fatalf("fired = %+v", fired)
	}
	if !strings.Contains(fired.Task, "refs/heads/main") {
		t.Fatalf("task = %q, want it to contain the payload", fired.Task)
	}
}

func TestStoreListStripsToken(t *testing.T) {
	store := NewStore(nil)
	if err := store.Create(&Hook{ID: "a", Token: "secret"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	list := store.List()
	if len(list) != 1 || list[0].Token != "" {
		t.Fatalf("List() = %+v, want token stripped", list)
	}
}
