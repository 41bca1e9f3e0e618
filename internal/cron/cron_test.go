package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chozzz/agentfabric/internal/bus"
)

func TestStoreCreateListDelete(t *testing.T) {
	store := NewStore(nil)

	job := &Job{ID: "reminder", Schedule: "*/5 * * * *", Task: "check in", Enabled: true}
	if err := store.Create(job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(job); err == nil {
		t.Fatal("expected duplicate create to error")
	}

	got := store.List()
	if len(got) != 1 || got[0].ID != "reminder" {
		t.Fatalf("List = %+v, want one job %q", got, "reminder")
	}

	if err := store.Delete("reminder"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(store.List()) != 0 {
		t.Fatal("expected table to be empty after delete")
	}
}

func TestStorePersistHookSkipsEphemeral(t *testing.T) {
	var persisted []*Job
	store := NewStore(func(jobs []*Job) error {
		persisted = jobs
		return nil
	})

	if err := store.Create(&Job{ID: "durable", Schedule: "0 * * * *", Task: "t"}); err != nil {
		t.Fatalf("Create durable: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected persist hook called with 1 job, got %d", len(persisted))
	}

	if err := store.Create(&Job{ID: "temp", Schedule: "0 * * * *", Task: "t", Ephemeral: true}); err != nil {
		t.Fatalf("Create ephemeral: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("ephemeral job should not reach the persist hook, got %d jobs", len(persisted))
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if !ValidateSchedule("*/5 * * * *") {
			t.Error("expected valid schedule")
		}
	})
	t.Run("invalid", func(t *testing.T) {
		if ValidateSchedule("not a cron expr") {
			t.Error("expected invalid schedule to be rejected")
		}
	})
}

func TestServiceTickFiresDueJobOnce(t *testing.T) {
	store := NewStore(nil)
	if err := store.Create(&Job{ID: "every-minute", Schedule: "* * * * *", Task: "ping", Enabled: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var fireCount atomic.Int32
	fire := func(ctx context.Context, job *Job, runID, sessionKey string) (Result, error) {
		fireCount.Add(1)
		return Result{Content: "ok"}, nil
	}

	msgBus := bus.NewMessageBus(4)
	var mu sync.Mutex
	var triggered []bus.Event
	msgBus.Subscribe("test", func(e bus.Event) {
		mu.Lock()
		triggered = append(triggered, e)
		mu.Unlock()
	})

	svc := NewService(store, msgBus, fire, DefaultRetryConfig(), nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.tick(context.Background(), now)
	svc.tick(context.Background(), now) // same minute: must not refire

	// runJob is spawned in a goroutine; give it a moment to complete.
	deadline := time.Now().Add(time.Second)
	for fireCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if got := fireCount.Load(); got != 1 {
		t.Fatalf("fireCount = %d, want 1 (dedupe within the same minute)", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(triggered) != 1 {
		t.Fatalf("len(triggered) = %d, want 1", len(triggered))
	}
	if triggered[0].Name != cronTriggerEvent {
		t.Errorf("event name = %q, want %q", triggered[0].Name, cronTriggerEvent)
	}
	payload, ok := triggered[0].Payload.(TriggerPayload)
	if !ok {
		t.Fatalf("payload type %T", triggered[0].Payload)
	}
	want := fmt.Sprintf("cron:every-minute:%d", now.Unix())
	if payload.SessionKey != want {
		t.Errorf("sessionKey = %q, want %q", payload.SessionKey, want)
	}
}

func TestServiceRetriesOnFireError(t *testing.T) {
	store := NewStore(nil)
	job := &Job{ID: "flaky", Schedule: "* * * * *", Task: "t", Enabled: true}
	if err := store.Create(job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var attempts int
	fire := func(ctx context.Context, job *Job, runID, sessionKey string) (Result, error) {
		attempts++
		if attempts < 2 {
			return Result{}, context.DeadlineExceeded
		}
		return Result{Content: "recovered"}, nil
	}

	svc := NewService(store, nil, fire, RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)
	svc.runJob(context.Background(), job, time.Now().UTC())

	runs := store.Runs("flaky")
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", runs[0].Attempts)
	}
	if runs[0].Content != "recovered" {
		t.Errorf("Content = %q, want %q", runs[0].Content, "recovered")
	}
}
