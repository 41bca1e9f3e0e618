package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chozzz/agentfabric/internal/bus"
)

func TestEnqueueRunsSameKeyStrictlyInOrder(t *testing.T) {
	q := NewQueue(nil)

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	out1 := q.Enqueue(context.Background(), "s1", func(ctx context.Context) (any, error) {
		<-release
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil, nil
	})
	out2 := q.Enqueue(context.Background(), "s1", func(ctx context.Context) (any, error) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil, nil
	})

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(order) != 0 {
		t.Fatalf("second task ran before the first released: %v", order)
	}
	mu.Unlock()

	close(release)
	<-out1
	<-out2

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestEnqueueRunsDistinctKeysConcurrently(t *testing.T) {
	q := NewQueue(nil)

	var inFlight int32
	var maxInFlight int32
	hold := make(chan struct{})

	task := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		<-hold
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}

	out1 := q.Enqueue(context.Background(), "a", task)
	out2 := q.Enqueue(context.Background(), "b", task)

	time.Sleep(20 * time.Millisecond)
	close(hold)
	<-out1
	<-out2

	if atomic.LoadInt32(&maxInFlight) < 2 {
		t.Fatalf("maxInFlight = %d, want 2 (distinct keys should run concurrently)", maxInFlight)
	}
}

func TestEnqueueEmitsLifecyclePairsInOrder(t *testing.T) {
	msgBus := bus.NewMessageBus(16)
	q := NewQueue(msgBus)

	var mu sync.Mutex
	var phases []string
	msgBus.Subscribe("test", func(e bus.Event) {
		mu.Lock()
		phases = append(phases, e.Name)
		mu.Unlock()
	})

	var results []string
	echo := func(text string) Task {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			results = append(results, text)
			mu.Unlock()
			return text, nil
		}
	}

	out1 := q.Enqueue(context.Background(), "s1", echo("first"))
	out2 := q.Enqueue(context.Background(), "s1", echo("second"))
	<-out1
	<-out2

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || results[0] != "first" || results[1] != "second" {
		t.Fatalf("results = %v, want [first second]", results)
	}

	var cycle []string
	for _, p := range phases {
		if p == "queue.started" || p == "queue.completed" {
			cycle = append(cycle, p)
		}
	}
	want := []string{"queue.started", "queue.completed", "queue.started", "queue.completed"}
	if len(cycle) != len(want) {
		t.Fatalf("lifecycle = %v, want two started/completed pairs", cycle)
	}
	for i := range want {
		if cycle[i] != want[i] {
			t.Fatalf("lifecycle = %v, want %v", cycle, want)
		}
	}
}

func TestClearQueueRejectsPendingNotInFlight(t *testing.T) {
	q := NewQueue(nil)

	release := make(chan struct{})
	running := q.Enqueue(context.Background(), "s1", func(ctx context.Context) (any, error) {
		<-release
		return "first", nil
	})
	pending := q.Enqueue(context.Background(), "s1", func(ctx context.Context) (any, error) {
		return "second", nil
	})

	time.Sleep(20 * time.Millisecond)
	q.ClearQueue("s1")

	rejected := <-pending
	if rejected.Err == nil {
		t.Fatal("expected pending task to be rejected")
	}

	close(release)
	completed := <-running
	if completed.Err != nil || completed.Result != "first" {
		t.Fatalf("in-flight task should have completed normally, got %+v", completed)
	}
}
