// Package queue serializes work per session: a per-key FIFO so that
// messages for one session key always run strictly one at a time while
// distinct keys run concurrently, bounded only by the host scheduler.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/protocol"
)

// Task is the work enqueued for a session key. It runs with the context
// passed to Enqueue; the queue itself never cancels that context.
type Task func(ctx context.Context) (any, error)

// Outcome is delivered on the channel Enqueue returns once the task
// completes, fails, or is rejected by ClearQueue.
type Outcome struct {
	Result any
	Err    error
}

type item struct {
	ctx        context.Context
	task       Task
	resultCh   chan Outcome
	sessionKey string
}

type lane struct {
	mu      sync.Mutex
	pending *list.List // of *item
	running bool
}

// Queue is the per-session FIFO scheduler. Lifecycle events
// (enqueued/started/processing/completed/failed) are published on events
// when non-nil, so the channel/agent services can surface run progress
// without polling.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	events bus.EventPublisher
}

// NewQueue builds an empty Queue. events may be nil to run without
// lifecycle notifications (e.g. in tests).
func NewQueue(events bus.EventPublisher) *Queue {
	return &Queue{
		lanes:  make(map[string]*lane),
		events: events,
	}
}

func (q *Queue) getLane(sessionKey string) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[sessionKey]
	if !ok {
		l = &lane{pending: list.New()}
		q.lanes[sessionKey] = l
	}
	return l
}

// Enqueue schedules task under sessionKey and returns a channel delivering
// its Outcome. Tasks for the same sessionKey never run concurrently; tasks
// for distinct keys do.
func (q *Queue) Enqueue(ctx context.Context, sessionKey string, task Task) <-chan Outcome {
	it := &item{ctx: ctx, task: task, resultCh: make(chan Outcome, 1), sessionKey: sessionKey}
	l := q.getLane(sessionKey)

	l.mu.Lock()
	l.pending.PushBack(it)
	start := !l.running
	if start {
		l.running = true
	}
	l.mu.Unlock()

	q.emit(sessionKey, "enqueued")

	if start {
		go q.drain(sessionKey, l)
	}
	return it.resultCh
}

func (q *Queue) drain(sessionKey string, l *lane) {
	for {
		l.mu.Lock()
		front := l.pending.Front()
		if front == nil {
			l.running = false
			l.mu.Unlock()
			return
		}
		l.pending.Remove(front)
		l.mu.Unlock()

		it := front.Value.(*item)
		q.runOne(sessionKey, it)
	}
}

func (q *Queue) runOne(sessionKey string, it *item) {
	q.emit(sessionKey, "started")
	q.emit(sessionKey, "processing")

	result, err := q.invoke(it)

	if err != nil {
		q.emit(sessionKey, "failed")
	} else {
		q.emit(sessionKey, "completed")
	}

	it.resultCh <- Outcome{Result: result, Err: err}
	close(it.resultCh)
}

// invoke runs the task and converts a panic into an error so one failing
// task never takes down the lane's drain goroutine.
func (q *Queue) invoke(it *item) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: task panicked: %v", r)
		}
	}()
	return it.task(it.ctx)
}

// ClearQueue rejects every still-pending task for sessionKey with
// protocol.CodeQueueCleared, without touching whatever task (if any) is
// currently in flight.
func (q *Queue) ClearQueue(sessionKey string) {
	q.mu.Lock()
	l, ok := q.lanes[sessionKey]
	q.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	rejected := make([]*item, 0, l.pending.Len())
	for e := l.pending.Front(); e != nil; {
		next := e.Next()
		rejected = append(rejected, e.Value.(*item))
		l.pending.Remove(e)
		e = next
	}
	l.mu.Unlock()

	for _, it := range rejected {
		it.resultCh <- Outcome{Err: protocol.NewFrameError(protocol.CodeQueueCleared, "queue cleared before run")}
		close(it.resultCh)
	}
	if len(rejected) > 0 {
		q.emit(sessionKey, "cleared")
	}
}

func (q *Queue) emit(sessionKey, phase string) {
	if q.events == nil {
		return
	}
	q.events.Broadcast(bus.Event{
		Name: "queue." + phase,
		Payload: map[string]string{
			"sessionKey": sessionKey,
			"phase":      phase,
		},
	})
}
