package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chozzz/agentfabric/internal/protocol"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultKeepalive      = 60 * time.Second
	outboundQueueDepth    = 256
)

// descriptor is what register() contributes to the broker's routing table:
// a connection plus the methods it will answer and the events it wants
// fanned out to it.
type descriptor struct {
	name          string
	conn          Connection
	methods       map[string]bool
	events        map[string]bool
	subscriptions map[string]bool

	out chan *protocol.Frame // per-connection outbound queue, preserves order

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func (d *descriptor) touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

func (d *descriptor) enqueue(f *protocol.Frame) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	select {
	case d.out <- f:
	default:
		// Outbound queue full: drop rather than block the broker's
		// dispatch loop. A descriptor this far behind is effectively
		// disconnected and will be reaped by the keepalive check.
	}
}

type pendingRequest struct {
	caller   *descriptor
	callerID string
	target   string
	timer    *time.Timer
}

// Broker is the single process-local hub every service client and every
// external loopback connection registers with. Requests are routed by
// target, events fan out to subscribers, and a hop-unique ID is assigned to
// every forwarded request so concurrent callers can never collide on the
// callee side.
type Broker struct {
	mu       sync.Mutex
	services map[string]*descriptor
	pending  map[string]*pendingRequest

	requestTimeout time.Duration
	keepalive      time.Duration
	hopCounter     uint64

	log *slog.Logger
}

// NewBroker creates a broker with default timeout/keepalive settings.
func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		services:       make(map[string]*descriptor),
		pending:        make(map[string]*pendingRequest),
		requestTimeout: defaultRequestTimeout,
		keepalive:      defaultKeepalive,
		log:            log,
	}
}

// Accept takes ownership of conn: the first frame it sends must be a
// Registration, after which the broker serves it until the connection
// closes. Safe to call from its own goroutine per connection — one receive
// loop per socket.
func (b *Broker) Accept(conn Connection) {
	first, err := conn.Recv()
	if err != nil {
		conn.Close()
		return
	}
	if first.Type != protocol.FrameRegistration || first.Service == "" {
		conn.Close()
		return
	}

	d := b.register(first, conn)
	defer b.unregister(d)

	go b.writeLoop(d)

	for {
		f, err := conn.Recv()
		if err != nil {
			return
		}
		d.touch()
		b.dispatch(d, f)
	}
}

func (b *Broker) writeLoop(d *descriptor) {
	for f := range d.out {
		if err := d.conn.Send(f); err != nil {
			return
		}
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// register installs the descriptor, closing any prior connection for the
// same service name: the newest registrant always preempts.
func (b *Broker) register(reg *protocol.Frame, conn Connection) *descriptor {
	d := &descriptor{
		name:          reg.Service,
		conn:          conn,
		methods:       toSet(reg.Methods),
		events:        toSet(reg.Events),
		subscriptions: toSet(reg.Subscriptions),
		out:           make(chan *protocol.Frame, outboundQueueDepth),
		lastSeen:      time.Now(),
	}

	b.mu.Lock()
	if old, exists := b.services[d.name]; exists {
		b.log.Warn("gateway: service registration preempted", "service", d.name)
		old.mu.Lock()
		old.closed = true
		old.mu.Unlock()
		close(old.out)
		old.conn.Close()
	}
	b.services[d.name] = d
	b.mu.Unlock()

	b.log.Info("gateway: service registered", "service", d.name, "methods", reg.Methods, "subscriptions", reg.Subscriptions)
	return d
}

func (b *Broker) unregister(d *descriptor) {
	b.mu.Lock()
	if cur, ok := b.services[d.name]; ok && cur == d {
		delete(b.services, d.name)
	}
	// Any request this connection had pending as a caller will never be
	// answered; drop them now (stopping their timers) rather than letting
	// them wait for timeout.
	for hopID, p := range b.pending {
		if p.caller == d {
			p.timer.Stop()
			delete(b.pending, hopID)
		}
	}
	b.mu.Unlock()

	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		close(d.out)
	}
	d.conn.Close()
	b.log.Info("gateway: service disconnected", "service", d.name)
}

func (b *Broker) dispatch(d *descriptor, f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameRequest:
		b.routeRequest(d, f)
	case protocol.FrameResponse:
		b.routeResponse(f)
	case protocol.FrameEvent:
		b.publish(d, f)
	default:
		// Unrecognized and registration-after-connect frames are
		// dropped silently.
	}
}

func (b *Broker) routeRequest(caller *descriptor, f *protocol.Frame) {
	b.mu.Lock()
	target, ok := b.services[f.Target]
	b.mu.Unlock()

	if !ok {
		caller.enqueue(protocol.NewErrorResponse(f.ID, protocol.NewFrameError(protocol.CodeNoService, fmt.Sprintf("no service %q", f.Target))))
		return
	}
	if !target.methods[f.Method] {
		caller.enqueue(protocol.NewErrorResponse(f.ID, protocol.NewFrameError(protocol.CodeNoMethod, fmt.Sprintf("service %q has no method %q", f.Target, f.Method))))
		return
	}

	hopID := fmt.Sprintf("hop-%d", atomic.AddUint64(&b.hopCounter, 1))
	pending := &pendingRequest{caller: caller, callerID: f.ID, target: f.Target}
	pending.timer = time.AfterFunc(b.requestTimeout, func() { b.timeoutRequest(hopID) })

	b.mu.Lock()
	b.pending[hopID] = pending
	b.mu.Unlock()

	forwarded := *f
	forwarded.ID = hopID
	target.enqueue(&forwarded)
}

func (b *Broker) timeoutRequest(hopID string) {
	b.mu.Lock()
	p, ok := b.pending[hopID]
	if ok {
		delete(b.pending, hopID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	p.caller.enqueue(protocol.NewErrorResponse(p.callerID, protocol.NewFrameError(protocol.CodeTimeout, "request timed out")))
}

func (b *Broker) routeResponse(f *protocol.Frame) {
	b.mu.Lock()
	p, ok := b.pending[f.ID]
	if ok {
		delete(b.pending, f.ID)
	}
	b.mu.Unlock()
	if !ok {
		// Unknown ID: either already timed out or a stray late response.
		// Dropped.
		return
	}
	p.timer.Stop()

	reply := *f
	reply.ID = p.callerID
	p.caller.enqueue(&reply)
}

// publish fans an event out to every descriptor subscribed to it, excluding
// the publisher itself.
func (b *Broker) publish(from *descriptor, f *protocol.Frame) {
	b.mu.Lock()
	recipients := make([]*descriptor, 0, len(b.services))
	for _, d := range b.services {
		if d == from {
			continue
		}
		if d.subscriptions[f.Event] || d.subscriptions["*"] {
			recipients = append(recipients, d)
		}
	}
	b.mu.Unlock()

	for _, d := range recipients {
		d.enqueue(f)
	}
}

// RunKeepalive pings every registered descriptor on the configured interval
// and closes any connection silent through two intervals. Intended to run
// in its own goroutine for the broker's lifetime.
func (b *Broker) RunKeepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			b.sweepKeepalive(now)
		}
	}
}

func (b *Broker) sweepKeepalive(now time.Time) {
	ping, _ := protocol.NewEvent("", protocol.EventHealth, map[string]any{"ts": now.UTC().Format(time.RFC3339)})

	b.mu.Lock()
	stale := make([]*descriptor, 0)
	live := make([]*descriptor, 0, len(b.services))
	for _, d := range b.services {
		d.mu.Lock()
		silentFor := now.Sub(d.lastSeen)
		d.mu.Unlock()
		if silentFor > 2*b.keepalive {
			stale = append(stale, d)
		} else {
			live = append(live, d)
		}
	}
	b.mu.Unlock()

	for _, d := range stale {
		b.log.Warn("gateway: closing silent connection", "service", d.name)
		b.unregister(d)
	}
	for _, d := range live {
		d.enqueue(ping)
	}
}
