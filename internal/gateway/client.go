package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chozzz/agentfabric/internal/protocol"
)

const (
	reconnectBaseDelay = 200 * time.Millisecond
	reconnectMaxDelay  = 30 * time.Second
	reconnectMaxTries  = 20
)

// MethodHandler answers an incoming request addressed to this client's
// service. Returning an error maps to a Response with Ok=false carrying a
// FrameError built from the error's message.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// EventHandler reacts to a fanned-out event this client subscribed to.
type EventHandler func(source, event string, payload json.RawMessage)

// Dialer opens a fresh Connection to the broker. Called once at Connect and
// again on every reconnect attempt.
type Dialer func(ctx context.Context) (Connection, error)

// Client is what an in-process service uses to talk to the Broker
// (internal/app wires one each for cron, webhook and the control
// surface). It owns
// registration, outstanding-request bookkeeping, method/event dispatch, and
// reconnect-with-backoff.
type Client struct {
	service       string
	methods       []string
	eventsOut     []string
	subscriptions []string
	dial          Dialer
	log           *slog.Logger

	mu        sync.Mutex
	conn      Connection
	pending   map[string]chan *protocol.Frame
	handlers  map[string]MethodHandler
	listeners map[string][]EventHandler
	closed    bool
}

// NewClient builds a Client declaring the methods it answers, the events it
// may emit, and the events it wants fanned out to it. dial opens the
// transport — use gateway.NewLocalPair for in-process services or a
// websocket.Dialer-backed func for external loopback callers.
func NewClient(service string, methods, eventsOut, subscriptions []string, dial Dialer, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		service:       service,
		methods:       methods,
		eventsOut:     eventsOut,
		subscriptions: subscriptions,
		dial:          dial,
		log:           log,
		pending:       make(map[string]chan *protocol.Frame),
		handlers:      make(map[string]MethodHandler),
		listeners:     make(map[string][]EventHandler),
	}
}

// HandleMethod registers the handler invoked for requests targeting method.
// Must be called before Connect.
func (c *Client) HandleMethod(method string, h MethodHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// HandleEvent subscribes a handler to event. Must be called before Connect;
// the event must also appear in the subscriptions passed to NewClient to
// actually be fanned out by the broker.
func (c *Client) HandleEvent(event string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[event] = append(c.listeners[event], h)
}

// Connect dials the broker, registers this service's descriptor, and starts
// the read loop plus the reconnect watchdog. Blocks until the first
// connection and registration succeed.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("gateway client %q: dial: %w", c.service, err)
	}
	reg := protocol.NewRegistration(c.service, c.methods, c.eventsOut, c.subscriptions)
	if err := conn.Send(reg); err != nil {
		conn.Close()
		return fmt.Errorf("gateway client %q: register: %w", c.service, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn Connection) {
	for {
		f, err := conn.Recv()
		if err != nil {
			c.onDisconnect(conn)
			return
		}
		switch f.Type {
		case protocol.FrameResponse:
			c.deliverResponse(f)
		case protocol.FrameRequest:
			go c.serveRequest(conn, f)
		case protocol.FrameEvent:
			c.dispatchEvent(f)
		}
	}
}

func (c *Client) deliverResponse(f *protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- f
}

func (c *Client) serveRequest(conn Connection, f *protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			conn.Send(protocol.NewErrorResponse(f.ID, protocol.NewFrameError(protocol.CodeHandlerError, fmt.Sprintf("handler panicked: %v", r))))
		}
	}()

	c.mu.Lock()
	h, ok := c.handlers[f.Method]
	c.mu.Unlock()

	if !ok {
		resp := protocol.NewErrorResponse(f.ID, protocol.NewFrameError(protocol.CodeNoMethod, fmt.Sprintf("no handler for %q", f.Method)))
		conn.Send(resp)
		return
	}

	result, err := h(context.Background(), f.Params)
	if err != nil {
		if ferr, ok := err.(*protocol.FrameError); ok {
			conn.Send(protocol.NewErrorResponse(f.ID, ferr))
			return
		}
		conn.Send(protocol.NewErrorResponse(f.ID, protocol.NewFrameError(protocol.CodeHandlerError, err.Error())))
		return
	}
	resp, err := protocol.NewResponse(f.ID, result)
	if err != nil {
		conn.Send(protocol.NewErrorResponse(f.ID, protocol.NewFrameError(protocol.CodeHandlerError, err.Error())))
		return
	}
	conn.Send(resp)
}

func (c *Client) dispatchEvent(f *protocol.Frame) {
	c.mu.Lock()
	listeners := append([]EventHandler(nil), c.listeners[f.Event]...)
	c.mu.Unlock()
	for _, h := range listeners {
		h(f.Source, f.Event, f.Payload)
	}
}

// Call sends a request to target.method and blocks for the response or
// until ctx is done. A nil out skips decoding the payload.
func (c *Client) Call(ctx context.Context, target, method string, params any, out any) error {
	id := uuid.NewString()
	req, err := protocol.NewRequest(id, target, method, params)
	if err != nil {
		return err
	}

	respCh := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("gateway client %q: not connected", c.service)
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := conn.Send(req); err != nil {
		return fmt.Errorf("gateway client %q: send: %w", c.service, err)
	}

	select {
	case f := <-respCh:
		if !f.Ok {
			if f.Err != nil {
				return f.Err
			}
			return fmt.Errorf("gateway client %q: call %s.%s failed", c.service, target, method)
		}
		if out != nil && len(f.Payload) > 0 {
			return json.Unmarshal(f.Payload, out)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit publishes an event frame from this service's identity.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway client %q: not connected", c.service)
	}
	f, err := protocol.NewEvent(c.service, event, payload)
	if err != nil {
		return err
	}
	return conn.Send(f)
}

// onDisconnect begins the reconnect watchdog unless the client was closed
// deliberately, or unless a newer connection has already replaced conn
// (e.g. a successful reconnect beat this read-loop's error to the punch).
func (c *Client) onDisconnect(conn Connection) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	go c.reconnectLoop()
}

// reconnectLoop retries Connect with exponential backoff starting at 200ms,
// capped at 30s, giving up after reconnectMaxTries attempts.
func (c *Client) reconnectLoop() {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxTries; attempt++ {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.log.Info("gateway client reconnected", "service", c.service, "attempt", attempt)
			return
		}
		c.log.Warn("gateway client reconnect failed", "service", c.service, "attempt", attempt, "err", err)

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
	c.log.Error("gateway client giving up reconnecting", "service", c.service, "attempts", reconnectMaxTries)
}

// Close tears down the current connection and suppresses further reconnect
// attempts.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
