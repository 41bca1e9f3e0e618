// Package bus decouples channel adapters, the agent runtime, and the
// gateway's WS event stream from each other: channels publish
// InboundMessage without knowing who consumes it, the runtime publishes
// OutboundMessage without knowing which channel will send it, and any
// component can subscribe to named Events without knowing who broadcasts.
package bus

import (
	"context"
	"sync"
)

// InboundMessage represents a message received from a channel (Telegram, Slack, etc.)
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SenderID     string            `json:"sender_id"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	Media        []string          `json:"media,omitempty"`
	PeerKind     string            `json:"peer_kind,omitempty"` // "direct" or "group"
	AgentID      string            `json:"agent_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	HistoryLimit int               `json:"history_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to subscribers: message.received,
// agent.*, cron.trigger, webhook.trigger.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription, decoupling
// consumers (the gateway's WS fan-out) from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between
// channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}

// MessageBus is the in-process implementation of EventPublisher and
// MessageRouter: buffered channels for the inbound/outbound queues, a
// mutex-guarded handler map for event fan-out. One MessageBus is shared by
// the channel manager, the agent service, and the gateway's WS broadcaster.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates a MessageBus with the given inbound/outbound queue
// depth. A depth of 0 makes both queues unbuffered (synchronous handoff).
func NewMessageBus(queueDepth int) *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
		handlers: make(map[string]EventHandler),
	}
}

func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message arrives or ctx is done. ok is false
// only on context cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler under id, replacing any existing handler for
// that id. id is typically a WS connection id or a component name.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast fans event out to every subscribed handler. Handlers run
// synchronously on the caller's goroutine; a slow handler (e.g. a stalled
// WS write) delays the rest.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

var (
	_ EventPublisher = (*MessageBus)(nil)
	_ MessageRouter  = (*MessageBus)(nil)
)
