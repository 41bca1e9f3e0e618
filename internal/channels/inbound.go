package channels

import (
	"context"
	"log/slog"

	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/store"
)

// messageReceivedEvent is the bus event name the agent service subscribes
// to.
const messageReceivedEvent = "message.received"

// MessageReceivedPayload is the event payload the agent service reads to
// build a run request and a reply destination.
type MessageReceivedPayload struct {
	Channel    string `json:"channel"`
	UserID     string `json:"userId"`
	ChatID     string `json:"chatId"`
	Content    string `json:"content"`
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
}

// InboundRouter is the channel service's session-writing half: it drains
// the bus's inbound queue, ensures a session exists for the message's key
// (creating one with kind=main if absent), appends the user message with
// metadata.type=task, and broadcasts message.received for the agent service
// to pick up. Concrete adapters only need to call BaseChannel.HandleMessage
// and never touch the session store directly.
type InboundRouter struct {
	Sessions store.SessionStore
	Bus      *bus.MessageBus
	Log      *slog.Logger
}

func NewInboundRouter(sessions store.SessionStore, msgBus *bus.MessageBus, log *slog.Logger) *InboundRouter {
	if log == nil {
		log = slog.Default()
	}
	return &InboundRouter{Sessions: sessions, Bus: msgBus, Log: log}
}

// Run drains inbound messages until ctx is cancelled.
func (r *InboundRouter) Run(ctx context.Context) {
	for {
		msg, ok := r.Bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		r.handle(msg)
	}
}

func (r *InboundRouter) handle(msg bus.InboundMessage) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = "default"
	}
	sessionKey := store.BuildChannelSessionKey(msg.Channel, msg.PeerKind, msg.ChatID)

	if _, ok, err := r.Sessions.Get(sessionKey); err != nil {
		r.Log.Error("inbound: read session", "sessionKey", sessionKey, "error", err)
		return
	} else if !ok {
		if _, err := r.Sessions.Create(sessionKey, store.KindMain, "", map[string]string{
			"channel": msg.Channel,
			"userId":  msg.UserID,
			"agentId": agentID,
		}); err != nil {
			r.Log.Error("inbound: create session", "sessionKey", sessionKey, "error", err)
			return
		}
	}

	blocks := []history.Block{{Kind: history.BlockText, Text: msg.Content}}
	if _, err := r.Sessions.AddMessage(sessionKey, history.RoleUser, blocks, map[string]string{"type": "task"}); err != nil {
		r.Log.Error("inbound: append message", "sessionKey", sessionKey, "error", err)
		return
	}

	r.Bus.Broadcast(bus.Event{
		Name: messageReceivedEvent,
		Payload: MessageReceivedPayload{
			Channel:    msg.Channel,
			UserID:     msg.UserID,
			ChatID:     msg.ChatID,
			Content:    msg.Content,
			SessionKey: sessionKey,
			AgentID:    agentID,
		},
	})
}
