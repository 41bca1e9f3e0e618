// Package agentsvc implements the agent service: it subscribes to
// message.received, and supplies the fire callbacks the cron and webhook
// services invoke directly, turning every one of those three triggers into
// a runtime run and a delivered (or error-notice) reply.
package agentsvc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chozzz/agentfabric/internal/agent"
	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/channels"
	"github.com/chozzz/agentfabric/internal/cron"
	"github.com/chozzz/agentfabric/internal/webhook"
)

// HeartbeatOK is the literal token a scheduled heartbeat poll's expected
// no-op reply carries; a pure-heartbeat reply is stripped and never
// forwarded to a channel.
const HeartbeatOK = "HEARTBEAT_OK"

// AgentRunConfig is the subset of an agent's configuration this service
// needs to build an agent.RunRequest. Kept decoupled from internal/config
// so this package has no dependency on config's JSON5/env-overlay
// machinery.
type AgentRunConfig struct {
	Workspace         string
	Model             string
	Provider          string
	MaxTokens         int
	Temperature       float64
	MaxToolIterations int
	ContextWindow     int
	ContextFiles      []string
	ExtraSystemPrompt string
}

// AgentResolver looks up the run configuration for an agent ID.
type AgentResolver func(agentID string) AgentRunConfig

// Service owns no state of its own beyond its wiring: the runtime, the
// outbound router, and the bus it subscribes message.received from.
type Service struct {
	Runtime *agent.Loop
	Events  bus.EventPublisher
	Router  bus.MessageRouter
	Resolve AgentResolver
	Log     *slog.Logger

	subID string
}

// New creates the agent service and subscribes it to message.received
// immediately. router is the sink for delivering replies back out to
// channels; it is typically the same *bus.MessageBus the channel manager
// drains.
func New(runtime *agent.Loop, events bus.EventPublisher, router bus.MessageRouter, resolve AgentResolver, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		Runtime: runtime,
		Events:  events,
		Router:  router,
		Resolve: resolve,
		Log:     log,
		subID:   "agentsvc",
	}
	events.Subscribe(s.subID, s.handleEvent)
	return s
}

// Close unsubscribes from the bus.
func (s *Service) Close() {
	s.Events.Unsubscribe(s.subID)
}

func (s *Service) handleEvent(ev bus.Event) {
	if ev.Name != "message.received" {
		return
	}
	payload, ok := ev.Payload.(channels.MessageReceivedPayload)
	if !ok {
		s.Log.Error("agentsvc: unexpected message.received payload", "payload", ev.Payload)
		return
	}
	s.runAndDeliver(context.Background(), payload.AgentID, payload.SessionKey, payload.Channel, func(ctx context.Context, cfg AgentRunConfig) (*agent.RunResult, error) {
		return s.Runtime.Run(ctx, agent.RunRequest{
			SessionKey:        payload.SessionKey,
			WorkspaceDir:      cfg.Workspace,
			Model:             cfg.Model,
			Provider:          cfg.Provider,
			MaxTokens:         cfg.MaxTokens,
			Temperature:       cfg.Temperature,
			MaxToolIterations: cfg.MaxToolIterations,
			ContextWindow:     cfg.ContextWindow,
			Channel:           payload.Channel,
			ContextFiles:      cfg.ContextFiles,
			ExtraSystemPrompt: cfg.ExtraSystemPrompt,
			AgentID:           payload.AgentID,
		})
	}, func(content string) {
		s.deliverToChannel(payload.Channel, payload.ChatID, content)
	})
}

// CronFire is a cron.FireFunc: it invokes the runtime for a fired cron job
// and delivers the reply to job.Channel/job.To when job.Notify is set.
func (s *Service) CronFire(ctx context.Context, job *cron.Job, runID, sessionKey string) (cron.Result, error) {
	agentID := job.AgentID
	if agentID == "" {
		agentID = "default"
	}
	var result cron.Result
	err := s.runAndDeliver(ctx, agentID, sessionKey, job.Channel, func(ctx context.Context, cfg AgentRunConfig) (*agent.RunResult, error) {
		res, err := s.Runtime.Run(ctx, agent.RunRequest{
			SessionKey:        sessionKey,
			WorkspaceDir:      cfg.Workspace,
			Model:             cfg.Model,
			Provider:          cfg.Provider,
			MaxTokens:         cfg.MaxTokens,
			Temperature:       cfg.Temperature,
			MaxToolIterations: cfg.MaxToolIterations,
			ContextWindow:     cfg.ContextWindow,
			Channel:           job.Channel,
			ContextFiles:      cfg.ContextFiles,
			ExtraSystemPrompt: cfg.ExtraSystemPrompt,
			AgentID:           agentID,
		})
		if res != nil {
			result = cron.Result{Content: res.Content, InputTokens: res.Usage.PromptTokens, OutputTokens: res.Usage.CompletionTokens}
		}
		return res, err
	}, func(content string) {
		if job.Notify && job.Channel != "" {
			s.deliverToChannel(job.Channel, job.To, content)
		}
	})
	return result, err
}

// WebhookFire is a webhook.FireFunc: it invokes the runtime for a fired
// webhook and delivers the reply to every address in hook.Notify.
func (s *Service) WebhookFire(ctx context.Context, hook *webhook.Hook, task, sessionKey, runID string) (webhook.Result, error) {
	var result webhook.Result
	err := s.runAndDeliver(ctx, "default", sessionKey, "", func(ctx context.Context, cfg AgentRunConfig) (*agent.RunResult, error) {
		res, err := s.Runtime.Run(ctx, agent.RunRequest{
			SessionKey:        sessionKey,
			WorkspaceDir:      cfg.Workspace,
			Model:             cfg.Model,
			Provider:          cfg.Provider,
			MaxTokens:         cfg.MaxTokens,
			Temperature:       cfg.Temperature,
			MaxToolIterations: cfg.MaxToolIterations,
			ContextWindow:     cfg.ContextWindow,
			ContextFiles:      cfg.ContextFiles,
			ExtraSystemPrompt: cfg.ExtraSystemPrompt,
			AgentID:           "default",
		})
		if res != nil {
			result = webhook.Result{Content: res.Content, InputTokens: res.Usage.PromptTokens, OutputTokens: res.Usage.CompletionTokens}
		}
		return res, err
	}, func(content string) {
		for _, addr := range hook.Notify {
			channel, chatID, ok := parseChannelAddress(addr)
			if !ok {
				continue
			}
			s.deliverToChannel(channel, chatID, content)
		}
	})
	return result, err
}

// runAndDeliver is the common shape behind all three trigger sources: ask
// the resolver for the agent's run config, invoke run, then deliver the
// result (or a classified error notice) via deliver. A catastrophic error
// (run returns err != nil) produces a "Something went wrong" notice; a
// successful run whose content is a pure heartbeat ack is never delivered.
func (s *Service) runAndDeliver(ctx context.Context, agentID, sessionKey, channel string, run func(ctx context.Context, cfg AgentRunConfig) (*agent.RunResult, error), deliver func(content string)) error {
	cfg := s.Resolve(agentID)
	res, err := run(ctx, cfg)
	if err != nil {
		s.Log.Error("agentsvc: run failed", "sessionKey", sessionKey, "error", err)
		deliver(fmt.Sprintf("Something went wrong: %s", err.Error()))
		return err
	}
	if res == nil || res.Aborted {
		return nil
	}
	content, isHeartbeat := stripHeartbeat(res.Content)
	if isHeartbeat {
		return nil
	}
	if content == "" {
		return nil
	}
	deliver(content)
	return nil
}

func (s *Service) deliverToChannel(channel, chatID, content string) {
	if channel == "" || chatID == "" || s.Router == nil {
		return
	}
	if channels.IsInternalChannel(channel) {
		return
	}
	s.Router.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
}

// stripHeartbeat reports whether content is exactly the heartbeat ack
// (after trimming surrounding whitespace) and, if not, returns it
// unchanged for delivery.
func stripHeartbeat(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == HeartbeatOK {
		return "", true
	}
	return content, false
}

// parseChannelAddress splits a notify address of the form
// "channel:chatID".
func parseChannelAddress(addr string) (channel, chatID string, ok bool) {
	idx := strings.IndexByte(addr, ':')
	if idx <= 0 || idx == len(addr)-1 {
		return "", "", false
	}
	return addr[:idx], addr[idx+1:], true
}
