// Package app is the dependency-injection root: it builds every module
// from one config.Config and owns their combined lifecycle. There are no
// package-level singletons — everything is an explicit field on App.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/chozzz/agentfabric/internal/agent"
	"github.com/chozzz/agentfabric/internal/agentsvc"
	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/channels"
	"github.com/chozzz/agentfabric/internal/compaction"
	"github.com/chozzz/agentfabric/internal/config"
	"github.com/chozzz/agentfabric/internal/cron"
	"github.com/chozzz/agentfabric/internal/gateway"
	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/memory"
	"github.com/chozzz/agentfabric/internal/providers"
	"github.com/chozzz/agentfabric/internal/prune"
	"github.com/chozzz/agentfabric/internal/queue"
	"github.com/chozzz/agentfabric/internal/sessions"
	"github.com/chozzz/agentfabric/internal/store"
	"github.com/chozzz/agentfabric/internal/store/file"
	"github.com/chozzz/agentfabric/internal/telemetry"
	"github.com/chozzz/agentfabric/internal/tools"
	"github.com/chozzz/agentfabric/internal/webhook"
)

// localClientQueueDepth is the buffer depth for every in-process
// gateway.NewLocalPair — generous enough that a burst of control-plane
// traffic never blocks a service's own goroutine.
const localClientQueueDepth = 64

// App wires the whole platform together. Every field is populated by New;
// Run starts the long-lived goroutines and blocks until ctx is cancelled.
type App struct {
	Config *config.Config
	Log    *slog.Logger

	Bus      *bus.MessageBus
	Sessions store.SessionStore
	Memory   *memory.Index
	Runtime  *agent.Loop
	Channels *channels.Manager
	Inbound  *channels.InboundRouter
	AgentSvc *agentsvc.Service
	Cron     *cron.Service
	Webhook  *webhook.Service
	Broker   *gateway.Broker
	Listener *gateway.Listener

	memStore      *memory.Store
	cronClient    *gateway.Client
	webhookClient *gateway.Client
	controlClient *gateway.Client
	resolveAgent  agentsvc.AgentResolver

	shutdownTracing func(context.Context) error
}

// New builds every component described by cfg. Nothing is started yet;
// call Run to bring the process up.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	shutdownTracing, err := telemetry.Setup(ctx, TraceConfigFrom(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("app: telemetry setup: %w", err)
	}

	msgBus := bus.NewMessageBus(256)

	sessionsDir := config.ExpandHome(cfg.Sessions.Storage)
	mgr := sessions.NewManager(sessionsDir)
	sessionStore := file.NewFileSessionStore(mgr)

	q := queue.NewQueue(msgBus)

	registry := tools.NewRegistry()
	registry.Register(tools.NewSessionsListTool(sessionStore))
	registry.Register(tools.NewSessionStatusTool(sessionStore))
	registry.Register(tools.NewSessionsHistoryTool(sessionStore))
	registry.Register(tools.NewSessionsSendTool(sessionStore))
	registry.Register(tools.NewSessionsSpawnTool(sessionStore))

	var memIndex *memory.Index
	var memStore *memory.Store
	if memoryEnabled(cfg.Agents.Defaults.Memory) {
		dbPath := filepath.Join(config.ExpandHome(cfg.Agents.Defaults.Workspace), "memory.db")
		memStore, err = memory.OpenStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("app: open memory store: %w", err)
		}
		memIndex = memory.New(config.ExpandHome(cfg.Agents.Defaults.Workspace), memStore, embedderFrom(cfg, log), memorySettingsFrom(cfg.Agents.Defaults.Memory))
	}

	runtime := agent.NewLoop(sessionStore, q, registry, msgBus, memIndex, providers.Resolve, log)
	runtime.PruneSettings = pruneSettingsFrom(cfg.Agents.Defaults.ContextPruning)
	runtime.CompactionSettings = compactionSettingsFrom(cfg.Agents.Defaults.Compaction)
	runtime.CompactionTrigger = compactionTriggerFrom(cfg.Agents.Defaults.Compaction)

	chanMgr := channels.NewManager(msgBus)
	inbound := channels.NewInboundRouter(sessionStore, msgBus, log)

	resolveAgent := func(agentID string) agentsvc.AgentRunConfig {
		d := cfg.ResolveAgent(agentID)
		return agentsvc.AgentRunConfig{
			Workspace:         config.ExpandHome(d.Workspace),
			Model:             d.Model,
			Provider:          d.Provider,
			MaxTokens:         d.MaxTokens,
			Temperature:       d.Temperature,
			MaxToolIterations: d.MaxToolIterations,
			ContextWindow:     d.ContextWindow,
			ContextFiles:      workspaceContextFiles(config.ExpandHome(d.Workspace)),
		}
	}
	agentSvc := agentsvc.New(runtime, msgBus, msgBus, resolveAgent, log)

	cronStore := cron.NewStore(cronPersistHook(sessionsDir))
	cronSvc := cron.NewService(cronStore, msgBus, agentSvc.CronFire, cfg.Cron.ToRetryConfig(), log)

	webhookStore := webhook.NewStore(webhookPersistHook(sessionsDir))
	webhookSvc := webhook.NewService(webhookStore, msgBus, agentSvc.WebhookFire, webhook.Config{
		Host: cfg.Webhook.Host,
		Port: cfg.Webhook.Port,
	}, log)

	broker := gateway.NewBroker(log)
	listener := gateway.NewListener(gateway.ListenerConfig{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		Token:          cfg.Gateway.Token,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		RateLimitRPM:   cfg.Gateway.RateLimitRPM,
	}, broker, log)

	a := &App{
		Config:          cfg,
		Log:             log,
		Bus:             msgBus,
		Sessions:        sessionStore,
		Memory:          memIndex,
		Runtime:         runtime,
		Channels:        chanMgr,
		Inbound:         inbound,
		AgentSvc:        agentSvc,
		Cron:            cronSvc,
		Webhook:         webhookSvc,
		Broker:          broker,
		Listener:        listener,
		memStore:        memStore,
		resolveAgent:    resolveAgent,
		shutdownTracing: shutdownTracing,
	}

	a.cronClient = gateway.NewClient("cron", []string{
		"cron.list", "cron.create", "cron.update", "cron.delete", "cron.toggle", "cron.run", "cron.runs",
	}, []string{"cron.trigger"}, nil, a.localDialer(), log)
	bindMethods(a.cronClient, cronSvc.HandleMethod, "cron.list", "cron.create", "cron.update", "cron.delete", "cron.toggle", "cron.run", "cron.runs")

	a.webhookClient = gateway.NewClient("webhook", []string{
		"webhook.list", "webhook.create", "webhook.delete",
	}, []string{"webhook.trigger"}, nil, a.localDialer(), log)
	bindMethods(a.webhookClient, webhookSvc.HandleMethod, "webhook.list", "webhook.create", "webhook.delete")

	ctrl := newControl(a)
	a.controlClient = gateway.NewClient("control", controlMethods, nil, nil, a.localDialer(), log)
	bindMethods(a.controlClient, ctrl.HandleMethod, controlMethods...)

	runtime.ToolCall = a.toolCallFunc()

	return a, nil
}

// toolCallFunc builds the call(target, method, params) closure tools run
// under. "runtime" methods are answered in-process (they would deadlock if
// routed back through the gateway to a service the runtime itself hosts);
// anything else goes out through the control client's gateway connection.
func (a *App) toolCallFunc() tools.CallFunc {
	return func(ctx context.Context, target, method string, params map[string]interface{}) (interface{}, error) {
		if target == "runtime" {
			return a.handleRuntimeToolCall(ctx, method, params)
		}
		var out map[string]interface{}
		if err := a.controlClient.Call(ctx, target, method, params, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// handleRuntimeToolCall serves the two runtime-targeted methods the session
// tools use. Both kick off the run in the background: the calling tool is
// itself executing inside a run, and a same-session enqueue would wait on
// the very turn that issued it.
func (a *App) handleRuntimeToolCall(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	sessionKey, _ := params["sessionKey"].(string)
	if sessionKey == "" {
		return nil, fmt.Errorf("runtime.%s: sessionKey required", method)
	}
	switch method {
	case "sessions.send":
		message, _ := params["message"].(string)
		if message == "" {
			return nil, fmt.Errorf("runtime.sessions.send: message required")
		}
		if _, err := a.Sessions.AddMessage(sessionKey, history.RoleUser,
			[]history.Block{{Kind: history.BlockText, Text: message}},
			map[string]string{"type": "task"}); err != nil {
			return nil, err
		}
		go a.runSessionBackground(sessionKey)
		return map[string]string{"status": "accepted"}, nil
	case "sessions.spawn":
		go a.runSessionBackground(sessionKey)
		return map[string]string{"status": "spawned"}, nil
	default:
		return nil, fmt.Errorf("runtime: unknown method %q", method)
	}
}

// runSessionBackground runs sessionKey's pending task with the owning
// agent's resolved configuration, logging rather than propagating failure —
// there is no caller left to receive it.
func (a *App) runSessionBackground(sessionKey string) {
	agentID := a.sessionAgentID(sessionKey)
	cfg := a.resolveAgent(agentID)
	_, err := a.Runtime.Run(context.Background(), agent.RunRequest{
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
		AgentID:           agentID,
	})
	if err != nil {
		a.Log.Error("app: background run failed", "sessionKey", sessionKey, "error", err)
	}
}

// sessionAgentID resolves which agent owns sessionKey: the session's own
// agentId metadata, then the root session's (a subagent inherits its
// spawner's agent), then the default.
func (a *App) sessionAgentID(sessionKey string) string {
	for _, key := range []string{sessionKey, store.RootSessionKey(sessionKey)} {
		if sess, ok, err := a.Sessions.Get(key); err == nil && ok {
			if id := sess.Metadata["agentId"]; id != "" {
				return id
			}
		}
	}
	return config.DefaultAgentID
}

// localDialer returns a Dialer that hands out one half of a fresh
// gateway.NewLocalPair per call, the other half accepted directly by the
// broker — the in-process wiring gateway.NewLocalPair exists for.
func (a *App) localDialer() gateway.Dialer {
	broker := a.Broker
	return func(ctx context.Context) (gateway.Connection, error) {
		client, server := gateway.NewLocalPair(localClientQueueDepth)
		go broker.Accept(server)
		return client, nil
	}
}

// bindMethods registers one gateway.MethodHandler per name, each decoding
// its json.RawMessage params into the map[string]interface{} shape every
// service's own HandleMethod(method, params) dispatcher already expects.
func bindMethods(client *gateway.Client, handle func(method string, params map[string]interface{}) (interface{}, error), methods ...string) {
	for _, method := range methods {
		method := method
		client.HandleMethod(method, func(ctx context.Context, raw json.RawMessage) (any, error) {
			params := map[string]interface{}{}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, fmt.Errorf("decode params: %w", err)
				}
			}
			return handle(method, params)
		})
	}
}

// connectClients dials every in-process gateway client. Connect blocks
// until registration succeeds, which for a local pair is immediate.
func (a *App) connectClients(ctx context.Context) error {
	for _, c := range []*gateway.Client{a.cronClient, a.webhookClient, a.controlClient} {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("app: connect gateway client: %w", err)
		}
	}
	return nil
}

// Run starts every long-lived component and blocks until ctx is cancelled
// or a component fails irrecoverably.
func (a *App) Run(ctx context.Context) error {
	if err := a.connectClients(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Listener.Start(ctx) })
	g.Go(func() error { return a.Channels.StartAll(ctx) })
	g.Go(func() error { a.Inbound.Run(ctx); return nil })
	g.Go(func() error { a.Cron.Start(ctx); return nil })
	g.Go(func() error { return a.Webhook.Start(ctx) })

	err := g.Wait()
	a.Close(context.Background())
	return err
}

// Close tears down every client connection, the memory store, and the
// tracing exporter. Safe to call after Run returns (it already does so).
func (a *App) Close(ctx context.Context) error {
	a.AgentSvc.Close()
	for _, c := range []*gateway.Client{a.cronClient, a.webhookClient, a.controlClient} {
		if c != nil {
			c.Close()
		}
	}
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.shutdownTracing != nil {
		return a.shutdownTracing(ctx)
	}
	return nil
}

func memoryEnabled(cfg *config.MemoryConfig) bool {
	return cfg == nil || cfg.Enabled == nil || *cfg.Enabled
}

// embedderFrom picks the hosted embedder when an embeddings provider with a
// key is configured, the deterministic trigram fallback otherwise.
func embedderFrom(cfg *config.Config, log *slog.Logger) memory.Embedder {
	mem := cfg.Agents.Defaults.Memory
	if mem == nil || mem.EmbeddingProvider != "openai" || cfg.Providers.OpenAI.APIKey == "" {
		return memory.FallbackEmbedder{}
	}
	return memory.NewHostedEmbedder(mem.EmbeddingAPIBase, cfg.Providers.OpenAI.APIKey, mem.EmbeddingModel, log)
}

func memorySettingsFrom(cfg *config.MemoryConfig) memory.Settings {
	if cfg == nil {
		return memory.Settings{}
	}
	return memory.Settings{
		VectorWeight: cfg.VectorWeight,
		TextWeight:   cfg.TextWeight,
		MinScore:     cfg.MinScore,
		MaxResults:   cfg.MaxResults,
	}
}

func pruneSettingsFrom(cfg *config.ContextPruningConfig) prune.Settings {
	if cfg == nil || cfg.Mode != "cache-ttl" {
		return prune.Settings{}
	}
	s := prune.Settings{
		SoftTrimRatio:      cfg.SoftTrimRatio,
		HardClearRatio:     cfg.HardClearRatio,
		KeepLastAssistants: cfg.KeepLastAssistants,
	}
	if cfg.SoftTrim != nil {
		s.SoftTrim = prune.SoftTrim{
			MaxChars:  cfg.SoftTrim.MaxChars,
			HeadChars: cfg.SoftTrim.HeadChars,
			TailChars: cfg.SoftTrim.TailChars,
		}
	}
	return s
}

func compactionSettingsFrom(cfg *config.CompactionConfig) compaction.Settings {
	if cfg == nil {
		return compaction.Settings{}
	}
	return compaction.Settings{MaxHistoryShare: cfg.MaxHistoryShare}
}

func compactionTriggerFrom(cfg *config.CompactionConfig) agent.CompactionTrigger {
	if cfg == nil {
		return agent.CompactionTrigger{}
	}
	return agent.CompactionTrigger{
		MinMessages:        cfg.MinMessages,
		ReserveTokensFloor: cfg.ReserveTokensFloor,
		KeepLastMessages:   cfg.KeepLastMessages,
	}
}

// TraceConfigFrom adapts config.TelemetryConfig into telemetry.TraceConfig,
// the one translation point between internal/config and internal/telemetry.
func TraceConfigFrom(cfg config.TelemetryConfig) telemetry.TraceConfig {
	return telemetry.TraceConfig{
		Enabled:     cfg.Enabled,
		Endpoint:    cfg.Endpoint,
		Protocol:    cfg.Protocol,
		Insecure:    cfg.Insecure,
		ServiceName: cfg.ServiceName,
		Headers:     cfg.Headers,
	}
}

// workspaceContextFiles lists the top-level markdown files in workspace for
// the "Project context" system-prompt section; per-file truncation happens
// in internal/agent/prompt.go.
func workspaceContextFiles(workspace string) []string {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		files = append(files, filepath.Join(workspace, e.Name()))
	}
	sort.Strings(files)
	return files
}

// cronPersistHook and webhookPersistHook persist their tables as JSON
// snapshots alongside session storage, reusing the directory the operator
// already configured rather than inventing a new config knob.
func cronPersistHook(sessionsDir string) cron.PersistHook {
	return func(jobs []*cron.Job) error {
		return writeJSONSnapshot(filepath.Join(sessionsDir, "cron.json"), jobs)
	}
}

func webhookPersistHook(sessionsDir string) webhook.PersistHook {
	return func(hooks []*webhook.Hook) error {
		return writeJSONSnapshot(filepath.Join(sessionsDir, "webhooks.json"), hooks)
	}
}

func writeJSONSnapshot(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
