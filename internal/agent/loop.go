// Package agent implements the agent runtime loop: the single place that
// turns a queued session event into a model call, any number of tool
// round-trips, and a persisted reply. Nothing here mutates stored history
// except three explicit writes — the final assistant message, the
// sub-agent completion note appended to a parent session, and a compaction
// splice.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chozzz/agentfabric/internal/bus"
	"github.com/chozzz/agentfabric/internal/compaction"
	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/memory"
	"github.com/chozzz/agentfabric/internal/protocol"
	"github.com/chozzz/agentfabric/internal/providers"
	"github.com/chozzz/agentfabric/internal/prune"
	"github.com/chozzz/agentfabric/internal/queue"
	"github.com/chozzz/agentfabric/internal/store"
	"github.com/chozzz/agentfabric/internal/tools"
)

// ProviderResolver looks up the concrete providers.Provider for a provider
// name. Callers wire a resolver backed by whatever providers they've
// registered.
type ProviderResolver func(name string) (providers.Provider, error)

// CompactionTrigger decides when mid-loop compaction fires, mirroring
// config.CompactionConfig's thresholds without this package depending on
// internal/config (which would create an import cycle through cron).
type CompactionTrigger struct {
	MinMessages        int // don't compact shorter sessions
	ReserveTokensFloor int // compact once headroom drops below this
	KeepLastMessages   int // messages left untouched after compaction
}

func (t CompactionTrigger) withDefaults() CompactionTrigger {
	if t.MinMessages == 0 {
		t.MinMessages = 50
	}
	if t.ReserveTokensFloor == 0 {
		t.ReserveTokensFloor = 20000
	}
	if t.KeepLastMessages == 0 {
		t.KeepLastMessages = 4
	}
	return t
}

// Loop is the runtime. One Loop instance is shared by every session;
// per-session exclusivity comes entirely from the injected Queue.
type Loop struct {
	Sessions  store.SessionStore
	Queue     *queue.Queue
	Tools     *tools.Registry
	Events    bus.EventPublisher
	Memory    *memory.Index // nil disables the "Memory recall" system-prompt section
	Providers ProviderResolver

	PruneSettings      prune.Settings
	CompactionSettings compaction.Settings
	CompactionTrigger  CompactionTrigger

	// ToolCall is the call(target, method, params) closure injected into
	// every tool execution context, so tools reach peer services (and the
	// runtime itself, for sessions_send/sessions_spawn) without importing
	// them. Nil leaves the seam unset; tools that need it report an error.
	ToolCall tools.CallFunc

	Log *slog.Logger

	mu     sync.Mutex
	aborts map[string]context.CancelFunc
}

// NewLoop builds a Loop with default pruning/compaction settings; override
// the fields directly before first use to customize them.
func NewLoop(sessions store.SessionStore, q *queue.Queue, registry *tools.Registry, events bus.EventPublisher, mem *memory.Index, resolve ProviderResolver, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		Sessions:          sessions,
		Queue:             q,
		Tools:             registry,
		Events:            events,
		Memory:            mem,
		Providers:         resolve,
		CompactionTrigger: CompactionTrigger{}.withDefaults(),
		Log:               log,
		aborts:            make(map[string]context.CancelFunc),
	}
}

// RunRequest carries everything one run needs.
type RunRequest struct {
	SessionKey        string
	WorkspaceDir      string
	Model             string
	Provider          string
	MaxTokens         int
	Temperature       float64
	MaxToolIterations int
	ContextWindow     int
	Images            []string // local file paths attached to this turn
	Channel           string
	ContextFiles      []string // workspace markdown files for the Project context section
	ExtraSystemPrompt string
	AgentID           string
}

func (r RunRequest) withDefaults() RunRequest {
	if r.MaxToolIterations <= 0 {
		r.MaxToolIterations = 20
	}
	if r.ContextWindow <= 0 {
		r.ContextWindow = 200000
	}
	return r
}

// RunResult is what a completed (or aborted) run returns.
type RunResult struct {
	RunID   string
	Content string
	Usage   providers.Usage
	Aborted bool
}

const charsPerToken = 4

// Run allocates a runId, enqueues on the session queue, and returns once
// the queued turn finishes. The actual model/tool work happens inside the
// queued task (runTurn) so per-sessionKey exclusivity is guaranteed by the
// queue, not by any lock this struct holds.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	req = req.withDefaults()
	runID := newRunID()

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.aborts[runID] = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.aborts, runID)
		l.mu.Unlock()
		cancel()
	}()

	outcome := <-l.Queue.Enqueue(runCtx, req.SessionKey, func(taskCtx context.Context) (any, error) {
		return l.runTurn(taskCtx, runID, req)
	})
	if outcome.Err != nil {
		if runCtx.Err() != nil {
			l.emit(req.SessionKey, protocol.AgentEventAbort, map[string]any{"runId": runID, "reason": outcome.Err.Error()})
			return &RunResult{RunID: runID, Aborted: true}, nil
		}
		return nil, outcome.Err
	}
	res, _ := outcome.Result.(*RunResult)
	return res, nil
}

// Abort cancels an in-flight run by its runId. Reports false if the run is
// unknown (already finished or never started).
func (l *Loop) Abort(runID string) bool {
	l.mu.Lock()
	cancel, ok := l.aborts[runID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func newRunID() string {
	return fmt.Sprintf("run-%d-%06d", time.Now().UnixNano(), rand.Intn(1_000_000))
}

// runTurn is the body the queue admits one at a time per sessionKey: read
// and sanitize history, build the first-run system prompt, then alternate
// model calls and tool dispatch until the model stops asking for tools.
func (l *Loop) runTurn(ctx context.Context, runID string, req RunRequest) (*RunResult, error) {
	ctx, span := startRunSpan(ctx, req.SessionKey, runID)
	defer span.End()

	l.emit(req.SessionKey, protocol.AgentEventStart, map[string]any{"runId": runID, "sessionKey": req.SessionKey})

	raw, err := l.Sessions.GetMessages(req.SessionKey, store.GetMessagesOpts{})
	if err != nil {
		return nil, fmt.Errorf("agent: read history: %w", err)
	}
	isFirstRun := len(raw) == 0

	summary, _ := l.Sessions.GetSummary(req.SessionKey)
	if summary != "" {
		raw = append([]history.Message{history.NewText(history.RoleSystem, "## Prior session summary\n"+summary)}, raw...)
	}

	working := history.Sanitize(raw, req.SessionKey)

	task := extractTask(raw)

	if isFirstRun {
		sysPrompt := l.buildSystemPrompt(ctx, req, task)
		if sysPrompt != "" {
			working = append([]history.Message{history.NewText(history.RoleSystem, sysPrompt)}, working...)
		}
	}

	provider, err := l.Providers(req.Provider)
	if err != nil {
		l.emit(req.SessionKey, protocol.AgentEventError, map[string]any{"runId": runID, "message": err.Error()})
		return nil, fmt.Errorf("agent: resolve provider %q: %w", req.Provider, err)
	}

	var finalUsage providers.Usage
	var images []providers.ImageContent
	if len(req.Images) > 0 {
		images = l.loadImages(req.Images)
	}

	for iter := 0; iter < req.MaxToolIterations; iter++ {
		if ctx.Err() != nil {
			return &RunResult{RunID: runID, Aborted: true}, ctx.Err()
		}

		working = l.maybeCompact(ctx, req, runID, working)
		pruned := prune.PruneContextMessages(working, req.ContextWindow, l.PruneSettings)

		provMsgs := buildProviderMessages(pruned)
		attachImages(provMsgs, images)
		images = nil // attach only on the first model call of this turn

		chatReq := providers.ChatRequest{
			Messages: provMsgs,
			Tools:    providerToolDefs(l.Tools, req.SessionKey),
			Model:    req.Model,
			Options: map[string]interface{}{
				"maxTokens":   req.MaxTokens,
				"temperature": req.Temperature,
			},
		}

		resp, err := l.callProvider(ctx, provider, chatReq, iter)
		if err != nil {
			msg := classifyProviderError(err)
			l.emit(req.SessionKey, protocol.AgentEventError, map[string]any{"runId": runID, "message": msg})
			return &RunResult{RunID: runID, Content: msg}, nil
		}
		if resp.Usage != nil {
			finalUsage.PromptTokens += resp.Usage.PromptTokens
			finalUsage.CompletionTokens += resp.Usage.CompletionTokens
			finalUsage.TotalTokens += resp.Usage.TotalTokens
		}

		assistantMsg := assistantMessageFromResponse(resp)
		working = append(working, assistantMsg)

		if len(resp.ToolCalls) == 0 {
			return l.finishRun(ctx, req, runID, working, assistantMsg, finalUsage)
		}

		if l.loopDetected(working) {
			l.emit(req.SessionKey, protocol.AgentEventError, map[string]any{"runId": runID, "message": "stopped after repeated identical tool calls with no progress"})
			return l.finishRun(ctx, req, runID, working, assistantMsg, finalUsage)
		}

		results := l.dispatchToolCalls(ctx, req, runID, resp.ToolCalls)
		working = append(working, results...)
	}

	// Iteration budget exhausted without a final text response.
	return &RunResult{RunID: runID, Content: "", Usage: finalUsage}, nil
}

// extractTask finds the latest metadata.type=="task" message.
func extractTask(msgs []history.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsTask() {
			return history.Text(msgs[i].Blocks)
		}
	}
	return "Complete your assigned task."
}

// finishRun extracts text ignoring thinking blocks, detects an
// empty (reasoning-only) response, persists the reply, and emits
// end/error.
func (l *Loop) finishRun(ctx context.Context, req RunRequest, runID string, working []history.Message, assistantMsg history.Message, usage providers.Usage) (*RunResult, error) {
	text := history.Text(assistantMsg.Blocks)

	if text == "" && history.OnlyThinking(assistantMsg.Blocks) {
		l.emit(req.SessionKey, protocol.AgentEventError, map[string]any{"runId": runID, "message": "empty response: model produced only reasoning"})
		return &RunResult{RunID: runID, Usage: usage}, fmt.Errorf("agent: %s", protocol.CodeEmptyResponse)
	}

	cleaned := SanitizeAssistantContent(text)

	if _, err := l.Sessions.AddMessage(req.SessionKey, history.RoleAssistant, assistantMsg.Blocks, nil); err != nil {
		return nil, fmt.Errorf("agent: persist assistant message: %w", err)
	}
	l.Sessions.AccumulateTokens(req.SessionKey, int64(usage.PromptTokens), int64(usage.CompletionTokens))
	l.Sessions.SetLastPromptTokens(req.SessionKey, usage.PromptTokens, len(working))
	l.Sessions.SetContextWindow(req.SessionKey, req.ContextWindow)
	l.Sessions.UpdateMetadata(req.SessionKey, req.Model, req.Provider, req.Channel)

	l.appendSubagentCompletion(req.SessionKey, cleaned)

	l.emit(req.SessionKey, protocol.AgentEventEnd, map[string]any{"runId": runID, "tokens": usage})

	delivered := cleaned
	if IsSilentReply(cleaned) {
		delivered = ""
	}
	return &RunResult{RunID: runID, Content: delivered, Usage: usage}, nil
}

// appendSubagentCompletion gives the parent session a summary system
// message once a subagent run finishes.
func (l *Loop) appendSubagentCompletion(sessionKey, resultText string) {
	if !store.IsSubagentKey(sessionKey) {
		return
	}
	sess, ok, err := l.Sessions.Get(sessionKey)
	if err != nil || !ok || sess.SpawnedBy == "" {
		return
	}
	status := "ok"
	if resultText == "" {
		status = "no reply"
	}
	excerpt := resultText
	if len(excerpt) > 500 {
		excerpt = excerpt[:500]
	}
	summary := fmt.Sprintf("## Sub-agent Complete\n**Session:** %s\n**Status:** %s\n**Result:** %s", sessionKey, status, excerpt)
	l.Sessions.AddMessage(sess.SpawnedBy, history.RoleSystem, []history.Block{{Kind: history.BlockText, Text: summary}}, nil)
}

// dispatchToolCalls runs every tool call the model emitted: sequentially
// for a single call, or concurrently (one goroutine per call) for more
// than one, collecting indexed results onto a channel and re-sorting by
// index once every goroutine finishes, so results land back in history in
// the order the model asked for them regardless of completion order.
func (l *Loop) dispatchToolCalls(ctx context.Context, req RunRequest, runID string, calls []providers.ToolCall) []history.Message {
	if len(calls) == 1 {
		return []history.Message{l.runOneTool(ctx, req, runID, calls[0])}
	}

	type indexedResult struct {
		idx int
		msg history.Message
	}

	resultsCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c providers.ToolCall) {
			defer wg.Done()
			resultsCh <- indexedResult{idx: idx, msg: l.runOneTool(ctx, req, runID, c)}
		}(i, call)
	}
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	ordered := make([]indexedResult, 0, len(calls))
	for r := range resultsCh {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].idx < ordered[j].idx })

	out := make([]history.Message, len(ordered))
	for i, r := range ordered {
		out[i] = r.msg
	}
	return out
}

func (l *Loop) runOneTool(ctx context.Context, req RunRequest, runID string, call providers.ToolCall) history.Message {
	l.emit(req.SessionKey, protocol.AgentEventTool, map[string]any{"runId": runID, "phase": "start", "tool": call.Name})

	toolCtx := tools.WithToolSandboxKey(ctx, req.SessionKey)
	if req.WorkspaceDir != "" {
		toolCtx = tools.WithToolWorkspace(toolCtx, req.WorkspaceDir)
	}
	if req.Channel != "" {
		toolCtx = tools.WithToolChannel(toolCtx, req.Channel)
	}
	if l.ToolCall != nil {
		toolCtx = tools.WithToolCall(toolCtx, l.ToolCall)
	}
	result := l.Tools.Execute(toolCtx, req.SessionKey, call.Name, call.Arguments)

	l.emit(req.SessionKey, protocol.AgentEventTool, map[string]any{"runId": runID, "phase": "end", "tool": call.Name, "isError": result.IsError})

	return history.NewToolResult(call.ID, call.Name, result.Content, result.IsError)
}

// loopDetected reports three or more consecutive assistant turns emitting
// an identical toolCall name+arguments signature — the runtime's guard
// against a model stuck retrying the same failing call forever.
func (l *Loop) loopDetected(working []history.Message) bool {
	const threshold = 3
	var sigs []string
	for i := len(working) - 1; i >= 0 && len(sigs) < threshold; i-- {
		m := working[i]
		if m.Role != history.RoleAssistant {
			continue
		}
		sigs = append(sigs, toolCallSignature(m))
	}
	if len(sigs) < threshold {
		return false
	}
	for i := 1; i < len(sigs); i++ {
		if sigs[i] != sigs[0] || sigs[0] == "" {
			return false
		}
	}
	return true
}

func toolCallSignature(m history.Message) string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Kind != history.BlockToolCall {
			continue
		}
		b.WriteString(blk.ToolName)
		b.WriteString(":")
		keys := make([]string, 0, len(blk.Arguments))
		for k := range blk.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v;", k, blk.Arguments[k])
		}
	}
	return b.String()
}

// maybeCompact folds everything but the last KeepLastMessages messages
// into a summary once headroom drops below the configured reserve,
// splicing it back as a leading system message and truncating the
// persisted log to match.
func (l *Loop) maybeCompact(ctx context.Context, req RunRequest, runID string, working []history.Message) []history.Message {
	trig := l.CompactionTrigger.withDefaults()
	if len(working) < trig.MinMessages {
		return working
	}
	estimated := estimateTokens(working)
	if req.ContextWindow-estimated >= trig.ReserveTokensFloor {
		return working
	}

	keepFrom := len(working) - trig.KeepLastMessages
	if keepFrom <= 0 {
		return working
	}

	l.emit(req.SessionKey, protocol.AgentEventCompaction, map[string]any{"runId": runID, "preCompactionTokens": estimated})

	previousSummary, _ := l.Sessions.GetSummary(req.SessionKey)
	result := compaction.Compact(ctx, compaction.Input{
		Messages:           working[:keepFrom],
		TurnPrefixMessages: working[keepFrom:],
		PreviousSummary:    previousSummary,
		ContextWindow:      req.ContextWindow,
	}, l.summarizer(req), l.CompactionSettings)

	l.Sessions.SetSummary(req.SessionKey, result.Summary)
	l.Sessions.IncrementCompaction(req.SessionKey)
	l.Sessions.TruncateHistory(req.SessionKey, trig.KeepLastMessages)

	summaryMsg := history.NewText(history.RoleSystem, "## Prior session summary\n"+result.Summary)
	return append([]history.Message{summaryMsg}, working[keepFrom:]...)
}

// summarizer wraps provider.Chat as the compaction engine's Summarizer
// seam.
func (l *Loop) summarizer(req RunRequest) compaction.Summarizer {
	return func(ctx context.Context, prompt string) (string, error) {
		provider, err := l.Providers(req.Provider)
		if err != nil {
			return "", err
		}
		resp, err := provider.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{
				{Role: "system", Content: "Summarize the conversation fragment concisely, preserving decisions, open questions, and constraints."},
				{Role: "user", Content: prompt},
			},
			Model: req.Model,
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

func estimateTokens(msgs []history.Message) int {
	const imageTokenCost = 2000
	total := 0
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Kind == history.BlockImage {
				total += imageTokenCost
				continue
			}
			total += len(b.Text) / charsPerToken
			if b.Kind == history.BlockToolResult {
				total += estimateTokens([]history.Message{{Blocks: b.Content}})
			}
		}
	}
	return total
}

func (l *Loop) emit(sessionKey, eventType string, payload map[string]any) {
	if l.Events == nil {
		return
	}
	payload["type"] = eventType
	payload["sessionKey"] = sessionKey
	payload["timestamp"] = time.Now().UTC()
	l.Events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: payload})
}

// classifyProviderError maps a raw provider error to a user-friendly
// sentence by matching against a fixed table of substrings — providers
// don't agree on a typed error taxonomy, so this is necessarily
// string-based.
func classifyProviderError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "401"):
		return "Authentication with the model provider failed. Check the configured API key."
	case strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "billing"):
		return "The model provider reports the account is out of quota."
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return "The model provider is rate-limiting requests; please try again shortly."
	case strings.Contains(msg, "does not support") && strings.Contains(msg, "image"):
		return "The selected model does not support image input."
	case strings.Contains(msg, "model not found") || strings.Contains(msg, "unknown model"):
		return "The configured model name was not recognized by the provider."
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") || strings.Contains(msg, "too many tokens"):
		return "The conversation exceeded the model's context window."
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return "The model call timed out."
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "network"):
		return "Could not reach the model provider over the network."
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "content_policy"):
		return "The model provider declined to respond due to its content policy."
	default:
		return "The model provider returned an error."
	}
}
