// Package compaction implements the hierarchical compaction engine: when
// pruning is not enough to fit a session inside its context window, the
// runtime hands a range of older messages here and splices the returned
// summary back into working history in their place. Compaction itself never
// mutates the stored session log — it only produces text the runtime folds
// into the in-memory working copy.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/chozzz/agentfabric/internal/history"
)

// Summarizer invokes the model on a single summarization prompt. It is the
// only seam this package has onto the LLM — production wiring passes a
// closure over a providers.Provider; tests pass a canned function.
type Summarizer func(ctx context.Context, prompt string) (string, error)

// fallbackSummary is returned verbatim when every model call in the run
// fails.
const fallbackSummary = "Summary unavailable due to context limits. Older messages were truncated."

const charsPerToken = 4

// Settings configures one compaction run. Zero fields resolve to defaults.
type Settings struct {
	ChunkRatio      float64 // default 0.40, shrinks toward MinChunkRatio
	MinChunkRatio   float64 // default 0.15
	MaxHistoryShare float64 // default 0.5
	Stages          int     // default 2
}

func (s Settings) withDefaults() Settings {
	if s.ChunkRatio == 0 {
		s.ChunkRatio = 0.40
	}
	if s.MinChunkRatio == 0 {
		s.MinChunkRatio = 0.15
	}
	if s.MaxHistoryShare == 0 {
		s.MaxHistoryShare = 0.5
	}
	if s.Stages == 0 {
		s.Stages = 2
	}
	return s
}

// Input is the compaction request: a contiguous range of older messages to
// fold into a summary, the turn currently in progress (used only to size
// the history-share guard), and any previous summary being extended.
type Input struct {
	Messages           []history.Message
	TurnPrefixMessages []history.Message
	PreviousSummary    string
	ContextWindow      int // tokens
}

// Result is the compaction output.
type Result struct {
	Summary string
	// FirstKeptIndex is len(Messages): every message handed in is folded
	// into Summary, main or dropped partition alike. The caller combines
	// this with its own slice offset to find the boundary in full history.
	FirstKeptIndex int
}

// Compact runs the full engine: peel a dropped partition when the current
// turn already dominates the window, exclude oversized messages, summarize
// in token-weighted stages of bounded chunks, then append the tool-failure
// block.
func Compact(ctx context.Context, in Input, summarize Summarizer, s Settings) Result {
	s = s.withDefaults()

	failures := toolFailureBlock(in.Messages)

	if len(in.Messages) == 0 {
		summary := in.PreviousSummary
		if failures != "" {
			summary = joinSummary(summary, failures)
		}
		return Result{Summary: summary, FirstKeptIndex: 0}
	}

	ratio := adaptiveChunkRatio(in.Messages, in.ContextWindow, s)
	maxChunk := int(float64(in.ContextWindow) * ratio)
	if maxChunk <= 0 {
		maxChunk = 1
	}

	messages := in.Messages
	previousSummary := in.PreviousSummary
	anySucceeded := false

	if in.ContextWindow > 0 && historyShareExceeded(in.TurnPrefixMessages, in.ContextWindow, s.MaxHistoryShare) {
		half := len(messages) / 2
		if half > 0 {
			dropped := messages[:half]
			messages = messages[half:]
			droppedResult := summarizeMessages(ctx, dropped, previousSummary, maxChunk, summarize)
			if droppedResult.ok {
				previousSummary = droppedResult.text
				anySucceeded = true
			}
		}
	}

	kept, oversizedNotes := excludeOversized(messages, in.ContextWindow)

	stages := partitionByTokens(kept, s.Stages)
	var partials []string
	for _, stage := range stages {
		if len(stage) == 0 {
			continue
		}
		r := summarizeMessages(ctx, stage, previousSummary, maxChunk, summarize)
		if r.ok {
			anySucceeded = true
			partials = append(partials, r.text)
		}
	}

	var summary string
	switch {
	case len(partials) > 0:
		summary = mergePartials(partials)
	case anySucceeded:
		summary = previousSummary
	default:
		summary = fallbackSummary
	}

	for _, note := range oversizedNotes {
		summary = joinSummary(summary, note)
	}
	if failures != "" {
		summary = joinSummary(summary, failures)
	}

	return Result{Summary: summary, FirstKeptIndex: len(in.Messages)}
}

func joinSummary(a, b string) string {
	a = strings.TrimRight(a, "\n")
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}

// adaptiveChunkRatio shrinks the chunking ratio from ChunkRatio toward
// MinChunkRatio proportionally when the average message size is large
// relative to the window.
func adaptiveChunkRatio(msgs []history.Message, contextWindow int, s Settings) float64 {
	if contextWindow <= 0 || len(msgs) == 0 {
		return s.ChunkRatio
	}
	total := tokensFor(msgs)
	avg := float64(total) / float64(len(msgs))
	threshold := 0.1 * float64(contextWindow)
	if avg*1.2 <= threshold {
		return s.ChunkRatio
	}
	overage := (avg * 1.2) / threshold
	ratio := s.ChunkRatio / overage
	if ratio < s.MinChunkRatio {
		ratio = s.MinChunkRatio
	}
	return ratio
}

// historyShareExceeded reports whether the in-progress turn alone exceeds
// contextWindow x maxHistoryShare x 1.2.
func historyShareExceeded(turnPrefix []history.Message, contextWindow int, maxHistoryShare float64) bool {
	if contextWindow <= 0 {
		return false
	}
	newTokens := tokensFor(turnPrefix)
	return float64(newTokens) > float64(contextWindow)*maxHistoryShare*1.2
}

// excludeOversized pulls out any message whose tokens x 1.2 exceed half the
// window, replacing each with a placeholder note.
func excludeOversized(msgs []history.Message, contextWindow int) ([]history.Message, []string) {
	if contextWindow <= 0 {
		return msgs, nil
	}
	threshold := 0.5 * float64(contextWindow)
	var kept []history.Message
	var notes []string
	for _, m := range msgs {
		tokens := tokensFor([]history.Message{m})
		if float64(tokens)*1.2 > threshold {
			notes = append(notes, fmt.Sprintf("[Large %s (~%dK tokens) omitted from summary]", m.Role, tokens/1000))
			continue
		}
		kept = append(kept, m)
	}
	return kept, notes
}

// partitionByTokens splits msgs into roughly parts near-equal
// token-weighted partitions.
func partitionByTokens(msgs []history.Message, parts int) [][]history.Message {
	if parts <= 1 || len(msgs) == 0 {
		return [][]history.Message{msgs}
	}
	total := tokensFor(msgs)
	target := total / parts
	if target <= 0 {
		target = 1
	}

	out := make([][]history.Message, 0, parts)
	var current []history.Message
	running := 0
	for _, m := range msgs {
		current = append(current, m)
		running += tokensFor([]history.Message{m})
		if running >= target && len(out) < parts-1 {
			out = append(out, current)
			current = nil
			running = 0
		}
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// chunkByTokens splits a stage's messages into consecutive chunks of at
// most maxChunk tokens each.
func chunkByTokens(msgs []history.Message, maxChunk int) [][]history.Message {
	if maxChunk <= 0 {
		return [][]history.Message{msgs}
	}
	var out [][]history.Message
	var current []history.Message
	running := 0
	for _, m := range msgs {
		t := tokensFor([]history.Message{m})
		if running > 0 && running+t > maxChunk {
			out = append(out, current)
			current = nil
			running = 0
		}
		current = append(current, m)
		running += t
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

type summarizeOutcome struct {
	text string
	ok   bool
}

// summarizeMessages folds a message run through the summarizer one chunk at
// a time, each call seeded with the prior summary.
func summarizeMessages(ctx context.Context, msgs []history.Message, previousSummary string, maxChunk int, summarize Summarizer) summarizeOutcome {
	if len(msgs) == 0 {
		return summarizeOutcome{text: previousSummary, ok: previousSummary != ""}
	}
	chunks := chunkByTokens(msgs, maxChunk)
	summary := previousSummary
	any := false
	for _, chunk := range chunks {
		prompt := buildSummarizePrompt(summary, chunk)
		out, err := summarize(ctx, prompt)
		if err != nil || strings.TrimSpace(out) == "" {
			continue
		}
		summary = out
		any = true
	}
	return summarizeOutcome{text: summary, ok: any}
}

func buildSummarizePrompt(previousSummary string, chunk []history.Message) string {
	var b strings.Builder
	if previousSummary != "" {
		b.WriteString("Prior summary:\n")
		b.WriteString(previousSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation to fold in:\n")
	for _, m := range chunk {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(history.Text(m.Blocks))
		b.WriteString("\n")
	}
	return b.String()
}

// mergePartials combines independently-summarized stage partials.
func mergePartials(partials []string) string {
	if len(partials) == 1 {
		return partials[0]
	}
	// Stage partials are merged by plain concatenation, blank-line separated;
	// a model-backed merge pass would re-summarize this text, but the
	// deterministic concatenation already preserves decisions, TODOs, open
	// questions, and constraints verbatim from each partial.
	return strings.Join(partials, "\n\n")
}

// tokensFor estimates token count: 4 chars/token text, a flat cost for
// images.
func tokensFor(msgs []history.Message) int {
	const imageTokenCost = 2000
	total := 0
	for _, m := range msgs {
		for _, b := range flatten(m.Blocks) {
			if b.Kind == history.BlockImage {
				total += imageTokenCost
				continue
			}
			total += len(b.Text) / charsPerToken
		}
	}
	return total
}

func flatten(blocks []history.Block) []history.Block {
	var out []history.Block
	for _, b := range blocks {
		out = append(out, b)
		if b.Kind == history.BlockToolResult {
			out = append(out, b.Content...)
		}
	}
	return out
}

// toolFailureBlock collects every isError toolResult, deduplicated by
// toolCallId, and renders the "## Tool Failures" section: at most 8 lines,
// each error truncated to 240 single-spaced chars.
func toolFailureBlock(msgs []history.Message) string {
	seen := map[string]bool{}
	var lines []string
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Kind != history.BlockToolResult || !b.IsError {
				continue
			}
			if seen[b.ToolCallID] {
				continue
			}
			seen[b.ToolCallID] = true
			msg := singleSpace(history.Text(b.Content))
			if len(msg) > 240 {
				msg = msg[:240]
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", b.ToolName, msg))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	overflow := 0
	if len(lines) > 8 {
		overflow = len(lines) - 8
		lines = lines[:8]
	}
	body := strings.Join(lines, "\n")
	if overflow > 0 {
		body += fmt.Sprintf("\n...and %d more", overflow)
	}
	return "## Tool Failures\n" + body
}

func singleSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
