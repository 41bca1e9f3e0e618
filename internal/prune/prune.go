// Package prune implements the two-tier context pruning engine: a pure
// shrink of the in-flight message list that runs just before a model call
// when the assembled messages would overflow the model's context window.
// Pruning never mutates the stored session log — every function here
// returns either a new slice or the original slice reference, unchanged.
package prune

import (
	"fmt"

	"github.com/chozzz/agentfabric/internal/history"
)

// Settings configures one pruning pass. Zero fields resolve to defaults.
type Settings struct {
	SoftTrimRatio      float64  // default 0.30
	HardClearRatio     float64  // default 0.50
	KeepLastAssistants int      // default 3
	SoftTrim           SoftTrim // maxChars/headChars/tailChars
	DenyToolNames      []string // tool results never pruned, e.g. memory writes
}

type SoftTrim struct {
	MaxChars  int // default 4000
	HeadChars int // default 1500
	TailChars int // default 1500
}

func (s Settings) withDefaults() Settings {
	if s.SoftTrimRatio == 0 {
		s.SoftTrimRatio = 0.30
	}
	if s.HardClearRatio == 0 {
		s.HardClearRatio = 0.50
	}
	if s.KeepLastAssistants == 0 {
		s.KeepLastAssistants = 3
	}
	if s.SoftTrim.MaxChars == 0 {
		s.SoftTrim.MaxChars = 4000
	}
	if s.SoftTrim.HeadChars == 0 {
		s.SoftTrim.HeadChars = 1500
	}
	if s.SoftTrim.TailChars == 0 {
		s.SoftTrim.TailChars = 1500
	}
	return s
}

// Budget estimation: 4 chars/token for text, a flat 8,000 chars per image
// block.
const (
	charsPerToken = 4
	imageCharCost = 8000
)

func isDenied(name string, deny []string) bool {
	for _, d := range deny {
		if d == name {
			return true
		}
	}
	return false
}

// estimateChars sums the character-equivalent size of a message list.
func estimateChars(msgs []history.Message) int {
	total := 0
	for _, m := range msgs {
		for _, b := range allBlocks(m) {
			switch b.Kind {
			case history.BlockImage:
				total += imageCharCost
			default:
				total += len(b.Text)
			}
		}
	}
	return total
}

func allBlocks(m history.Message) []history.Block {
	var out []history.Block
	for _, b := range m.Blocks {
		out = append(out, b)
		if b.Kind == history.BlockToolResult {
			out = append(out, b.Content...)
		}
	}
	return out
}

// PruneContextMessages runs the full two-tier algorithm: soft-trim long
// tool results first, then hard-clear them oldest-first until the estimate
// drops below the hard ratio. contextWindow is in tokens; 0 returns msgs
// unchanged.
func PruneContextMessages(msgs []history.Message, contextWindow int, s Settings) []history.Message {
	if contextWindow <= 0 || len(msgs) == 0 {
		return msgs
	}
	s = s.withDefaults()

	windowChars := contextWindow * charsPerToken
	total := estimateChars(msgs)
	if float64(total)/float64(windowChars) < s.SoftTrimRatio {
		return msgs
	}

	cutoff := cutoffIndex(msgs, s.KeepLastAssistants)
	pruneStart := firstUserIndex(msgs)
	prunable := prunableIndices(msgs, pruneStart, cutoff, s.DenyToolNames)
	if len(prunable) == 0 {
		return msgs
	}

	out := make([]history.Message, len(msgs))
	copy(out, msgs)

	// Phase 1: soft-trim.
	changed := false
	for _, idx := range prunable {
		text := history.Text(allBlocks(out[idx]))
		if len(text) > s.SoftTrim.MaxChars {
			out[idx] = softTrim(out[idx], s.SoftTrim)
			changed = true
		}
	}
	if changed {
		total = estimateChars(out)
	}

	if float64(total)/float64(windowChars) < s.HardClearRatio {
		if !changed {
			return msgs
		}
		return out
	}

	// Phase 2: hard-clear, iterate again until ratio drops or list exhausted.
	for _, idx := range prunable {
		out[idx] = hardClear(out[idx])
		changed = true
		total = estimateChars(out)
		if float64(total)/float64(windowChars) < s.HardClearRatio {
			break
		}
	}

	if !changed {
		return msgs
	}
	return out
}

// cutoffIndex returns the position of the n-th-most-recent assistant
// message; messages at or after it are untouchable. With fewer than n
// assistant messages the cutoff is 0 and nothing is prunable.
func cutoffIndex(msgs []history.Message, keepLastAssistants int) int {
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == history.RoleAssistant {
			seen++
			if seen == keepLastAssistants {
				return i
			}
		}
	}
	return 0
}

func firstUserIndex(msgs []history.Message) int {
	for i, m := range msgs {
		if m.Role == history.RoleUser {
			return i
		}
	}
	return 0
}

// prunableIndices identifies, between pruneStart (inclusive) and cutoff
// (exclusive), every toolResult whose name passes the deny filter and whose
// content has no image block.
func prunableIndices(msgs []history.Message, pruneStart, cutoff int, deny []string) []int {
	var out []int
	for i := pruneStart; i < cutoff && i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != history.RoleTool {
			continue
		}
		var toolName string
		hasImage := false
		for _, b := range m.Blocks {
			if b.Kind == history.BlockToolResult {
				toolName = b.ToolName
				if history.HasImage(b.Content) {
					hasImage = true
				}
			}
		}
		if hasImage || isDenied(toolName, deny) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func softTrim(m history.Message, s SoftTrim) history.Message {
	out := m
	out.Blocks = make([]history.Block, len(m.Blocks))
	copy(out.Blocks, m.Blocks)
	for i, b := range out.Blocks {
		if b.Kind != history.BlockToolResult {
			continue
		}
		text := history.Text(b.Content)
		if len(text) <= s.MaxChars {
			continue
		}
		head := text[:min(s.HeadChars, len(text))]
		tailStart := len(text) - min(s.TailChars, len(text))
		tail := text[tailStart:]
		trimmed := head + "\n...\n" + tail + fmt.Sprintf(
			"\n\n[Tool result trimmed: kept first %d chars and last %d chars of %d chars.]",
			len(head), len(tail), len(text))
		b.Content = []history.Block{{Kind: history.BlockText, Text: trimmed}}
		out.Blocks[i] = b
	}
	return out
}

func hardClear(m history.Message) history.Message {
	out := m
	out.Blocks = make([]history.Block, len(m.Blocks))
	copy(out.Blocks, m.Blocks)
	for i, b := range out.Blocks {
		if b.Kind != history.BlockToolResult {
			continue
		}
		b.Content = []history.Block{{Kind: history.BlockText, Text: "[Tool result cleared — context pruning]"}}
		out.Blocks[i] = b
	}
	return out
}
