package prune

import (
	"strings"
	"testing"

	"github.com/chozzz/agentfabric/internal/history"
)

func toolResultMsg(name, text string) history.Message {
	return history.Message{
		Role: history.RoleTool,
		Blocks: []history.Block{{
			Kind:     history.BlockToolResult,
			ToolName: name,
			Content:  []history.Block{{Kind: history.BlockText, Text: text}},
		}},
	}
}

func TestPruneContextMessages_SoftTrimThenHardClear(t *testing.T) {
	settings := Settings{
		KeepLastAssistants: 1,
		SoftTrimRatio:      0.3,
		HardClearRatio:     0.5,
		SoftTrim:           SoftTrim{MaxChars: 20, HeadChars: 5, TailChars: 5},
	}
	msgs := []history.Message{
		history.NewText(history.RoleUser, "q"),
		toolResultMsg("read", strings.Repeat("X", 500)),
		toolResultMsg("write", strings.Repeat("Y", 500)),
		history.NewText(history.RoleAssistant, "done"),
	}

	out := PruneContextMessages(msgs, 50, settings)

	if out[0].Blocks[0].Text != "q" {
		t.Fatalf("user message must be preserved, got %+v", out[0])
	}
	if out[3].Blocks[0].Text != "done" {
		t.Fatalf("last assistant must be preserved, got %+v", out[3])
	}
	for _, idx := range []int{1, 2} {
		text := history.Text(out[idx].Blocks[0].Content)
		if text != "[Tool result cleared — context pruning]" {
			t.Fatalf("expected hard-cleared tool result at %d, got %q", idx, text)
		}
	}
}

func TestPruneContextMessages_NoOpBelowRatio(t *testing.T) {
	msgs := []history.Message{history.NewText(history.RoleUser, "short")}
	out := PruneContextMessages(msgs, 1000000, Settings{})
	if len(out) != 1 || out[0].Blocks[0].Text != "short" {
		t.Fatalf("expected unchanged passthrough, got %+v", out)
	}
}

// Boundary: contextWindow=0 returns msgs unchanged.
func TestPruneContextMessages_ZeroWindow(t *testing.T) {
	msgs := []history.Message{history.NewText(history.RoleUser, "x")}
	out := PruneContextMessages(msgs, 0, Settings{})
	if len(out) != 1 {
		t.Fatalf("expected passthrough on zero window")
	}
}

// Images are never mutated by pruning.
func TestPruneContextMessages_ImageNeverMutated(t *testing.T) {
	img := history.Message{
		Role: history.RoleTool,
		Blocks: []history.Block{{
			Kind:     history.BlockToolResult,
			ToolName: "read",
			Content:  []history.Block{{Kind: history.BlockImage, MimeType: "image/png", Data: "abc"}},
		}},
	}
	msgs := []history.Message{
		history.NewText(history.RoleUser, "q"),
		img,
		toolResultMsg("write", strings.Repeat("Y", 10000)),
		history.NewText(history.RoleAssistant, "done"),
	}
	out := PruneContextMessages(msgs, 50, Settings{KeepLastAssistants: 1, SoftTrimRatio: 0.1, HardClearRatio: 0.2})
	if out[1].Blocks[0].Content[0].Kind != history.BlockImage {
		t.Fatalf("image-bearing tool result must never be pruned, got %+v", out[1])
	}
}
