package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chozzz/agentfabric/internal/history"
)

func errorResult(toolName, toolCallID, msg string) history.Message {
	return history.NewToolResult(toolCallID, toolName, []history.Block{{Kind: history.BlockText, Text: msg}}, true)
}

func alwaysFails(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("model unavailable")
}

func TestCompact_FallbackKeepsToolFailures(t *testing.T) {
	msgs := []history.Message{
		errorResult("tool1", "A", "msg1"),
		errorResult("tool2", "B", "msg2"),
		errorResult("tool3", "C", "msg3"),
	}

	res := Compact(context.Background(), Input{
		Messages:      msgs,
		ContextWindow: 4000,
	}, alwaysFails, Settings{})

	want := "Summary unavailable due to context limits. Older messages were truncated.\n\n" +
		"## Tool Failures\n- tool1: msg1\n- tool2: msg2\n- tool3: msg3"
	if res.Summary != want {
		t.Fatalf("summary mismatch:\n got: %q\nwant: %q", res.Summary, want)
	}
}

// compact(M=[], previousSummary=S0) returns S0 unchanged.
func TestCompact_EmptyMessagesRoundTrip(t *testing.T) {
	res := Compact(context.Background(), Input{
		PreviousSummary: "earlier context",
		ContextWindow:   4000,
	}, alwaysFails, Settings{})
	if res.Summary != "earlier context" {
		t.Fatalf("expected previous summary passthrough, got %q", res.Summary)
	}
	if res.FirstKeptIndex != 0 {
		t.Fatalf("expected FirstKeptIndex 0 for empty input, got %d", res.FirstKeptIndex)
	}
}

func TestCompact_ToolFailureDedupAndOverflow(t *testing.T) {
	var msgs []history.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, errorResult("tool", "dup", "same error"))
	}
	for i := 0; i < 9; i++ {
		msgs = append(msgs, errorResult("toolX", string(rune('a'+i)), "distinct error"))
	}

	res := Compact(context.Background(), Input{Messages: msgs, ContextWindow: 4000}, alwaysFails, Settings{})
	block := toolFailureBlock(msgs)
	if block == "" {
		t.Fatalf("expected non-empty tool failure block")
	}
	if got := strings.Count(block, "\n") + 1; got != 10 { // heading + 8 lines + overflow note
		t.Fatalf("expected heading plus 8 lines, got %d lines:\n%s", got, block)
	}
	if !strings.Contains(res.Summary, "...and") {
		t.Fatalf("expected overflow note in summary, got %q", res.Summary)
	}
}
