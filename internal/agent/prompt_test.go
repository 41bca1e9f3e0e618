package agent

import (
	"context"
	"strings"
	"testing"
)

func TestHeadTailTruncateShort(t *testing.T) {
	content := "short content"
	if got := headTailTruncate(content, 100); got != content {
		t.Fatalf("headTailTruncate(short) = %q, want unchanged", got)
	}
}

func TestHeadTailTruncateLong(t *testing.T) {
	content := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	got := headTailTruncate(content, 60)
	if !strings.Contains(got, "...[truncated]...") {
		t.Fatalf("headTailTruncate(long) = %q, want a truncation marker", got)
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 42)) {
		t.Fatalf("headTailTruncate(long) head = %q", got[:10])
	}
	if !strings.HasSuffix(got, strings.Repeat("b", 12)) {
		t.Fatalf("headTailTruncate(long) tail = %q", got[len(got)-10:])
	}
}

func TestBuildSystemPromptSkipsAbsentSections(t *testing.T) {
	l, _ := newTestLoop(t, &stubProvider{resp: nil})

	prompt := l.buildSystemPrompt(context.Background(), RunRequest{
		SessionKey: "cli:direct:u1",
		AgentID:    "default",
	}.withDefaults(), "do the thing")

	if !strings.Contains(prompt, "## Identity") {
		t.Fatal("expected an Identity section")
	}
	if strings.Contains(prompt, "## Workspace") {
		t.Fatal("Workspace section should be absent when WorkspaceDir is empty")
	}
	if strings.Contains(prompt, "## Channel") {
		t.Fatal("Channel section should be absent when Channel is empty")
	}
	if !strings.Contains(prompt, "## Heartbeat protocol") {
		t.Fatal("Heartbeat protocol is always present")
	}
	if !strings.Contains(prompt, "HEARTBEAT_OK") {
		t.Fatal("Heartbeat protocol should name the ack token")
	}
}

func TestBuildSystemPromptIncludesExtraPrompt(t *testing.T) {
	l, _ := newTestLoop(t, &stubProvider{resp: nil})

	prompt := l.buildSystemPrompt(context.Background(), RunRequest{
		SessionKey:        "cli:direct:u1",
		ExtraSystemPrompt: "Remember: be terse.",
	}.withDefaults(), "task")

	if !strings.Contains(prompt, "Remember: be terse.") {
		t.Fatal("expected ExtraSystemPrompt to be appended")
	}
}
