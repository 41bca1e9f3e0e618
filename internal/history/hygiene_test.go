package history

import "testing"

func TestRepairToolResultPairing_PadsUnansweredCalls(t *testing.T) {
	msgs := []Message{
		NewText(RoleUser, "q"),
		{
			Role: RoleAssistant,
			Blocks: []Block{
				{Kind: BlockToolCall, ToolCallID: "A"},
				{Kind: BlockToolCall, ToolCallID: "B"},
			},
		},
		NewToolResult("A", "read", []Block{{Kind: BlockText, Text: "ok"}}, false),
	}

	got := RepairToolResultPairing(msgs)
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(got), got)
	}
	if got[2].Blocks[0].ToolCallID != "A" || got[2].Blocks[0].IsError {
		t.Fatalf("expected toolResult A kept without error, got %+v", got[2])
	}
	if got[3].Blocks[0].ToolCallID != "B" || !got[3].Blocks[0].IsError {
		t.Fatalf("expected synthetic errored toolResult B, got %+v", got[3])
	}
	if got[3].Blocks[0].Content[0].Text != synthLostResult {
		t.Fatalf("unexpected synth text: %q", got[3].Blocks[0].Content[0].Text)
	}
}

func TestRepairToolResultPairing_OrphanDropped(t *testing.T) {
	msgs := []Message{
		NewText(RoleUser, "q"),
		NewToolResult("ghost", "read", []Block{{Kind: BlockText, Text: "x"}}, false),
	}
	got := RepairToolResultPairing(msgs)
	if len(got) != 1 {
		t.Fatalf("expected orphan tool result dropped, got %+v", got)
	}
}

func TestRepairToolResultPairing_Idempotent(t *testing.T) {
	msgs := []Message{
		NewText(RoleUser, "q"),
		{Role: RoleAssistant, Blocks: []Block{{Kind: BlockToolCall, ToolCallID: "A"}}},
		NewToolResult("A", "read", nil, false),
		NewText(RoleAssistant, "done"),
	}
	once := RepairToolResultPairing(msgs)
	twice := RepairToolResultPairing(once)
	if len(once) != len(twice) {
		t.Fatalf("not idempotent: %d vs %d", len(once), len(twice))
	}
	merged := MergeConsecutiveRoles(twice)
	for i := 1; i < len(merged); i++ {
		if merged[i].Role == merged[i-1].Role && merged[i].Role != RoleTool {
			t.Fatalf("consecutive same-role messages survived merge at %d", i)
		}
	}
}

func TestMergeConsecutiveRoles_KeepsToolSeparate(t *testing.T) {
	msgs := []Message{
		NewToolResult("A", "read", nil, false),
		NewToolResult("B", "write", nil, false),
	}
	merged := MergeConsecutiveRoles(msgs)
	if len(merged) != 2 {
		t.Fatalf("toolResult messages must never merge, got %d", len(merged))
	}
}

func TestLimitHistoryTurns_Boundaries(t *testing.T) {
	if got := LimitHistoryTurns(nil, 5); len(got) != 0 {
		t.Fatalf("limitHistoryTurns(nil, N) should be empty, got %v", got)
	}
	msgs := []Message{NewText(RoleUser, "a"), NewText(RoleUser, "b")}
	if got := LimitHistoryTurns(msgs, 0); len(got) != len(msgs) {
		t.Fatalf("limitHistoryTurns(M, 0) should return M unchanged")
	}
}

func TestHistoryLimitByKind(t *testing.T) {
	cases := map[string]int{
		"cron:daily:123":               10,
		"whatsapp:+4917":               30,
		"telegram:direct:1":            30,
		"slack:group:1":                30,
		"main:default":                 50,
		"main:ops:subagent:task1":      50,
		"telegram:direct:7:subagent:t": 30,
	}
	for key, want := range cases {
		if got := HistoryLimit(key); got != want {
			t.Errorf("HistoryLimit(%q) = %d, want %d", key, got, want)
		}
	}
}
