package tools

import (
	"context"
	"testing"
)

type stubTool struct {
	name string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub " + s.name }
func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return TextResult("ok")
}

func TestRegistry_SubagentDenyList(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"sessions_list", "sessions_history", "sessions_send", "sessions_spawn", "memory_search"} {
		r.Register(&stubTool{name: name})
	}

	main := "whatsapp:+4917"
	subagent := "main:default:subagent:task1"

	for _, denied := range []string{"sessions_list", "sessions_history", "sessions_send", "sessions_spawn"} {
		if Visible(main, denied) != true {
			t.Errorf("%q should be visible on a main session", denied)
		}
		if Visible(subagent, denied) {
			t.Errorf("%q should be denied on a subagent session", denied)
		}
		if res := r.Execute(context.Background(), subagent, denied, nil); !res.IsError {
			t.Errorf("Execute(%q) on subagent session should be an error result", denied)
		}
	}

	if !Visible(subagent, "memory_search") {
		t.Errorf("memory_search should remain visible on subagent sessions")
	}
	if res := r.Execute(context.Background(), subagent, "memory_search", nil); res.IsError {
		t.Errorf("memory_search should execute normally on subagent sessions, got %+v", res)
	}
}

func TestRegistry_UnknownToolIsError(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "main:u1", "does_not_exist", nil)
	if !res.IsError {
		t.Fatalf("expected error result for unknown tool")
	}
}

func TestRegistry_ListSortedAndFiltered(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "sessions_spawn"})
	r.Register(&stubTool{name: "file_read"})

	all := r.List("whatsapp:+4917")
	if len(all) != 2 {
		t.Fatalf("expected 2 tools visible on main session, got %d", len(all))
	}
	if all[0]["name"] != "file_read" || all[1]["name"] != "sessions_spawn" {
		t.Fatalf("expected alphabetical order, got %+v", all)
	}

	subOnly := r.List("main:default:subagent:task1")
	if len(subOnly) != 1 || subOnly[0]["name"] != "file_read" {
		t.Fatalf("expected only file_read visible to subagent, got %+v", subOnly)
	}
}
