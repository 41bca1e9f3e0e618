package file

import (
	"testing"

	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/sessions"
	"github.com/chozzz/agentfabric/internal/store"
)

// Append then read must yield messages in timestamp-ascending order
// matching the append order.
func TestSessionStore_AppendThenReadRoundTrip(t *testing.T) {
	st := NewFileSessionStore(sessions.NewManager(t.TempDir()))

	if _, err := st.Create("whatsapp:+4917", store.KindMain, "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []string{"first", "second", "third"}
	for _, text := range want {
		if _, err := st.AddMessage("whatsapp:+4917", history.RoleUser, []history.Block{{Kind: history.BlockText, Text: text}}, nil); err != nil {
			t.Fatalf("AddMessage(%q): %v", text, err)
		}
	}

	msgs, err := st.GetMessages("whatsapp:+4917", store.GetMessagesOpts{})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, text := range want {
		if msgs[i].Blocks[0].Text != text {
			t.Errorf("message %d = %q, want %q (order not preserved)", i, msgs[i].Blocks[0].Text, text)
		}
		if i > 0 && msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Errorf("message %d timestamp precedes message %d", i, i-1)
		}
	}
}

func TestSessionStore_GetMessagesLimit(t *testing.T) {
	st := NewFileSessionStore(sessions.NewManager(""))
	for _, text := range []string{"a", "b", "c", "d"} {
		st.AddMessage("main:u1", history.RoleUser, []history.Block{{Kind: history.BlockText, Text: text}}, nil)
	}

	msgs, err := st.GetMessages("main:u1", store.GetMessagesOpts{Limit: 2})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Blocks[0].Text != "c" || msgs[1].Blocks[0].Text != "d" {
		t.Fatalf("expected last 2 messages [c d], got %+v", msgs)
	}
}

func TestSessionStore_DeleteRemovesSession(t *testing.T) {
	dir := t.TempDir()
	st := NewFileSessionStore(sessions.NewManager(dir))
	st.Create("main:u1", store.KindMain, "", nil)
	st.AddMessage("main:u1", history.RoleUser, []history.Block{{Kind: history.BlockText, Text: "hi"}}, nil)

	if err := st.Delete("main:u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.Get("main:u1"); ok {
		t.Fatalf("expected session gone after Delete")
	}
}
