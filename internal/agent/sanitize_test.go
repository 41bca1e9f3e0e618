package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text unchanged", "All done.", "All done."},
		{"thinking tags stripped", "<thinking>private</thinking>Here you go.", "Here you go."},
		{"final tags unwrapped", "<final>the answer</final>", "the answer"},
		{"garbled tool xml dropped", `<tool_call><parameter name="x">1</parameter></tool_call>`, ""},
		{"media lines removed", "Saved it.\nMEDIA:/tmp/out.png", "Saved it."},
		{"duplicate paragraphs collapsed", "same\n\nsame\n\nother", "same\n\nother"},
		{"leading blank lines stripped", "\n\n  indented stays", "indented stays"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tc.in); got != tc.want {
				t.Fatalf("SanitizeAssistantContent(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	for text, want := range map[string]bool{
		"NO_REPLY":          true,
		"  NO_REPLY  ":      true,
		"NO_REPLY.":         true,
		"done, NO_REPLY":    true,
		"NO_REPLYING":       false,
		"a normal sentence": false,
		"":                  false,
	} {
		if got := IsSilentReply(text); got != want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", text, got, want)
		}
	}
}
