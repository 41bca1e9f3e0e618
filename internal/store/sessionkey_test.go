package store

import (
	"testing"
	"time"
)

func TestBuildSessionKeys(t *testing.T) {
	firedAt := time.Unix(1699999999, 0)
	cases := map[string]string{
		BuildChannelSessionKey("telegram", "direct", "386246614"): "telegram:direct:386246614",
		BuildChannelSessionKey("whatsapp", "group", "-100123"):    "whatsapp:group:-100123",
		BuildChannelSessionKey("slack", "", "C1"):                 "slack:direct:C1",
		BuildMainSessionKey("operator"):                           "main:operator",
		BuildMainSessionKey(""):                                   "main:default",
		BuildCronSessionKey("daily-report", firedAt):              "cron:daily-report:1699999999",
		BuildWebhookSessionKey("github"):                          "webhook:github",
		BuildSubagentSessionKey("main:operator", "triage"):        "main:operator:subagent:triage",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
	}
}

func TestIsSubagentKey(t *testing.T) {
	for key, want := range map[string]bool{
		"main:operator:subagent:triage":      true,
		"telegram:direct:1:subagent:t":       true,
		"subagent:orphan":                    true,
		"telegram:direct:386246614":          false,
		"cron:daily-report:1699999999":       false,
		"main:subagenting":                   false,
		"whatsapp:group:-100123:subagents:x": false,
	} {
		if got := IsSubagentKey(key); got != want {
			t.Errorf("IsSubagentKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestRootSessionKey(t *testing.T) {
	if got := RootSessionKey("main:operator:subagent:triage:subagent:inner"); got != "main:operator" {
		t.Fatalf("RootSessionKey = %q, want %q", got, "main:operator")
	}
	if got := RootSessionKey("telegram:direct:1"); got != "telegram:direct:1" {
		t.Fatalf("RootSessionKey(non-subagent) = %q, want unchanged", got)
	}
}
