package store

import (
	"fmt"
	"strings"
	"time"
)

// Session keys are opaque strings shaped <kind>:<identifier>[:<epoch>].
// Key identity is the whole contract; the only structure other components
// read back out is the leading kind segment (history limiting switches on
// it) and the "subagent" marker segment (tool deny-list, parent lookup).
//
//	telegram:direct:386246614      channel conversation
//	whatsapp:group:-100123456      channel group conversation
//	main:operator                  shared main session
//	cron:daily-report:1699999999   one cron job firing
//	webhook:github                 webhook endpoint
//	main:operator:subagent:triage  subagent spawned from main:operator
const subagentSegment = "subagent"

// IsSubagentKey reports whether key addresses a subagent session — one
// whose key carries a subagent marker segment. Used to enforce the subagent
// tool deny-list.
func IsSubagentKey(key string) bool {
	return strings.Contains(key, ":"+subagentSegment+":") || strings.HasPrefix(key, subagentSegment+":")
}

// BuildChannelSessionKey builds the key for a channel conversation:
// <channel>:<peerKind>:<chatID>, peerKind "direct" or "group".
func BuildChannelSessionKey(channel, peerKind, chatID string) string {
	if peerKind != "group" {
		peerKind = "direct"
	}
	return fmt.Sprintf("%s:%s:%s", channel, peerKind, chatID)
}

// BuildMainSessionKey builds the key for a shared main session.
func BuildMainSessionKey(id string) string {
	if id == "" {
		id = "default"
	}
	return "main:" + id
}

// BuildCronSessionKey builds the per-firing key for a cron job:
// cron:<taskID>:<epoch>, so every firing gets a fresh session while the
// task ID keeps firings of one job discoverable by prefix.
func BuildCronSessionKey(taskID string, firedAt time.Time) string {
	return fmt.Sprintf("cron:%s:%d", taskID, firedAt.Unix())
}

// BuildWebhookSessionKey builds the key all firings of one webhook share.
func BuildWebhookSessionKey(hookID string) string {
	return "webhook:" + hookID
}

// BuildSubagentSessionKey builds a child key under parentKey. The parent
// prefix lets history limiting inherit the root session's kind and lets
// the runtime find the parent to report completion into.
func BuildSubagentSessionKey(parentKey, label string) string {
	return fmt.Sprintf("%s:%s:%s", parentKey, subagentSegment, label)
}

// RootSessionKey strips every subagent suffix, returning the key of the
// session the (possibly nested) subagent chain was spawned from. Non-
// subagent keys come back unchanged.
func RootSessionKey(key string) string {
	if idx := strings.Index(key, ":"+subagentSegment+":"); idx >= 0 {
		return key[:idx]
	}
	return key
}
