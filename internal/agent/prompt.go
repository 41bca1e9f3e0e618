package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// maxContextFileChars is the cutoff past which a Project context file is
// head-tail truncated rather than injected whole.
const maxContextFileChars = 20000

// buildSystemPrompt assembles the first-run system prompt by
// concatenating, in order, every section whose input is present: Identity,
// Tooling, Workspace, Memory recall, Heartbeat protocol, Project context,
// Channel, Current date/time, Runtime, and any ExtraSystemPrompt. Sections
// are separated by a single blank line.
func (l *Loop) buildSystemPrompt(ctx context.Context, req RunRequest, task string) string {
	var sections []string

	sections = append(sections, identitySection(req))

	if tooling := l.toolingSection(req.SessionKey); tooling != "" {
		sections = append(sections, tooling)
	}

	if req.WorkspaceDir != "" {
		sections = append(sections, "## Workspace\n"+req.WorkspaceDir)
	}

	if recall := l.memoryRecallSection(ctx, task); recall != "" {
		sections = append(sections, recall)
	}

	sections = append(sections, heartbeatSection())

	if project := projectContextSection(req.ContextFiles); project != "" {
		sections = append(sections, project)
	}

	if req.Channel != "" {
		sections = append(sections, "## Channel\n"+req.Channel)
	}

	sections = append(sections, "## Current date/time\n"+time.Now().Format(time.RFC1123))

	sections = append(sections, runtimeSection(req))

	if strings.TrimSpace(req.ExtraSystemPrompt) != "" {
		sections = append(sections, req.ExtraSystemPrompt)
	}

	return strings.Join(sections, "\n\n")
}

func identitySection(req RunRequest) string {
	agentID := req.AgentID
	if agentID == "" {
		agentID = "default"
	}
	return fmt.Sprintf("## Identity\nYou are agent %q, an autonomous assistant running inside a multi-tenant agent orchestration platform. You act on behalf of whoever sent the current task and must stay within the tools and workspace you are given.", agentID)
}

func (l *Loop) toolingSection(sessionKey string) string {
	if l.Tools == nil {
		return ""
	}
	descs := l.Tools.List(sessionKey)
	if len(descs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Tooling\n")
	for _, d := range descs {
		name, _ := d["name"].(string)
		desc, _ := d["description"].(string)
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (l *Loop) memoryRecallSection(ctx context.Context, task string) string {
	if l.Memory == nil || strings.TrimSpace(task) == "" {
		return ""
	}
	results, err := l.Memory.Search(ctx, task)
	if err != nil || len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Memory recall\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s: %s\n", r.Citation, firstLine(r.Chunk.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// heartbeatAck mirrors agentsvc.HeartbeatOK; duplicated rather than
// imported since agentsvc imports this package.
const heartbeatAck = "HEARTBEAT_OK"

func heartbeatSection() string {
	return fmt.Sprintf("## Heartbeat protocol\nSome runs are unattended heartbeat polls with nothing new to report. When that is the case, reply with exactly %q and nothing else; it is recognized as a no-op and never shown to anyone.", heartbeatAck)
}

func projectContextSection(files []string) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Project context\n")
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", path, headTailTruncate(string(data), maxContextFileChars))
	}
	return strings.TrimRight(b.String(), "\n")
}

func runtimeSection(req RunRequest) string {
	provider := req.Provider
	if provider == "" {
		provider = "default"
	}
	model := req.Model
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("## Runtime\nprovider=%s model=%s <thinking> tags in your reply are stripped before delivery and never shown to the recipient.", provider, model)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	if len(s) > 160 {
		return s[:160]
	}
	return s
}

// headTailTruncate keeps roughly the first 70% and last 20% of limit when
// content exceeds it, marking the dropped middle.
func headTailTruncate(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	head := limit * 70 / 100
	tail := limit * 20 / 100
	return content[:head] + "\n\n...[truncated]...\n\n" + content[len(content)-tail:]
}
