// Package tools implements the tool registry: every tool exposes itself as
// {name, description, parameters, execute}, and the registry enforces the
// fixed subagent deny-list on top.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/chozzz/agentfabric/internal/store"
)

// Tool is the dispatch contract every registered tool satisfies.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// subagentDenyList names the four session-management tools withheld from
// subagent sessions, so a subagent can't fan out further session traffic
// on its own.
var subagentDenyList = map[string]bool{
	"sessions_list":    true,
	"sessions_history": true,
	"sessions_send":    true,
	"sessions_spawn":   true,
}

// Registry holds every tool the runtime can dispatch.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Visible reports whether name is dispatchable for sessionKey.
func Visible(sessionKey, name string) bool {
	return !(store.IsSubagentKey(sessionKey) && subagentDenyList[name])
}

// List returns the tool descriptions visible to sessionKey, sorted by
// name for deterministic prompt construction.
func (r *Registry) List(sessionKey string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(r.tools))
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if Visible(sessionKey, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		t := r.tools[name]
		out = append(out, map[string]interface{}{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Parameters(),
		})
	}
	return out
}

// Describe returns a single tool's description, honoring the deny-list.
func (r *Registry) Describe(sessionKey, name string) (map[string]interface{}, bool) {
	if !Visible(sessionKey, name) {
		return nil, false
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return map[string]interface{}{
		"name":        t.Name(),
		"description": t.Description(),
		"parameters":  t.Parameters(),
	}, true
}

// Execute dispatches name against sessionKey's visible tool set.
func (r *Registry) Execute(ctx context.Context, sessionKey, name string, args map[string]interface{}) *Result {
	if !Visible(sessionKey, name) {
		return ErrorResult(fmt.Sprintf("tool %q is not available to subagent sessions", name))
	}
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return t.Execute(ctx, args)
}
