// Package webhook implements the webhook service: an HTTP listener mapping
// POST /hooks/:id to a webhook.trigger event, with bearer auth and
// per-hook payload transforms.
package webhook

// Hook is one registered webhook endpoint.
type Hook struct {
	ID          string   `json:"id"`
	Token       string   `json:"token,omitempty"` // stripped by Public() before any RPC response
	Transform   string   `json:"transform,omitempty"`
	Notify      []string `json:"notify,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Public returns the hook with its token stripped. webhook.list and every
// other RPC response must never carry the bearer secret.
func (h Hook) Public() Hook {
	h.Token = ""
	return h
}

// TriggerPayload is the shape broadcast on the "webhook.trigger" bus event.
type TriggerPayload struct {
	HookID     string   `json:"hookId"`
	Task       string   `json:"task"`
	SessionKey string   `json:"sessionKey"`
	Notify     []string `json:"notify,omitempty"`
	RunID      string   `json:"runId"`
}

// Result is what a fire handler returns on success.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}
