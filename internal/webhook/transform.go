package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Transform renders a raw JSON payload into the task string delivered to
// the agent runtime. Transforms are named and looked up from a process-wide
// registry populated at startup by the operator; there is no dynamic code
// loading and no sandbox — the operator is trusted.
type Transform func(payload map[string]interface{}) (string, error)

// registry is the base-directory-free, in-process name -> Transform table.
// Every registered transform is available to every hook; this package
// never reads files from disk to build a transform.
var registry = map[string]Transform{}

// RegisterTransform adds name to the process-wide transform registry,
// replacing any existing transform under that name. Call during startup
// wiring (internal/app), never at request time.
func RegisterTransform(name string, fn Transform) {
	registry[name] = fn
}

// lookupTransform returns the named transform, or passthroughTransform if
// name is empty or unknown.
func lookupTransform(name string) Transform {
	if name == "" {
		return passthroughTransform
	}
	if fn, ok := registry[name]; ok {
		return fn
	}
	return passthroughTransform
}

// passthroughTransform pretty-prints the payload as the task string.
func passthroughTransform(payload map[string]interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return "", err
	}
	s := buf.String()
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s, nil
}

func init() {
	RegisterTransform("passthrough", passthroughTransform)
	RegisterTransform("json-stringify", func(payload map[string]interface{}) (string, error) {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("json-stringify: %w", err)
		}
		return string(b), nil
	})
}
