package providers

import "fmt"

// registry is the process-wide name -> Provider table. Whatever embeds
// this platform registers the providers it actually has credentials for at
// startup; this module ships no concrete provider SDK of its own.
var registry = map[string]Provider{}

// Register adds p to the process-wide registry under name, replacing
// whatever was previously registered for that name.
func Register(name string, p Provider) {
	registry[name] = p
}

// Resolve looks up a registered provider by name. Suitable as an
// agent.ProviderResolver once bound: agent.ProviderResolver(providers.Resolve).
func Resolve(name string) (Provider, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("providers: no provider registered for %q", name)
	}
	return p, nil
}
