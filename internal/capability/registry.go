// Package capability defines the registry of actions the assistant can
// invoke and the executor that runs batches of invocation requests.
package capability

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes a capability with already-decoded arguments and
// returns a textual result for the reasoning service.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Capability describes one registered action.
type Capability struct {
	Name        string
	Description string
	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any
	// NeedsIdentity marks capabilities that operate on per-user data.
	// The executor injects the caller's identity into the handler
	// context only when this is set.
	NeedsIdentity bool
	Handler       Handler
}

// Registry holds the available capabilities. Registration happens at
// startup; lookups are concurrent with turns.
type Registry struct {
	mu    sync.RWMutex
	caps  map[string]*Capability
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]*Capability)}
}

// Register adds a capability. Registering a duplicate name is a
// programming error and panics at startup rather than silently
// shadowing.
func (r *Registry) Register(c *Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name]; exists {
		panic(fmt.Sprintf("capability %q registered twice", c.Name))
	}
	r.caps[c.Name] = c
	r.order = append(r.order, c.Name)
}

// Get retrieves a capability by name, or nil if unregistered.
func (r *Registry) Get(name string) *Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name]
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Specs returns the capability declarations in the wire format the
// reasoning service expects, in registration order.
func (r *Registry) Specs() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		c := r.caps[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        c.Name,
				"description": c.Description,
				"parameters":  c.Parameters,
			},
		})
	}
	return result
}

// Names returns the registered capability names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// PromptLines renders one bullet line per capability for the system
// block, in registration order.
func (r *Registry) PromptLines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines := make([]string, 0, len(r.order))
	for _, name := range r.order {
		lines = append(lines, fmt.Sprintf("- `%s`: %s", name, r.caps[name].Description))
	}
	return lines
}

// identityKey is the context key carrying the caller's user id.
type identityKey struct{}

// WithIdentity returns a context carrying the caller's user id for
// identity-scoped handlers.
func WithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}

// IdentityFrom extracts the caller's user id from the context. ok is
// false when no identity was injected.
func IdentityFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(identityKey{}).(string)
	return userID, ok && userID != ""
}
