// Package lookup provides the pluggable value resolvers available to the
// expression renderer. A lookup maps a named key plus a dotted path and
// options to a value: environment variables, execution-context variables, and
// the OS credential store are built in.
package lookup

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// DefaultService is the credential-store service name used when a keyring
// lookup does not override it.
const DefaultService = "steward"

// Params carries the arguments of one lookup invocation.
type Params struct {
	// Path is the dotted key path, already split into parts.
	Path []string

	// Options are the optional lookup-specific options.
	Options map[string]interface{}

	// Vars is the variable mapping of the current task context.
	Vars map[string]interface{}
}

// Handler resolves one lookup invocation. Handlers must be read-only from the
// engine's perspective and safe for concurrent use.
type Handler func(ctx context.Context, p *Params) (interface{}, error)

// Registry maps lookup keys to their handlers.
type Registry struct {
	// mu protects the handler map.
	mu sync.RWMutex

	// handlers maps lookup key to handler.
	handlers map[string]Handler
}

// NewRegistry creates a registry with the built-in handlers registered.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	// Built-ins never collide on a fresh map.
	_ = r.Register("env", envLookup)
	_ = r.Register("var", varLookup)
	_ = r.Register("keyring", keyringLookup)
	return r
}

// Register adds a handler under the given key. Registering a key twice is an
// error; lookup keys are unique within a registry.
func (r *Registry) Register(key string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("lookup %q already registered", key)
	}
	r.handlers[key] = handler
	return nil
}

// Resolve invokes the handler registered under key.
func (r *Registry) Resolve(ctx context.Context, key string, path []string, opts map[string]interface{}, vars map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	handler, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown lookup %q", key)
	}
	return handler(ctx, &Params{Path: path, Options: opts, Vars: vars})
}

// envLookup reads the process environment. A missing variable resolves to
// nil, never an error.
func envLookup(_ context.Context, p *Params) (interface{}, error) {
	name := strings.Join(p.Path, ".")
	if val, ok := os.LookupEnv(name); ok {
		return val, nil
	}
	return nil, nil
}

// varLookup reads the current task context's variables by dotted path,
// descending into nested maps. A missing path resolves to nil.
func varLookup(_ context.Context, p *Params) (interface{}, error) {
	var current interface{} = p.Vars
	for _, part := range p.Path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		current, ok = m[part]
		if !ok {
			return nil, nil
		}
	}
	return current, nil
}

// keyringLookup reads a secret from the OS credential store. The service name
// defaults to DefaultService; the entry key is the dotted path joined with ".".
func keyringLookup(_ context.Context, p *Params) (interface{}, error) {
	service := DefaultService
	if s, ok := p.Options["service"].(string); ok && s != "" {
		service = s
	}
	secret, err := keyring.Get(service, strings.Join(p.Path, "."))
	if err != nil {
		return nil, fmt.Errorf("keyring lookup failed: %w", err)
	}
	return secret, nil
}
