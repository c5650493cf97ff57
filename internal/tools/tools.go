// Package tools tracks the tools advertised by connected providers and
// resolves tool names back to the provider that serves them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultDiscoveryTimeout bounds a single provider's tool listing.
const DefaultDiscoveryTimeout = 5 * time.Second

// Descriptor describes one tool as advertised by its provider.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Provider is anything that can list and execute tools. MCP clients
// are the main implementation.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string
	ListTools(ctx context.Context) ([]Descriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// entry is one discovered provider and the tools it reported.
type entry struct {
	provider    Provider
	descriptors []Descriptor
	schemas     map[string]*jsonschema.Schema
}

// Registry maps tool names to providers. Providers are kept in the
// order they were first discovered and lookups scan them in that
// order, so when two providers advertise the same tool name the
// earlier one wins.
type Registry struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	entries []*entry
}

// NewRegistry creates an empty registry. A non-positive timeout uses
// [DefaultDiscoveryTimeout].
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Discover asks p for its tools and records them. A provider that was
// discovered before keeps its position and has its descriptors
// replaced. Failure leaves every other provider untouched.
func (r *Registry) Discover(ctx context.Context, p Provider) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	descs, err := p.ListTools(ctx)
	if err != nil {
		r.logger.Warn("tool discovery failed", "provider", p.Name(), "error", err)
		return &DiscoveryFailedError{Provider: p.Name(), Err: err}
	}

	e := &entry{
		provider:    p,
		descriptors: descs,
		schemas:     make(map[string]*jsonschema.Schema, len(descs)),
	}
	for _, d := range descs {
		sch, err := compileSchema(d)
		if err != nil {
			r.logger.Warn("tool input schema did not compile, arguments will not be validated",
				"provider", p.Name(),
				"tool", d.Name,
				"error", err,
			)
			continue
		}
		if sch != nil {
			e.schemas[d.Name] = sch
		}
	}

	r.mu.Lock()
	replaced := false
	for i, existing := range r.entries {
		if existing.provider.Name() == p.Name() {
			r.entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		r.entries = append(r.entries, e)
	}
	r.mu.Unlock()

	r.logger.Info("tools discovered",
		"provider", p.Name(),
		"tools", len(descs),
		"rediscovered", replaced,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Resolve returns the provider serving the named tool.
func (r *Registry) Resolve(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		for _, d := range e.descriptors {
			if d.Name == name {
				return e.provider, true
			}
		}
	}
	return nil, false
}

// Has reports whether any provider advertises the named tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// AllDescriptors returns every known descriptor in discovery order.
// Duplicate names are included as reported; [Registry.Resolve]
// decides which one is served.
func (r *Registry) AllDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, e := range r.entries {
		out = append(out, e.descriptors...)
	}
	return out
}

// ResolvedDescriptors returns one descriptor per tool name, in discovery
// order. For a duplicated name it keeps the descriptor of the provider
// [Registry.Resolve] would pick.
func (r *Registry) ResolvedDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []Descriptor
	for _, e := range r.entries {
		for _, d := range e.descriptors {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out
}

// Providers returns the discovered provider names in discovery order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.provider.Name()
	}
	return names
}

// Remove drops a provider and its tools. It reports whether the
// provider was known.
func (r *Registry) Remove(providerName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.provider.Name() == providerName {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// ValidateArguments checks args against the input schema of the tool
// that [Registry.Resolve] would pick. Arguments must be a JSON object.
// Tools without a usable schema accept any object.
func (r *Registry) ValidateArguments(name string, args json.RawMessage) error {
	inst, err := decodeArguments(args)
	if err != nil {
		return err
	}

	r.mu.RLock()
	var sch *jsonschema.Schema
	found := false
	for _, e := range r.entries {
		for _, d := range e.descriptors {
			if d.Name == name {
				sch = e.schemas[name]
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	r.mu.RUnlock()

	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if sch == nil {
		return nil
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}
