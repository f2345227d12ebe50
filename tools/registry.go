package tools

import (
	"fmt"
	"sort"
	"sync"

	"google.golang.org/genai"
)

// Registry manages tool registration and lookup.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds or replaces a tool in the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the names of all registered tools, sorted.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name()
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// IsMutator reports whether the named tool has a mutating kind. Unknown
// tools are not mutators.
func (r *Registry) IsMutator(name string) bool {
	t, ok := r.Get(name)
	return ok && t.Kind().IsMutator()
}

// Declarations returns the function declarations sent to the model.
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	all := r.All()
	decls := make([]*genai.FunctionDeclaration, 0, len(all))
	for _, t := range all {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  ToGenaiSchema(t.Schema()),
		})
	}
	return decls
}

// GenaiTools wraps Declarations for a GenerateContentConfig.
func (r *Registry) GenaiTools() []*genai.Tool {
	decls := r.Declarations()
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// ValidateArgs checks args against the named tool's schema.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tool %q not found in registry", name)
	}
	return ValidateArgs(name, t.Schema(), args)
}

// CyclicSchemaTools returns the names of tools whose argument schema
// contains a $ref cycle. Such schemas are a common cause of the API
// rejecting a request as an invalid argument.
func (r *Registry) CyclicSchemaTools() []string {
	var names []string
	for _, t := range r.All() {
		if HasCyclicRef(t.Schema()) {
			names = append(names, t.Name())
		}
	}
	return names
}

// Clone returns a registry holding the same tools.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewRegistry()
	for name, t := range r.tools {
		clone.tools[name] = t
	}
	return clone
}
