// Package registry holds the named tool capabilities presented to the
// model. A tool is a descriptor (name, description, input schema) plus an
// executor; specialists receive only the subset of tools they need.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Property describes one field of a tool's input schema. The schema is
// advisory, published to the model for its benefit; executors do their own
// validation of anything they depend on.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Schema is a JSON-Schema-shaped object description.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ObjectSchema builds an object schema with the given required fields.
func ObjectSchema(props map[string]Property, required ...string) Schema {
	return Schema{Type: "object", Properties: props, Required: required}
}

// Handler executes a tool call. Results must be JSON-serializable.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is one named capability.
type Tool struct {
	Name        string
	Description string
	Input       Schema
	// ReadOnly tools gather context and may be invoked outside the loop
	// without an Action record; everything else is side-effecting.
	ReadOnly bool
	Run      Handler
}

// Descriptor is the model-facing view of a tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"input_schema"`
}

// Registry is a named set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are unique; re-registering is an error.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Run == nil {
		return fmt.Errorf("register tool %s: handler is required", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister panics on registration failure. Used at startup where a
// duplicate name is a programming error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subset returns the registered tools for the given names, preserving
// order, plus the names that did not resolve.
func (r *Registry) Subset(names []string) ([]Tool, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		tools   []Tool
		missing []string
	)
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			tools = append(tools, t)
		} else {
			missing = append(missing, name)
		}
	}
	return tools, missing
}

// Descriptors returns the model-facing view of the given tools.
func Descriptors(tools []Tool) []Descriptor {
	out := make([]Descriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.Input})
	}
	return out
}

// ReadOnly filters to context-gathering tools.
func ReadOnly(tools []Tool) []Tool {
	var out []Tool
	for _, t := range tools {
		if t.ReadOnly {
			out = append(out, t)
		}
	}
	return out
}

// Writable filters to side-effecting tools.
func Writable(tools []Tool) []Tool {
	var out []Tool
	for _, t := range tools {
		if !t.ReadOnly {
			out = append(out, t)
		}
	}
	return out
}
