package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"ResearchWriter/internal/domain"
)

// Registry maps tool names to implementations. It is read-only once built,
// so concurrent loops may share it.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool; names must be unique.
func (r *Registry) Register(tool Tool) error {
	if r.tools == nil {
		r.tools = map[string]Tool{}
	}
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// MustRegister panics on duplicate names; used during wiring.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Resolve returns a tool by name or a *domain.ToolNotFoundError.
func (r *Registry) Resolve(name string) (Tool, error) {
	if tool, ok := r.tools[name]; ok {
		return tool, nil
	}
	return nil, &domain.ToolNotFoundError{Name: name}
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns a registry restricted to names. Every name must exist.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	sub := NewRegistry()
	for _, name := range names {
		tool, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		if err := sub.Register(tool); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// Schemas describes the tools for the provider, in sorted order.
func (r *Registry) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, name := range r.Names() {
		tool := r.tools[name]
		schemas = append(schemas, domain.ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.InputSchema(),
		})
	}
	return schemas
}

// Execute resolves and runs a tool. Failures come back as
// *domain.ToolNotFoundError or *domain.ToolExecutionError.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	tool, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	out, err := tool.Execute(ctx, input)
	if err != nil {
		return nil, &domain.ToolExecutionError{Tool: name, Err: err}
	}
	return out, nil
}
