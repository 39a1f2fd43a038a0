// Package tools provides the tool registry and the generation of
// callable tools from an API collection document.
package tools

import (
	"context"
	"log/slog"
	"sync"
)

// Tool represents a callable tool. Tools are immutable after generation;
// invocation is the only external side effect in the turn loop.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// Handler executes the tool. authToken is the caller's bearer
	// credential, forwarded to the upstream API.
	Handler func(ctx context.Context, args map[string]any, authToken string) (string, error) `json:"-"`
}

// Registry holds the tools available to a session.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string // registration order, for deterministic schemas
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry. Re-registering a name replaces
// the previous tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil if absent.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// AllToolNames returns the registered tool names in registration order.
func (r *Registry) AllToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// All returns every registered tool in registration order.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Resolve returns the tools whose names appear in include, preserving
// registration order. A nil or empty include returns all tools. If every
// requested name is unknown, Resolve falls back to all tools rather than
// presenting the model with nothing: a filter narrows the tool set, it
// never excludes it entirely.
func (r *Registry) Resolve(include []string) []*Tool {
	if len(include) == 0 {
		return r.All()
	}

	want := make(map[string]struct{}, len(include))
	for _, name := range include {
		want[name] = struct{}{}
	}

	r.mu.RLock()
	var out []*Tool
	for _, name := range r.order {
		if _, ok := want[name]; ok {
			out = append(out, r.tools[name])
		}
	}
	r.mu.RUnlock()

	if len(out) == 0 {
		r.logger.Warn("tool filter matched nothing, falling back to full tool set",
			"requested", include,
			"available", r.Len(),
		)
		return r.All()
	}
	return out
}

// Schemas converts tools to the provider's function-calling format.
func Schemas(tools []*Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, authToken string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	return tool.Handler(ctx, args, authToken)
}

// Infos returns name/description pairs for every tool, in registration
// order. Used to index the collection with the relevance service.
func (r *Registry) Infos() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, ToolInfo{Name: name, Description: r.tools[name].Description})
	}
	return out
}

// ToolInfo is the minimal tool descriptor shared with the relevance service.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
