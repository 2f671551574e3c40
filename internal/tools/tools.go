// Package tools defines the tool catalog offered to the completion
// provider and dispatches tool invocations.
package tools

import (
	"context"
	"fmt"
)

// Tool names as declared to the provider.
const (
	NameCarbonFootprint = "calculate_carbon_footprint"
	NameDeployInstance  = "deploy_instance"
	NameSearchKnowledge = "search_knowledge_base"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds the available tools in registration order.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	return r.tools[name] != nil
}

// List returns the catalog in the provider's function-declaration
// format, in registration order.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name. Arguments are coerced to the declared
// schema types first.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	return tool.Handler(ctx, CoerceArguments(tool.Parameters, args))
}

// CoerceArguments aligns loosely-typed provider arguments with the
// declared schema. Models frequently send integers as floats or
// quoted strings.
func CoerceArguments(schema, args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return args
	}

	coerced := make(map[string]any, len(args))
	for key, val := range args {
		prop, _ := props[key].(map[string]any)
		if prop == nil {
			coerced[key] = val
			continue
		}
		switch prop["type"] {
		case "integer":
			coerced[key] = coerceInt(val)
		case "string":
			coerced[key] = fmt.Sprintf("%v", val)
		default:
			coerced[key] = val
		}
	}
	return coerced
}

func coerceInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i
		}
	}
	return 0
}
