package tools

import (
	"context"
	"fmt"
	"strings"
)

// HostCaller is the subset of the tool-host client the registry needs.
type HostCaller interface {
	HasTool(ctx context.Context, name string) (bool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// HighImpact reports whether an instance type is classified as a
// high-performance resource requiring explicit approval.
func HighImpact(instanceType string) bool {
	return strings.Contains(strings.ToLower(instanceType), "gpu")
}

// RegisterHostTools registers the tools served by the external tool
// host. Each handler verifies the tool is in the host's advertised
// catalog before invoking it.
func (r *Registry) RegisterHostTools(host HostCaller) {
	r.Register(&Tool{
		Name:        NameCarbonFootprint,
		Description: "Calculates CO2 emissions for cloud instances",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"instance_type": map[string]any{"type": "string"},
				"hours":         map[string]any{"type": "integer"},
			},
			"required": []string{"instance_type", "hours"},
		},
		Handler: hostHandler(host, NameCarbonFootprint),
	})

	r.Register(&Tool{
		Name:        NameDeployInstance,
		Description: "Actually deploy a cloud instance. REQUIRES APPROVAL for High Performance types.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"instance_type": map[string]any{"type": "string"},
				"hours":         map[string]any{"type": "integer"},
			},
			"required": []string{"instance_type"},
		},
		Handler: hostHandler(host, NameDeployInstance),
	})
}

func hostHandler(host HostCaller, name string) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		ok, err := host.HasTool(ctx, name)
		if err != nil {
			return "", fmt.Errorf("query tool host catalog: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("tool host does not advertise %q", name)
		}
		return host.CallTool(ctx, name, args)
	}
}
