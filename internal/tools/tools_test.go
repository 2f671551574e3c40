package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeHost records calls and returns canned results per tool.
type fakeHost struct {
	catalog map[string]bool
	results map[string]string
	err     error
	calls   []string
	lastArg map[string]any
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		catalog: map[string]bool{
			NameCarbonFootprint: true,
			NameDeployInstance:  true,
		},
		results: map[string]string{
			NameCarbonFootprint: "12.00 kg",
			NameDeployInstance:  "DEPLOYMENT_INITIATED",
		},
	}
}

func (f *fakeHost) HasTool(ctx context.Context, name string) (bool, error) {
	return f.catalog[name], nil
}

func (f *fakeHost) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	f.lastArg = args
	if f.err != nil {
		return "", f.err
	}
	return f.results[name], nil
}

type fakeKB struct {
	text string
	err  error
}

func (f *fakeKB) LookupText(ctx context.Context, query string) (string, error) {
	return f.text, f.err
}

func fullRegistry(host *fakeHost, kb *fakeKB) *Registry {
	r := NewRegistry()
	r.RegisterHostTools(host)
	r.RegisterKnowledgeTool(kb)
	return r
}

func TestListFormat(t *testing.T) {
	r := fullRegistry(newFakeHost(), &fakeKB{})

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("got %d tools, want 3", len(list))
	}

	first := list[0]
	if first["type"] != "function" {
		t.Errorf("type = %v", first["type"])
	}
	fn, _ := first["function"].(map[string]any)
	if fn["name"] != NameCarbonFootprint {
		t.Errorf("first tool = %v, want %s", fn["name"], NameCarbonFootprint)
	}
}

func TestExecuteCarbonFootprint(t *testing.T) {
	host := newFakeHost()
	r := fullRegistry(host, &fakeKB{})

	got, err := r.Execute(context.Background(), NameCarbonFootprint, map[string]any{
		"instance_type": "gpu.large",
		"hours":         float64(10), // providers send JSON numbers as floats
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "12.00 kg" {
		t.Errorf("got %q", got)
	}
	if host.lastArg["hours"] != 10 {
		t.Errorf("hours not coerced to int: %T %v", host.lastArg["hours"], host.lastArg["hours"])
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := fullRegistry(newFakeHost(), &fakeKB{})

	_, err := r.Execute(context.Background(), "format_disk", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
	if unavailable.ToolName != "format_disk" {
		t.Errorf("tool name = %q", unavailable.ToolName)
	}
}

func TestExecuteHostMissingFromCatalog(t *testing.T) {
	host := newFakeHost()
	host.catalog[NameDeployInstance] = false
	r := fullRegistry(host, &fakeKB{})

	_, err := r.Execute(context.Background(), NameDeployInstance, map[string]any{
		"instance_type": "t3.medium",
	})
	if err == nil {
		t.Fatal("expected error when host does not advertise the tool")
	}
	if len(host.calls) != 0 {
		t.Error("host should not have been invoked")
	}
}

func TestExecuteHostFailure(t *testing.T) {
	host := newFakeHost()
	host.err = errors.New("subprocess exited")
	r := fullRegistry(host, &fakeKB{})

	_, err := r.Execute(context.Background(), NameCarbonFootprint, map[string]any{
		"instance_type": "t3.medium", "hours": 1,
	})
	if err == nil {
		t.Fatal("expected error from failing host")
	}
}

func TestExecuteKnowledgeHit(t *testing.T) {
	r := fullRegistry(newFakeHost(), &fakeKB{text: "Quantization lowers memory usage."})

	got, err := r.Execute(context.Background(), NameSearchKnowledge, map[string]any{
		"query": "how do I reduce inference cost",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(got, "Quantization") {
		t.Errorf("got %q", got)
	}
}

func TestExecuteKnowledgeMiss(t *testing.T) {
	r := fullRegistry(newFakeHost(), &fakeKB{})

	got, err := r.Execute(context.Background(), NameSearchKnowledge, map[string]any{
		"query": "anything",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != KnowledgeMiss {
		t.Errorf("got %q, want fixed miss text", got)
	}

	// Misses are idempotent.
	again, _ := r.Execute(context.Background(), NameSearchKnowledge, map[string]any{
		"query": "anything",
	})
	if again != got {
		t.Error("repeated miss produced a different result")
	}
}

func TestExecuteKnowledgeEmptyQuery(t *testing.T) {
	r := fullRegistry(newFakeHost(), &fakeKB{})

	if _, err := r.Execute(context.Background(), NameSearchKnowledge, nil); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestHighImpact(t *testing.T) {
	tests := []struct {
		instance string
		want     bool
	}{
		{"gpu.large", true},
		{"GPU.XLARGE", true},
		{"multi-gpu-cluster", true},
		{"t3.medium", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := HighImpact(tc.instance); got != tc.want {
			t.Errorf("HighImpact(%q) = %v, want %v", tc.instance, got, tc.want)
		}
	}
}

func TestCoerceArguments(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"instance_type": map[string]any{"type": "string"},
			"hours":         map[string]any{"type": "integer"},
		},
	}

	tests := []struct {
		name string
		in   map[string]any
		want int
	}{
		{"float hours", map[string]any{"hours": float64(48)}, 48},
		{"string hours", map[string]any{"hours": "48"}, 48},
		{"int hours", map[string]any{"hours": 48}, 48},
		{"garbage hours", map[string]any{"hours": "soon"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CoerceArguments(schema, tc.in)
			if got["hours"] != tc.want {
				t.Errorf("hours = %v, want %d", got["hours"], tc.want)
			}
		})
	}

	if got := CoerceArguments(schema, nil); got == nil {
		t.Error("nil args should coerce to empty map")
	}
}
