package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not in the registry. This is a capability mismatch, not a
// transient execution failure; callers should reject the request
// rather than retry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
