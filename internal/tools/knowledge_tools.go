package tools

import (
	"context"
	"fmt"
)

// KnowledgeMiss is the fixed tool result text for a query that finds
// nothing relevant. Repeating the same miss query yields the same
// result.
const KnowledgeMiss = "No relevant information found in the knowledge base."

// KnowledgeLookup is the subset of the knowledge searcher the registry
// needs. A nil result means no passage cleared the relevance floor.
type KnowledgeLookup interface {
	LookupText(ctx context.Context, query string) (string, error)
}

// RegisterKnowledgeTool registers the in-process semantic search tool.
func (r *Registry) RegisterKnowledgeTool(kb KnowledgeLookup) {
	r.Register(&Tool{
		Name:        NameSearchKnowledge,
		Description: "Search the knowledge base for best practices on efficient and sustainable AI infrastructure",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}

			text, err := kb.LookupText(ctx, query)
			if err != nil {
				return "", fmt.Errorf("knowledge lookup: %w", err)
			}
			if text == "" {
				return KnowledgeMiss, nil
			}
			return text, nil
		},
	})
}
