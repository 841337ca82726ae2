package search

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolHandler returns a function compatible with the tools.Tool Handler
// signature, wrapping a provider for use as the web_search tool.
func ToolHandler(p Provider) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("web_search: query is required")
		}

		opts := Options{}
		if count, ok := args["count"].(float64); ok && count > 0 {
			opts.Count = int(count)
		}
		if lang, ok := args["language"].(string); ok {
			opts.Language = lang
		}

		results, err := p.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}

		// Return JSON for structured consumption by the agent.
		out, err := json.Marshal(results)
		if err != nil {
			return FormatResults(results, len(results)), nil
		}
		return string(out), nil
	}
}

// ToolDefinition returns the JSON Schema parameters for the web_search
// tool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query string.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return (1-10). Default: 5.",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
			},
		},
		"required": []string{"query"},
	}
}
