package tools

import (
	"context"
	"fmt"

	"github.com/vigil-agent/vigil/internal/bus"
	"github.com/vigil-agent/vigil/internal/store"
)

// NotableStore is the subset of the record store the notable tool
// writes to.
type NotableStore interface {
	AppendNotable(label, content, reason string, messageID int64) (*store.Notable, error)
}

// RegisterNotable adds the tool the agent uses to surface highlights
// to the operator, distinct from the raw log.
func (r *Registry) RegisterNotable(st NotableStore, b *bus.Bus) {
	r.Register(&Tool{
		Name:        "notable",
		Description: "Record a notable finding or milestone for the operator. Use sparingly, for things worth surfacing above the raw transcript.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"description": "Short headline for the notable",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The notable finding itself",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "Optional: why this matters",
				},
			},
			"required": []string{"label", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			label, _ := args["label"].(string)
			content, _ := args["content"].(string)
			reason, _ := args["reason"].(string)
			if label == "" || content == "" {
				return "", fmt.Errorf("label and content are required")
			}

			n, err := st.AppendNotable(label, content, reason, 0)
			if err != nil {
				return "", fmt.Errorf("record notable: %w", err)
			}
			b.Publish(bus.Event{Type: bus.TypeNotable, Data: n})

			return fmt.Sprintf("Noted: %s", label), nil
		},
	})
}
