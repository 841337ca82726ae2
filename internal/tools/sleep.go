package tools

import (
	"context"
	"fmt"
	"time"
)

// sleepProbeInterval is the cadence at which sleep consults the
// interrupt probe. Keeping it sub-second is what lets a user message
// reach the agent promptly while a long sleep is in flight.
const sleepProbeInterval = 100 * time.Millisecond

// maxSleep caps a single sleep call.
const maxSleep = time.Hour

// RegisterSleep adds the interruptible sleep tool.
func (r *Registry) RegisterSleep() {
	r.Register(&Tool{
		Name:        "sleep",
		Description: "Pause for a number of seconds. Wakes early if new user input arrives.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{
					"type":        "number",
					"description": "How long to sleep, in seconds",
				},
			},
			"required": []string{"seconds"},
		},
		Backgroundable: true,
		Handler:        handleSleep,
	})
}

func handleSleep(ctx context.Context, args map[string]any) (string, error) {
	seconds, ok := args["seconds"].(float64)
	if !ok || seconds <= 0 {
		return "", fmt.Errorf("seconds must be a positive number")
	}

	total := time.Duration(seconds * float64(time.Second))
	if total > maxSleep {
		total = maxSleep
	}

	start := time.Now()
	ticker := time.NewTicker(sleepProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Sprintf("Sleep cancelled after %s.", time.Since(start).Round(sleepProbeInterval)), nil
		case <-ticker.C:
			if Interrupted(ctx) {
				return fmt.Sprintf("Sleep interrupted after %s: new user input is pending.",
					time.Since(start).Round(sleepProbeInterval)), nil
			}
			if time.Since(start) >= total {
				return fmt.Sprintf("Slept %s.", total), nil
			}
		}
	}
}
