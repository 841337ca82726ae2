package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// taskPollInterval is how often task_wait re-reads the task row.
const taskPollInterval = 100 * time.Millisecond

// defaultWaitBudget bounds task_wait when no timeout_ms is given.
const defaultWaitBudget = 30 * time.Second

func (r *Registry) registerTaskTools() {
	r.Register(&Tool{
		Name:        "task_status",
		Description: "Check the status of a background task. Returns status plus result or error when the task has finished.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID returned when the work was backgrounded",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleTaskStatus,
	})

	r.Register(&Tool{
		Name:        "task_wait",
		Description: "Wait for a background task to finish. Polls until the task reaches a terminal state or the timeout elapses (default 30s), then returns its status.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID to wait for",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Maximum time to wait in milliseconds (default 30000)",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleTaskWait,
	})
}

// taskEnvelope is the JSON shape returned by the polling tools.
type taskEnvelope struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r *Registry) taskSnapshot(id string) (string, error) {
	task, ok, err := r.tasks.GetTask(id)
	if err != nil {
		return "", fmt.Errorf("look up task: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("no task with id %s", id)
	}

	out, err := json.Marshal(taskEnvelope{
		TaskID: task.ID,
		Status: task.Status,
		Result: task.Result,
		Error:  task.Error,
	})
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(out), nil
}

func (r *Registry) handleTaskStatus(ctx context.Context, args map[string]any) (string, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}
	return r.taskSnapshot(taskID)
}

func (r *Registry) handleTaskWait(ctx context.Context, args map[string]any) (string, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}

	budget := defaultWaitBudget
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		budget = time.Duration(ms) * time.Millisecond
	}

	deadline := time.Now().Add(budget)
	for {
		task, ok, err := r.tasks.GetTask(taskID)
		if err != nil {
			return "", fmt.Errorf("look up task: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("no task with id %s", taskID)
		}
		if task.Status != "running" || time.Now().After(deadline) {
			return r.taskSnapshot(taskID)
		}

		select {
		case <-ctx.Done():
			return r.taskSnapshot(taskID)
		case <-time.After(taskPollInterval):
		}
	}
}
