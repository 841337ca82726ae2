// Package tools defines the tools available to the agent and the
// dispatch contract: every tool is invoked by name with a JSON argument
// object and returns a text result, or an error string prefixed
// "Error:". Tool failures are never fatal — they are delivered to the
// model as ordinary tool results so it can adapt.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-agent/vigil/internal/store"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`

	// Backgroundable tools honor the background/timeout invocation
	// modes; their remaining work keeps running after dispatch returns
	// and lands in the task registry.
	Backgroundable bool `json:"-"`
}

// TaskRegistry is the subset of the record store the dispatcher needs
// for background tasks.
type TaskRegistry interface {
	CreateTask(toolName, input string) (string, error)
	CompleteTask(id, result string) error
	FailTask(id, errMsg string) error
	GetTask(id string) (*store.BackgroundTask, bool, error)
}

// Registry holds the available tools and the task registry behind the
// background/timed invocation modes.
type Registry struct {
	tools  map[string]*Tool
	tasks  TaskRegistry
	logger *slog.Logger
}

// NewRegistry creates a tool registry. The task polling tools
// (task_status, task_wait) are registered automatically.
func NewRegistry(tasks TaskRegistry, logger *slog.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		tasks:  tasks,
		logger: logger,
	}
	r.registerTaskTools()
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns the tool advertisement for the model.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
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

// Execute runs a tool by name with raw JSON arguments and returns its
// text result. Unknown tools, handler errors, and panics all come back
// as "Error:" strings; malformed arguments are repaired, or replaced by
// an empty object, and the tool is still dispatched — dispatch never
// raises.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("Error: tool %s panicked: %v", name, rec)
		}
	}()

	tool := r.tools[name]
	if tool == nil {
		return fmt.Sprintf("Error: unknown tool: %s", name)
	}

	args := RepairArgs(argsJSON)

	if tool.Backgroundable {
		if bg, _ := args["background"].(bool); bg {
			delete(args, "background")
			return r.runBackground(ctx, tool, args)
		}
		if timeoutMS, ok := args["timeout"].(float64); ok && timeoutMS > 0 {
			delete(args, "timeout")
			return r.runTimed(ctx, tool, args, time.Duration(timeoutMS)*time.Millisecond)
		}
	}

	out, err := tool.Handler(ctx, args)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

// runBackground creates a task row, spawns the work, and returns the
// task id immediately. The spawned work updates the row when it
// finishes.
func (r *Registry) runBackground(ctx context.Context, tool *Tool, args map[string]any) string {
	input, _ := json.Marshal(args)
	taskID, err := r.tasks.CreateTask(tool.Name, string(input))
	if err != nil {
		return "Error: create background task: " + err.Error()
	}

	// The work outlives this dispatch; detach from its cancellation.
	workCtx := context.WithoutCancel(ctx)
	go r.finishTask(workCtx, tool, args, taskID)

	envelope, _ := json.Marshal(map[string]string{"task_id": taskID})
	return string(envelope)
}

// runTimed races the work against the timeout. If the work wins, the
// result is returned inline; if the timeout wins, the work keeps
// running and the caller gets a backgrounded-task envelope.
func (r *Registry) runTimed(ctx context.Context, tool *Tool, args map[string]any, timeout time.Duration) string {
	input, _ := json.Marshal(args)
	taskID, err := r.tasks.CreateTask(tool.Name, string(input))
	if err != nil {
		return "Error: create background task: " + err.Error()
	}

	workCtx := context.WithoutCancel(ctx)
	done := make(chan string, 1)
	go func() {
		done <- r.finishTask(workCtx, tool, args, taskID)
	}()

	select {
	case out := <-done:
		return out
	case <-time.After(timeout):
		envelope, _ := json.Marshal(map[string]string{
			"task_id": taskID,
			"message": "Timeout exceeded, backgrounded",
		})
		return string(envelope)
	}
}

// finishTask runs the handler and records the outcome on the task row.
// Terminal task states are final, so a late completion after a timeout
// race is still recorded exactly once.
func (r *Registry) finishTask(ctx context.Context, tool *Tool, args map[string]any, taskID string) string {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("background tool panicked", "tool", tool.Name, "panic", rec)
			_ = r.tasks.FailTask(taskID, fmt.Sprintf("tool panicked: %v", rec))
		}
	}()

	out, err := tool.Handler(ctx, args)
	if err != nil {
		if ferr := r.tasks.FailTask(taskID, err.Error()); ferr != nil {
			r.logger.Error("record task failure", "task", taskID, "error", ferr)
		}
		return "Error: " + err.Error()
	}
	if cerr := r.tasks.CompleteTask(taskID, out); cerr != nil {
		r.logger.Error("record task completion", "task", taskID, "error", cerr)
	}
	return out
}
