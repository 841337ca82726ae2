package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vigil-agent/vigil/internal/store"
)

// memTasks is an in-memory TaskRegistry for tests.
type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*store.BackgroundTask
	next  int
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[string]*store.BackgroundTask)}
}

func (m *memTasks) CreateTask(toolName, input string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("task-%d", m.next)
	m.tasks[id] = &store.BackgroundTask{
		ID:        id,
		ToolName:  toolName,
		Input:     input,
		Status:    store.TaskRunning,
		CreatedAt: time.Now(),
	}
	return id, nil
}

func (m *memTasks) CompleteTask(id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.Status == store.TaskRunning {
		now := time.Now()
		t.Status = store.TaskCompleted
		t.Result = result
		t.CompletedAt = &now
	}
	return nil
}

func (m *memTasks) FailTask(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.Status == store.TaskRunning {
		now := time.Now()
		t.Status = store.TaskFailed
		t.Error = errMsg
		t.CompletedAt = &now
	}
	return nil
}

func (m *memTasks) GetTask(id string) (*store.BackgroundTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func testRegistry() (*Registry, *memTasks) {
	tasks := newMemTasks()
	return NewRegistry(tasks, slog.New(slog.DiscardHandler)), tasks
}

func TestExecuteUnknownTool(t *testing.T) {
	r, _ := testRegistry()
	got := r.Execute(context.Background(), "no_such_tool", "{}")
	if got != "Error: unknown tool: no_such_tool" {
		t.Errorf("Execute() = %q", got)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	r, _ := testRegistry()
	r.Register(&Tool{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("it broke")
		},
	})

	got := r.Execute(context.Background(), "broken", "{}")
	if got != "Error: it broke" {
		t.Errorf("Execute() = %q", got)
	}
}

func TestExecutePanicBecomesErrorString(t *testing.T) {
	r, _ := testRegistry()
	r.Register(&Tool{
		Name: "explosive",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("boom")
		},
	})

	got := r.Execute(context.Background(), "explosive", "{}")
	if got != "Error: tool explosive panicked: boom" {
		t.Errorf("Execute() = %q", got)
	}
}

func TestExecuteMalformedArgsStillDispatches(t *testing.T) {
	r, _ := testRegistry()
	var seen map[string]any
	r.Register(&Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			seen = args
			return "ok", nil
		},
	})

	if got := r.Execute(context.Background(), "echo", "total garbage {{{"); got != "ok" {
		t.Errorf("Execute() = %q", got)
	}
	if len(seen) != 0 {
		t.Errorf("irrecoverable args should fall back to empty object, got %v", seen)
	}
}

func TestBackgroundMode(t *testing.T) {
	r, tasks := testRegistry()
	release := make(chan struct{})
	r.Register(&Tool{
		Name:           "slow",
		Backgroundable: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-release
			return "slow done", nil
		},
	})

	got := r.Execute(context.Background(), "slow", `{"background": true}`)

	var envelope map[string]string
	if err := json.Unmarshal([]byte(got), &envelope); err != nil {
		t.Fatalf("background result not JSON: %q", got)
	}
	taskID := envelope["task_id"]
	if taskID == "" {
		t.Fatalf("no task_id in %q", got)
	}

	task, ok, _ := tasks.GetTask(taskID)
	if !ok || task.Status != store.TaskRunning {
		t.Fatalf("task not running after backgrounding: %+v", task)
	}

	close(release)
	waitForStatus(t, tasks, taskID, store.TaskCompleted)

	task, _, _ = tasks.GetTask(taskID)
	if task.Result != "slow done" {
		t.Errorf("task result = %q", task.Result)
	}
}

func TestBackgroundModeFailure(t *testing.T) {
	r, tasks := testRegistry()
	r.Register(&Tool{
		Name:           "doomed",
		Backgroundable: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("nope")
		},
	})

	got := r.Execute(context.Background(), "doomed", `{"background": true}`)
	var envelope map[string]string
	if err := json.Unmarshal([]byte(got), &envelope); err != nil {
		t.Fatalf("background result not JSON: %q", got)
	}

	waitForStatus(t, tasks, envelope["task_id"], store.TaskFailed)
	task, _, _ := tasks.GetTask(envelope["task_id"])
	if task.Error != "nope" {
		t.Errorf("task error = %q", task.Error)
	}
}

func TestTimedModeWorkWins(t *testing.T) {
	r, tasks := testRegistry()
	r.Register(&Tool{
		Name:           "quick",
		Backgroundable: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "fast result", nil
		},
	})

	got := r.Execute(context.Background(), "quick", `{"timeout": 5000}`)
	if got != "fast result" {
		t.Errorf("Execute() = %q, want inline result when work wins", got)
	}

	// The task row still reaches completed.
	tasks.mu.Lock()
	var taskID string
	for id := range tasks.tasks {
		taskID = id
	}
	tasks.mu.Unlock()
	waitForStatus(t, tasks, taskID, store.TaskCompleted)
}

func TestTimedModeTimeoutWins(t *testing.T) {
	r, tasks := testRegistry()
	release := make(chan struct{})
	r.Register(&Tool{
		Name:           "glacial",
		Backgroundable: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-release
			return "eventually", nil
		},
	})

	start := time.Now()
	got := r.Execute(context.Background(), "glacial", `{"timeout": 100}`)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed dispatch took %v, want ~100ms", elapsed)
	}

	var envelope map[string]string
	if err := json.Unmarshal([]byte(got), &envelope); err != nil {
		t.Fatalf("timeout result not JSON: %q", got)
	}
	if envelope["message"] != "Timeout exceeded, backgrounded" {
		t.Errorf("message = %q", envelope["message"])
	}

	task, ok, _ := tasks.GetTask(envelope["task_id"])
	if !ok || task.Status != store.TaskRunning {
		t.Fatalf("task should still be running: %+v", task)
	}

	// The abandoned work still completes the row.
	close(release)
	waitForStatus(t, tasks, envelope["task_id"], store.TaskCompleted)
	task, _, _ = tasks.GetTask(envelope["task_id"])
	if task.Result != "eventually" {
		t.Errorf("late result = %q", task.Result)
	}
}

func TestNonBackgroundableIgnoresModes(t *testing.T) {
	r, tasks := testRegistry()
	r.Register(&Tool{
		Name: "inline_only",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "inline", nil
		},
	})

	got := r.Execute(context.Background(), "inline_only", `{"background": true}`)
	if got != "inline" {
		t.Errorf("Execute() = %q", got)
	}
	if len(tasks.tasks) != 0 {
		t.Errorf("no task rows expected, got %d", len(tasks.tasks))
	}
}

func TestListAdvertisesFunctions(t *testing.T) {
	r, _ := testRegistry()
	list := r.List()
	if len(list) < 2 {
		t.Fatalf("expected at least the task tools, got %d", len(list))
	}
	for _, entry := range list {
		if entry["type"] != "function" {
			t.Errorf("advertisement type = %v", entry["type"])
		}
		fn, ok := entry["function"].(map[string]any)
		if !ok || fn["name"] == "" {
			t.Errorf("malformed advertisement: %v", entry)
		}
	}
}

func waitForStatus(t *testing.T, tasks *memTasks, id, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		task, ok, _ := tasks.GetTask(id)
		if ok && task.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached %s (now %+v)", id, want, task)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
