package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/vigil-agent/vigil/internal/store"
)

func TestTaskStatusRunningThenCompleted(t *testing.T) {
	r, tasks := testRegistry()
	id, _ := tasks.CreateTask("terminal", "{}")

	got := r.Execute(context.Background(), "task_status", `{"task_id":"`+id+`"}`)
	var env taskEnvelope
	if err := json.Unmarshal([]byte(got), &env); err != nil {
		t.Fatalf("not JSON: %q", got)
	}
	if env.Status != store.TaskRunning {
		t.Errorf("status = %q, want running", env.Status)
	}

	if err := tasks.CompleteTask(id, "all done"); err != nil {
		t.Fatal(err)
	}

	got = r.Execute(context.Background(), "task_status", `{"task_id":"`+id+`"}`)
	if err := json.Unmarshal([]byte(got), &env); err != nil {
		t.Fatalf("not JSON: %q", got)
	}
	if env.Status != store.TaskCompleted || env.Result != "all done" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestTaskStatusUnknownID(t *testing.T) {
	r, _ := testRegistry()
	got := r.Execute(context.Background(), "task_status", `{"task_id":"ghost"}`)
	if !strings.HasPrefix(got, "Error:") {
		t.Errorf("Execute() = %q", got)
	}
}

func TestTaskWaitReturnsOnCompletion(t *testing.T) {
	r, tasks := testRegistry()
	id, _ := tasks.CreateTask("terminal", "{}")

	time.AfterFunc(250*time.Millisecond, func() {
		_ = tasks.CompleteTask(id, "late but here")
	})

	start := time.Now()
	got := r.Execute(context.Background(), "task_wait", `{"task_id":"`+id+`"}`)
	elapsed := time.Since(start)

	var env taskEnvelope
	if err := json.Unmarshal([]byte(got), &env); err != nil {
		t.Fatalf("not JSON: %q", got)
	}
	if env.Status != store.TaskCompleted || env.Result != "late but here" {
		t.Errorf("envelope = %+v", env)
	}
	if elapsed > 2*time.Second {
		t.Errorf("wait took %v, want under 2s for a completion at 250ms", elapsed)
	}
}

func TestTaskWaitTimesOutWithRunningEnvelope(t *testing.T) {
	r, tasks := testRegistry()
	id, _ := tasks.CreateTask("terminal", "{}")

	start := time.Now()
	got := r.Execute(context.Background(), "task_wait", `{"task_id":"`+id+`","timeout_ms":200}`)
	elapsed := time.Since(start)

	var env taskEnvelope
	if err := json.Unmarshal([]byte(got), &env); err != nil {
		t.Fatalf("not JSON: %q", got)
	}
	if env.Status != store.TaskRunning {
		t.Errorf("status = %q, want running envelope on timeout", env.Status)
	}
	if elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("wait took %v, want ~200ms", elapsed)
	}
}
