package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/workflow"
)

func execution(id string, status engine.ExecutionStatus, created time.Time) engine.Execution {
	return engine.Execution{
		ID:        id,
		Graph:     workflow.New(),
		Status:    status,
		CreatedAt: created,
		Steps: []engine.Step{
			{NodeID: "in", NodeType: workflow.NodeInput, Status: engine.StepPending},
		},
	}
}

func TestStore_SaveAndLoadAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := New()
	original := execution("exec-1", engine.ExecutionRunning, time.Unix(100, 0))

	if err := store.SaveExecution(ctx, original); err != nil {
		t.Fatalf("SaveExecution returned error: %v", err)
	}
	original.Steps[0].Status = engine.StepError

	loaded, err := store.Execution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Execution returned error: %v", err)
	}
	if loaded.Steps[0].Status != engine.StepPending {
		t.Fatalf("stored copy was mutated through the caller's slice")
	}

	loaded.Steps[0].Status = engine.StepSuccess
	again, _ := store.Execution(ctx, "exec-1")
	if again.Steps[0].Status != engine.StepPending {
		t.Fatalf("stored copy was mutated through a loaded value")
	}
}

func TestStore_SaveStep(t *testing.T) {
	ctx := context.Background()
	store := New()
	_ = store.SaveExecution(ctx, execution("exec-1", engine.ExecutionRunning, time.Unix(100, 0)))

	completed := time.Unix(101, 0)
	if err := store.SaveStep(ctx, "exec-1", engine.Step{NodeID: "in", Status: engine.StepSuccess, Output: "x", CompletedAt: &completed}); err != nil {
		t.Fatalf("SaveStep returned error: %v", err)
	}
	if err := store.SaveStep(ctx, "exec-1", engine.Step{NodeID: "extra", NodeType: workflow.NodeOutput, Status: engine.StepRunning}); err != nil {
		t.Fatalf("SaveStep returned error: %v", err)
	}

	loaded, _ := store.Execution(ctx, "exec-1")
	want := []engine.Step{
		{NodeID: "in", NodeType: workflow.NodeInput, Status: engine.StepSuccess, Output: "x", CompletedAt: &completed},
		{NodeID: "extra", NodeType: workflow.NodeOutput, Status: engine.StepRunning},
	}
	if diff := cmp.Diff(want, loaded.Steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}

	if err := store.SaveStep(ctx, "missing", engine.Step{NodeID: "in"}); !errors.Is(err, engine.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestStore_ExecutionNotFound(t *testing.T) {
	_, err := New().Execution(context.Background(), "nope")
	if !errors.Is(err, engine.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestStore_ListExecutions(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Unix(1_000, 0)
	_ = store.SaveExecution(ctx, execution("old", engine.ExecutionCompleted, base))
	_ = store.SaveExecution(ctx, execution("mid-b", engine.ExecutionFailed, base.Add(time.Minute)))
	_ = store.SaveExecution(ctx, execution("mid-a", engine.ExecutionCompleted, base.Add(time.Minute)))
	_ = store.SaveExecution(ctx, execution("new", engine.ExecutionRunning, base.Add(time.Hour)))

	ids := func(executions []engine.Execution) []string {
		out := make([]string, 0, len(executions))
		for _, candidate := range executions {
			out = append(out, candidate.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter engine.ListFilter
		want   []string
	}{
		{"all newest first", engine.ListFilter{}, []string{"new", "mid-a", "mid-b", "old"}},
		{"status filter", engine.ListFilter{Status: engine.ExecutionCompleted}, []string{"mid-a", "old"}},
		{"limit", engine.ListFilter{Limit: 2}, []string{"new", "mid-a"}},
		{"no match", engine.ListFilter{Status: engine.ExecutionCancelled}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListExecutions(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListExecutions returned error: %v", err)
			}
			if diff := cmp.Diff(tt.want, ids(got)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if store.Len() != 4 {
		t.Errorf("Len = %d, want 4", store.Len())
	}
}

func TestStore_RequiresID(t *testing.T) {
	if err := New().SaveExecution(context.Background(), engine.Execution{}); err == nil {
		t.Fatal("expected an error for an execution without id")
	}
}
