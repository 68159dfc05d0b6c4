package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arxfield/workflow-service/internal/engine"
	"github.com/arxfield/workflow-service/internal/store"
)

// Engine and executor wired together over one store, as main assembles them.
func newTestPipeline(t *testing.T, opts Options) (*engine.Engine, *store.Repo, context.Context) {
	t.Helper()
	ex, repo := newTestExecutor(t, opts)
	eng := engine.New(repo, ex, engine.Options{QueueSize: 8})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	return eng, repo, ctx
}

func waitForStatus(t *testing.T, eng *engine.Engine, executionID, want string) *store.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := eng.GetWorkflowStatus(context.Background(), executionID)
		if err == nil && exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	exec, _ := eng.GetWorkflowStatus(context.Background(), executionID)
	t.Fatalf("execution %s never reached %s, last: %+v", executionID, want, exec)
	return nil
}

func TestFailedRequiredStepExhaustsRetriesAndStopsWorkflow(t *testing.T) {
	broken := &fakeValidator{err: fmt.Errorf("model storage unreachable")}
	eng, repo, ctx := newTestPipeline(t, Options{Validators: map[string]Validator{"geometry": broken}})

	err := eng.CreateWorkflow(ctx, engine.Definition{
		WorkflowID:   "wf_pipeline",
		Name:         "Validate Then Notify",
		WorkflowType: "validation",
		Steps: []engine.Step{
			{
				StepID: "validate", Name: "Validate", StepType: engine.StepValidation,
				Parameters: map[string]any{"validation_type": "geometry"},
				Timeout:    30, RetryCount: 2, RetryDelay: 0, Required: true,
			},
			{
				StepID: "notify", Name: "Notify", StepType: engine.StepNotify,
				Parameters: map[string]any{"channel": "log", "message": "done"},
				Timeout:    30, RetryCount: 0, RetryDelay: 0, Required: false,
			},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	executionID, err := eng.ExecuteWorkflow(ctx, "wf_pipeline", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	exec := waitForStatus(t, eng, executionID, store.StatusFailed)
	if exec.Error == "" {
		t.Fatal("failed execution carries no error")
	}

	// Exactly 1+retry_count attempt rows for the failing step, none for
	// the step that never ran.
	attempts, err := repo.ListStepExecutions(ctx, executionID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("want 3 attempt rows, got %d: %+v", len(attempts), attempts)
	}
	for i, a := range attempts {
		if a.StepID != "validate" {
			t.Fatalf("attempt row for %q, only validate should have run", a.StepID)
		}
		if a.RetryCount != i {
			t.Fatalf("attempt %d has retry index %d", i, a.RetryCount)
		}
		if a.Status != store.StatusFailed {
			t.Fatalf("attempt %d status %s", i, a.Status)
		}
	}
	if broken.calls != 3 {
		t.Fatalf("validator called %d times, want 3", broken.calls)
	}
}
