package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arxfield/workflow-service/internal/store"

	"gorm.io/gorm"
)

// StepRunner drives a single step attempt. The result map carries at least
// "status" ("success" or "failed") and, on failure, "error".
type StepRunner interface {
	ExecuteStep(ctx context.Context, step Step, execCtx map[string]any, executionID string) map[string]any
}

// Engine owns workflow definitions and executions. Definitions live in an
// in-memory registry warmed from the store at startup; executions are
// repository-backed only. A single dispatch loop serializes all executions:
// at most one advances at any instant.
type Engine struct {
	repo   *store.Repo
	runner StepRunner
	events *EventHub

	mu      sync.RWMutex
	defs    map[string]Definition
	cancels map[string]context.CancelFunc

	queue chan string
}

type Options struct {
	QueueSize int
}

func New(repo *store.Repo, runner StepRunner, opts Options) *Engine {
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Engine{
		repo:    repo,
		runner:  runner,
		events:  NewEventHub(),
		defs:    map[string]Definition{},
		cancels: map[string]context.CancelFunc{},
		queue:   make(chan string, size),
	}
}

// Start warms the definition registry from the store, installs the seed
// definitions, and launches the dispatch loop.
func (e *Engine) Start(ctx context.Context) error {
	rows, err := e.repo.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}

	defs := map[string]Definition{}
	for _, row := range rows {
		d, err := definitionFromStore(row)
		if err != nil {
			slog.Warn("invalid stored workflow definition", "workflow_id", row.WorkflowID, "error", err)
			continue
		}
		if err := d.NormalizeAndValidate(); err != nil {
			slog.Warn("invalid stored workflow definition", "workflow_id", row.WorkflowID, "error", err)
			continue
		}
		defs[row.WorkflowID] = d
	}

	e.mu.Lock()
	e.defs = defs
	e.mu.Unlock()

	for _, seed := range SeedDefinitions() {
		if _, ok := defs[seed.WorkflowID]; ok {
			continue
		}
		if err := e.CreateWorkflow(ctx, seed); err != nil {
			slog.Warn("seed workflow install failed", "workflow_id", seed.WorkflowID, "error", err)
		}
	}

	go e.dispatchLoop(ctx)
	return nil
}

// SubscribeEvents attaches to the advisory event stream for one execution.
func (e *Engine) SubscribeEvents(executionID string) (<-chan Event, func()) {
	return e.events.Subscribe(executionID)
}

// CreateWorkflow validates and registers a new definition. The store write
// happens before the registry update, so a persistence failure never leaves
// a phantom definition visible to later calls.
func (e *Engine) CreateWorkflow(ctx context.Context, def Definition) error {
	if err := def.NormalizeAndValidate(); err != nil {
		return err
	}

	e.mu.RLock()
	_, exists := e.defs[def.WorkflowID]
	e.mu.RUnlock()
	if exists {
		return &ValidationError{Field: "workflow_id", Reason: "already exists: " + def.WorkflowID}
	}

	row, err := def.toStore()
	if err != nil {
		return err
	}
	if err := e.repo.SaveDefinition(ctx, row); err != nil {
		return fmt.Errorf("persist workflow %s: %w", def.WorkflowID, err)
	}

	e.mu.Lock()
	e.defs[def.WorkflowID] = def
	e.mu.Unlock()

	slog.Info("workflow created", "workflow_id", def.WorkflowID, "type", def.WorkflowType, "steps", len(def.Steps))
	return nil
}

// UpdateWorkflow replaces an existing definition wholesale.
func (e *Engine) UpdateWorkflow(ctx context.Context, def Definition) error {
	if err := def.NormalizeAndValidate(); err != nil {
		return err
	}

	e.mu.RLock()
	_, exists := e.defs[def.WorkflowID]
	e.mu.RUnlock()
	if !exists {
		return fmt.Errorf("workflow %s: %w", def.WorkflowID, ErrNotFound)
	}

	row, err := def.toStore()
	if err != nil {
		return err
	}
	if err := e.repo.SaveDefinition(ctx, row); err != nil {
		return fmt.Errorf("persist workflow %s: %w", def.WorkflowID, err)
	}

	e.mu.Lock()
	e.defs[def.WorkflowID] = def
	e.mu.Unlock()
	return nil
}

func (e *Engine) DeleteWorkflow(ctx context.Context, workflowID string) error {
	e.mu.RLock()
	_, exists := e.defs[workflowID]
	e.mu.RUnlock()
	if !exists {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	if err := e.repo.DeleteDefinition(ctx, workflowID); err != nil {
		return fmt.Errorf("delete workflow %s: %w", workflowID, err)
	}
	e.mu.Lock()
	delete(e.defs, workflowID)
	e.mu.Unlock()
	return nil
}

func (e *Engine) GetWorkflow(workflowID string) (Definition, error) {
	e.mu.RLock()
	d, ok := e.defs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	return d, nil
}

func (e *Engine) ListWorkflows() []Definition {
	e.mu.RLock()
	out := make([]Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// ExecuteWorkflow persists a pending execution and enqueues it. The call is
// fire-and-forget with respect to actual running: the returned id is for
// polling GetWorkflowStatus.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, execCtx map[string]any) (string, error) {
	e.mu.RLock()
	_, ok := e.defs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}

	executionID := fmt.Sprintf("exec_%d", time.Now().UTC().UnixNano())
	exec := &store.WorkflowExecution{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      store.StatusPending,
		StartTime:   time.Now().UTC(),
	}
	if len(execCtx) > 0 {
		b, err := json.Marshal(execCtx)
		if err != nil {
			return "", &ValidationError{Field: "context", Reason: "not serializable: " + err.Error()}
		}
		exec.Context = b
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("persist execution %s: %w", executionID, err)
	}

	select {
	case e.queue <- executionID:
	default:
		// Nothing would ever drain this row, so remove it rather than leave
		// a pending orphan. The caller retries with a fresh ExecuteWorkflow.
		if derr := e.repo.DeleteExecution(ctx, executionID); derr != nil {
			slog.Warn("queue-full cleanup failed", "execution_id", executionID, "error", derr)
		}
		return "", ErrQueueFull
	}

	slog.Info("execution queued", "execution_id", executionID, "workflow_id", workflowID)
	return executionID, nil
}

func (e *Engine) GetWorkflowStatus(ctx context.Context, executionID string) (*store.WorkflowExecution, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return nil, err
	}
	return exec, nil
}

func (e *Engine) GetWorkflowHistory(ctx context.Context, workflowID string, limit int) ([]store.WorkflowExecution, error) {
	return e.repo.ListExecutions(ctx, workflowID, limit)
}

func (e *Engine) GetStepExecutions(ctx context.Context, executionID string) ([]store.StepExecution, error) {
	return e.repo.ListStepExecutions(ctx, executionID)
}

// CancelWorkflow is permitted only from pending/running. It flips the stored
// status and cancels the execution's context; the dispatch loop and blocking
// handlers observe the cancellation and exit early.
func (e *Engine) CancelWorkflow(ctx context.Context, executionID string) error {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return err
	}
	if exec.Status != store.StatusPending && exec.Status != store.StatusRunning {
		return &StateError{Op: "cancel", Status: exec.Status}
	}

	now := time.Now().UTC()
	exec.Status = store.StatusCancelled
	exec.EndTime = &now
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist cancel %s: %w", executionID, err)
	}

	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}

	slog.Info("execution cancelled", "execution_id", executionID)
	return nil
}

// Metrics is a read-only aggregate snapshot over the execution table.
type Metrics struct {
	RegisteredWorkflows  int     `json:"registered_workflows"`
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	RunningExecutions    int64   `json:"running_executions"`
	PendingExecutions    int64   `json:"pending_executions"`
	AvgExecutionSeconds  float64 `json:"avg_execution_seconds"`
	QueueDepth           int     `json:"queue_depth"`
}

func (e *Engine) GetMetrics(ctx context.Context) (Metrics, error) {
	rows, err := e.repo.ListAllExecutions(ctx)
	if err != nil {
		return Metrics{}, err
	}

	e.mu.RLock()
	registered := len(e.defs)
	e.mu.RUnlock()

	m := Metrics{RegisteredWorkflows: registered, QueueDepth: len(e.queue)}
	var durTotal float64
	var durCount int64
	for _, r := range rows {
		m.TotalExecutions++
		switch r.Status {
		case store.StatusCompleted:
			m.SuccessfulExecutions++
		case store.StatusFailed:
			m.FailedExecutions++
		case store.StatusRunning:
			m.RunningExecutions++
		case store.StatusPending:
			m.PendingExecutions++
		}
		if r.EndTime != nil {
			durTotal += r.EndTime.Sub(r.StartTime).Seconds()
			durCount++
		}
	}
	if durCount > 0 {
		m.AvgExecutionSeconds = durTotal / float64(durCount)
	}
	return m, nil
}

// dispatchLoop pulls queued execution ids and runs them one at a time. A
// long delay step therefore stalls every other queued execution; that is
// the documented single-dispatcher model.
func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case executionID := <-e.queue:
			e.runExecution(ctx, executionID)
		}
	}
}

func (e *Engine) runExecution(parent context.Context, executionID string) {
	exec, err := e.repo.GetExecution(parent, executionID)
	if err != nil {
		slog.Warn("queued execution not loadable", "execution_id", executionID, "error", err)
		return
	}
	// Cancelled while still queued: nothing to do.
	if exec.Status != store.StatusPending {
		return
	}

	def, err := e.GetWorkflow(exec.WorkflowID)
	if err != nil {
		e.finishFailed(parent, exec, nil, nil, fmt.Sprintf("workflow %s not found", exec.WorkflowID))
		return
	}

	// Per-execution cancellation plus the workflow-level deadline.
	var runCtx context.Context
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, time.Duration(def.Timeout)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(parent)
	}
	e.mu.Lock()
	e.cancels[executionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, executionID)
		e.mu.Unlock()
		cancel()
	}()

	exec.Status = store.StatusRunning
	exec.StartTime = time.Now().UTC()
	if err := e.repo.SaveExecution(parent, exec); err != nil {
		slog.Warn("persist running state failed", "execution_id", executionID, "error", err)
	}
	e.events.Publish(executionID, Event{Type: EventExecutionStarted, WorkflowID: def.WorkflowID, Status: exec.Status})

	execCtx := map[string]any{}
	if len(exec.Context) > 0 {
		if err := json.Unmarshal(exec.Context, &execCtx); err != nil {
			slog.Warn("invalid execution context, starting empty", "execution_id", executionID, "error", err)
			execCtx = map[string]any{}
		}
	}
	results := map[string]any{}

	total := len(def.Steps)
	for i, step := range def.Steps {
		if err := runCtx.Err(); err != nil {
			e.finishInterrupted(parent, exec, results, execCtx, err)
			return
		}

		exec.CurrentStep = step.StepID
		exec.Progress = float64(i) / float64(total) * 100
		if err := e.repo.SaveExecution(parent, exec); err != nil {
			slog.Warn("persist progress failed", "execution_id", executionID, "error", err)
		}

		// All conditions must hold; a skipped step leaves no attempt record.
		if !EvaluateConditions(step.Conditions, execCtx) {
			slog.Info("skipping step", "execution_id", executionID, "step_id", step.StepID)
			continue
		}

		e.events.Publish(executionID, Event{Type: EventStepStarted, WorkflowID: def.WorkflowID, StepID: step.StepID, Status: store.StatusRunning})
		res := e.runner.ExecuteStep(runCtx, step, execCtx, executionID)
		execCtx[step.StepID] = res
		results[step.StepID] = res

		status, _ := res["status"].(string)
		errMsg, _ := res["error"].(string)
		e.events.Publish(executionID, Event{Type: EventStepFinished, WorkflowID: def.WorkflowID, StepID: step.StepID, Status: status, Error: errMsg})

		if status == "failed" {
			// A failure under a dead run context is an interruption, not a
			// step failure: CancelWorkflow already persisted the cancelled
			// row and must not be overwritten.
			if err := runCtx.Err(); err != nil {
				e.finishInterrupted(parent, exec, results, execCtx, err)
				return
			}
			if step.Required {
				e.finishFailed(parent, exec, results, execCtx, fmt.Sprintf("required step %s failed: %s", step.StepID, errMsg))
				return
			}
			// Non-required failure is swallowed; the workflow proceeds.
			slog.Warn("optional step failed, continuing", "execution_id", executionID, "step_id", step.StepID, "error", errMsg)
		}

		exec.Result = mustMarshal(results)
		exec.Context = mustMarshal(execCtx)
		if err := e.repo.SaveExecution(parent, exec); err != nil {
			slog.Warn("persist step result failed", "execution_id", executionID, "error", err)
		}
	}

	now := time.Now().UTC()
	exec.Status = store.StatusCompleted
	exec.Progress = 100
	exec.EndTime = &now
	exec.Result = mustMarshal(results)
	exec.Context = mustMarshal(execCtx)
	if err := e.repo.SaveExecution(parent, exec); err != nil {
		slog.Warn("persist completion failed", "execution_id", executionID, "error", err)
	}
	e.events.Publish(executionID, Event{Type: EventExecutionFinished, WorkflowID: def.WorkflowID, Status: exec.Status})
	slog.Info("execution completed", "execution_id", executionID, "workflow_id", def.WorkflowID)
}

func (e *Engine) finishFailed(ctx context.Context, exec *store.WorkflowExecution, results, execCtx map[string]any, errMsg string) {
	now := time.Now().UTC()
	exec.Status = store.StatusFailed
	exec.Error = errMsg
	exec.EndTime = &now
	if results != nil {
		exec.Result = mustMarshal(results)
	}
	if execCtx != nil {
		exec.Context = mustMarshal(execCtx)
	}
	if err := e.repo.SaveExecution(ctx, exec); err != nil {
		slog.Warn("persist failure failed", "execution_id", exec.ExecutionID, "error", err)
	}
	e.events.Publish(exec.ExecutionID, Event{Type: EventExecutionFinished, WorkflowID: exec.WorkflowID, Status: exec.Status, Error: errMsg})
	slog.Warn("execution failed", "execution_id", exec.ExecutionID, "error", errMsg)
}

// finishInterrupted handles a run context ending mid-execution. A cancel was
// already persisted by CancelWorkflow, so only the deadline case writes.
func (e *Engine) finishInterrupted(ctx context.Context, exec *store.WorkflowExecution, results, execCtx map[string]any, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		e.finishFailed(ctx, exec, results, execCtx, "workflow timeout exceeded")
		return
	}
	e.events.Publish(exec.ExecutionID, Event{Type: EventExecutionFinished, WorkflowID: exec.WorkflowID, Status: store.StatusCancelled})
	slog.Info("execution interrupted", "execution_id", exec.ExecutionID)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Execution contexts originate from JSON; this cannot fail for them.
		return []byte("{}")
	}
	return b
}
