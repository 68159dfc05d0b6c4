package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arxfield/workflow-service/internal/engine"
	"github.com/arxfield/workflow-service/internal/store"
)

// handlerFunc performs a single attempt of one step type. It returns the
// step's result payload or an error that triggers the retry policy.
type handlerFunc func(ctx context.Context, step engine.Step, execCtx map[string]any) (map[string]any, error)

// Executor runs individual workflow steps with per-step timeout and
// linear-backoff retry. Each attempt gets its own persisted record, so
// the history shows exactly how many tries a step took.
type Executor struct {
	repo       *store.Repo
	httpClient *http.Client
	validators map[string]Validator
	exporter   Exporter
	notifier   Notifier
	handlers   map[engine.StepType]handlerFunc

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

type Options struct {
	HTTPClient *http.Client
	Validators map[string]Validator
	Exporter   Exporter
	Notifier   Notifier
}

func New(repo *store.Repo, opts Options) *Executor {
	ex := &Executor{
		repo:       repo,
		httpClient: opts.HTTPClient,
		validators: opts.Validators,
		exporter:   opts.Exporter,
		notifier:   opts.Notifier,
		sleep:      sleepCtx,
	}
	if ex.httpClient == nil {
		ex.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if ex.validators == nil {
		ex.validators = map[string]Validator{}
	}
	if ex.exporter == nil {
		ex.exporter = &FSExporter{}
	}
	if ex.notifier == nil {
		ex.notifier = &LogNotifier{}
	}
	ex.handlers = map[engine.StepType]handlerFunc{
		engine.StepValidation:    ex.runValidation,
		engine.StepExport:        ex.runExport,
		engine.StepTransform:     ex.runTransform,
		engine.StepNotify:        ex.runNotify,
		engine.StepCondition:     ex.runCondition,
		engine.StepLoop:          ex.runLoop,
		engine.StepParallel:      ex.runParallel,
		engine.StepDelay:         ex.runDelay,
		engine.StepAPICall:       ex.runAPICall,
		engine.StepFileOperation: ex.runFileOperation,
	}
	return ex
}

// RegisterValidator binds a named validator used by validation steps.
func (ex *Executor) RegisterValidator(name string, v Validator) {
	ex.validators[name] = v
}

// ExecuteStep runs one step to completion. The retry budget is fixed up
// front: at most 1+retry_count attempts, each with its own timeout and
// each recorded as a separate attempt row. Between failed attempts the
// executor waits a fixed retry_delay.
func (ex *Executor) ExecuteStep(ctx context.Context, step engine.Step, execCtx map[string]any, executionID string) map[string]any {
	handler, ok := ex.handlers[step.StepType]
	if !ok {
		return map[string]any{
			"status": "failed",
			"error":  fmt.Sprintf("unknown step type: %s", step.StepType),
		}
	}

	attempts := 1 + step.RetryCount
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		res, err := ex.runAttempt(ctx, handler, step, execCtx, executionID, attempt)
		if err == nil {
			if res == nil {
				res = map[string]any{}
			}
			res["status"] = "success"
			return res
		}
		lastErr = err
		slog.Warn("step attempt failed",
			"execution_id", executionID, "step_id", step.StepID,
			"attempt", attempt+1, "of", attempts, "error", err)

		if attempt+1 < attempts {
			delay := time.Duration(step.RetryDelay) * time.Second
			if err := ex.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	return map[string]any{
		"status":      "failed",
		"error":       lastErr.Error(),
		"retry_count": step.RetryCount,
	}
}

// runAttempt wraps one handler call with its persisted attempt record and
// the per-step timeout. A timeout is an ordinary failure, so it charges
// the retry budget like any other error.
func (ex *Executor) runAttempt(ctx context.Context, handler handlerFunc, step engine.Step, execCtx map[string]any, executionID string, attempt int) (map[string]any, error) {
	rec := &store.StepExecution{
		StepExecutionID:     fmt.Sprintf("step_%d", time.Now().UTC().UnixNano()),
		WorkflowExecutionID: executionID,
		StepID:              step.StepID,
		Status:              store.StatusRunning,
		StartTime:           time.Now().UTC(),
		RetryCount:          attempt,
	}
	if err := ex.repo.CreateStepExecution(ctx, rec); err != nil {
		slog.Warn("persist step attempt failed", "execution_id", executionID, "step_id", step.StepID, "error", err)
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Timeout)*time.Second)
		defer cancel()
	}

	res, err := handler(attemptCtx, step, execCtx)
	if err == nil && attemptCtx.Err() != nil {
		err = fmt.Errorf("step %s timed out after %ds", step.StepID, step.Timeout)
	}

	now := time.Now().UTC()
	rec.EndTime = &now
	rec.Duration = now.Sub(rec.StartTime).Seconds()
	if err != nil {
		rec.Status = store.StatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = store.StatusCompleted
		rec.Result = mustMarshal(res)
	}
	if serr := ex.repo.SaveStepExecution(ctx, rec); serr != nil {
		slog.Warn("persist step attempt result failed", "execution_id", executionID, "step_id", step.StepID, "error", serr)
	}
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
