package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Unique shared-cache DSN per test so parallel tests do not collide.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestDefinitionRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	def := &WorkflowDefinition{
		WorkflowID:   "wf_1",
		Name:         "Test Workflow",
		WorkflowType: "validation",
		Steps:        []byte(`[{"step_id":"s1","name":"S1","step_type":"validation"}]`),
		Timeout:      1800,
		MaxRetries:   3,
	}
	if err := repo.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.GetDefinition(ctx, "wf_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Test Workflow" || got.WorkflowType != "validation" {
		t.Fatalf("unexpected row: %+v", got)
	}

	all, err := repo.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("want 1 definition, got %d", len(all))
	}

	if err := repo.DeleteDefinition(ctx, "wf_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetDefinition(ctx, "wf_1"); err == nil {
		t.Fatal("expected not-found after delete")
	}
}

func TestExecutionListLimitAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e := &WorkflowExecution{
			ExecutionID: fmt.Sprintf("exec_%d", i),
			WorkflowID:  "wf_1",
			Status:      StatusCompleted,
			StartTime:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	got, err := repo.ListExecutions(ctx, "wf_1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 executions, got %d", len(got))
	}
	// Newest first.
	if got[0].ExecutionID != "exec_4" {
		t.Fatalf("want exec_4 first, got %s", got[0].ExecutionID)
	}
}

func TestStepExecutionsPerAttempt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		s := &StepExecution{
			StepExecutionID:     fmt.Sprintf("step_%d", attempt),
			WorkflowExecutionID: "exec_1",
			StepID:              "validate",
			Status:              StatusFailed,
			StartTime:           time.Now().UTC(),
			RetryCount:          attempt,
		}
		if err := repo.CreateStepExecution(ctx, s); err != nil {
			t.Fatalf("create attempt %d: %v", attempt, err)
		}
	}

	got, err := repo.ListStepExecutions(ctx, "exec_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 attempts, got %d", len(got))
	}
	for i, s := range got {
		if s.RetryCount != i {
			t.Fatalf("attempt %d has retry_count %d", i, s.RetryCount)
		}
	}
}

func TestScheduleGetsIDOnSave(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := &WorkflowSchedule{
		WorkflowID:     "wf_1",
		CronExpression: "0 2 * * *",
		Enabled:        true,
		NextRun:        time.Now().UTC().Add(time.Hour),
	}
	if err := repo.SaveSchedule(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	if s.ScheduleID == uuid.Nil {
		t.Fatal("schedule id not assigned")
	}

	rows, err := repo.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].CronExpression != "0 2 * * *" {
		t.Fatalf("unexpected schedules: %+v", rows)
	}
}

func TestAlertDedupCount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := &WorkflowAlert{
		AlertID:     "alert_1",
		ExecutionID: "exec_1",
		WorkflowID:  "wf_1",
		AlertType:   "execution_failed",
		Severity:    "error",
		Message:     "boom",
	}
	if err := repo.CreateAlert(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := repo.CountOpenAlerts(ctx, "exec_1", "execution_failed")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 open alert, got %d", n)
	}

	got, err := repo.GetAlert(ctx, "alert_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	now := time.Now().UTC()
	got.Acknowledged = true
	got.AcknowledgedAt = &now
	if err := repo.SaveAlert(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}

	n, err = repo.CountOpenAlerts(ctx, "exec_1", "execution_failed")
	if err != nil {
		t.Fatalf("count after ack: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0 open alerts after ack, got %d", n)
	}
}

func TestPerformanceUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := &WorkflowPerformance{WorkflowID: "wf_1", TotalExecutions: 1, SuccessfulExecutions: 1, SuccessRate: 1}
	if err := repo.SavePerformance(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.TotalExecutions = 2
	p.SuccessRate = 0.5
	if err := repo.SavePerformance(ctx, p); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := repo.GetPerformance(ctx, "wf_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalExecutions != 2 || got.SuccessRate != 0.5 {
		t.Fatalf("upsert did not replace: %+v", got)
	}
	rows, err := repo.ListPerformance(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want a single row after upsert, got %d", len(rows))
	}
}
