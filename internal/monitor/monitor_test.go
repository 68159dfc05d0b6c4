package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arxfield/workflow-service/internal/engine"
	"github.com/arxfield/workflow-service/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nopRunner struct{}

func (nopRunner) ExecuteStep(_ context.Context, _ engine.Step, _ map[string]any, _ string) map[string]any {
	return map[string]any{"status": "success"}
}

func newTestMonitor(t *testing.T, opts Options) (*Monitor, *store.Repo, *engine.Engine) {
	t.Helper()
	dsn := fmt.Sprintf("file:monitor_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(repo, nopRunner{}, engine.Options{QueueSize: 8})
	return New(repo, eng, opts), repo, eng
}

func insertExecution(t *testing.T, repo *store.Repo, id, workflowID, status string, start time.Time, dur time.Duration, errMsg string) {
	t.Helper()
	e := &store.WorkflowExecution{
		ExecutionID: id,
		WorkflowID:  workflowID,
		Status:      status,
		StartTime:   start,
		Error:       errMsg,
	}
	if status == store.StatusCompleted || status == store.StatusFailed {
		end := start.Add(dur)
		e.EndTime = &end
	}
	if err := repo.CreateExecution(context.Background(), e); err != nil {
		t.Fatalf("insert execution %s: %v", id, err)
	}
}

func TestFailureAlertsAreDeduplicated(t *testing.T) {
	m, repo, _ := newTestMonitor(t, Options{})
	now := time.Now().UTC()
	insertExecution(t, repo, "exec_1", "wf_1", store.StatusFailed, now.Add(-10*time.Minute), time.Minute, "boom")

	// Two cycles raise exactly one alert for the same failure.
	m.RunCycle(context.Background())
	m.RunCycle(context.Background())

	alerts, err := m.ListAlerts(context.Background(), false)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("want 1 alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != AlertExecutionFailed || alerts[0].ExecutionID != "exec_1" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}

	// Acknowledged alerts disappear from the default listing.
	if err := m.AcknowledgeAlert(context.Background(), alerts[0].AlertID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	open, _ := m.ListAlerts(context.Background(), false)
	if len(open) != 0 {
		t.Fatalf("want 0 open alerts after ack, got %d", len(open))
	}
	all, _ := m.ListAlerts(context.Background(), true)
	if len(all) != 1 {
		t.Fatalf("acknowledged alert gone entirely, got %d", len(all))
	}
}

func TestOldFailuresOutsideWindowIgnored(t *testing.T) {
	m, repo, _ := newTestMonitor(t, Options{FailureAlertWindow: time.Hour})
	insertExecution(t, repo, "exec_old", "wf_1", store.StatusFailed, time.Now().UTC().Add(-3*time.Hour), time.Minute, "old boom")

	m.RunCycle(context.Background())
	alerts, _ := m.ListAlerts(context.Background(), false)
	if len(alerts) != 0 {
		t.Fatalf("stale failure raised an alert: %+v", alerts)
	}
}

func TestPerformanceRecompute(t *testing.T) {
	m, repo, _ := newTestMonitor(t, Options{})
	base := time.Now().UTC().Add(-30 * time.Minute)

	insertExecution(t, repo, "exec_1", "wf_1", store.StatusCompleted, base, 10*time.Second, "")
	insertExecution(t, repo, "exec_2", "wf_1", store.StatusCompleted, base.Add(time.Minute), 30*time.Second, "")
	insertExecution(t, repo, "exec_3", "wf_1", store.StatusFailed, base.Add(2*time.Minute), 20*time.Second, "boom")
	insertExecution(t, repo, "exec_4", "wf_1", store.StatusRunning, base.Add(3*time.Minute), 0, "")

	m.RunCycle(context.Background())

	p, err := repo.GetPerformance(context.Background(), "wf_1")
	if err != nil {
		t.Fatalf("get performance: %v", err)
	}
	if p.TotalExecutions != 4 || p.SuccessfulExecutions != 2 || p.FailedExecutions != 1 {
		t.Fatalf("counts wrong: %+v", p)
	}
	// Success rate counts only finished runs: 2 of 3.
	if p.SuccessRate < 0.66 || p.SuccessRate > 0.67 {
		t.Fatalf("success rate wrong: %v", p.SuccessRate)
	}
	if p.MinDuration != 10 || p.MaxDuration != 30 || p.AvgDuration != 20 {
		t.Fatalf("durations wrong: %+v", p)
	}
	if p.LastExecutedAt == nil {
		t.Fatal("last_executed_at missing")
	}
}

func TestBuildReport(t *testing.T) {
	m, repo, eng := newTestMonitor(t, Options{})
	ctx := context.Background()
	if err := eng.CreateWorkflow(ctx, engine.Definition{
		WorkflowID:   "wf_1",
		Name:         "WF1",
		WorkflowType: "validation",
		Steps: []engine.Step{
			{StepID: "v", Name: "V", StepType: engine.StepValidation, Required: true},
		},
	}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	now := time.Now().UTC()
	insertExecution(t, repo, "exec_1", "wf_1", store.StatusCompleted, now.Add(-10*time.Minute), 20*time.Second, "")
	insertExecution(t, repo, "exec_2", "wf_1", store.StatusFailed, now.Add(-5*time.Minute), 10*time.Second, "boom")

	for i, st := range []string{store.StatusCompleted, store.StatusFailed} {
		rec := &store.StepExecution{
			StepExecutionID:     fmt.Sprintf("step_%d", i),
			WorkflowExecutionID: fmt.Sprintf("exec_%d", i+1),
			StepID:              "v",
			Status:              st,
			StartTime:           now.Add(-9 * time.Minute),
			Duration:            5,
		}
		if err := repo.CreateStepExecution(ctx, rec); err != nil {
			t.Fatalf("insert step: %v", err)
		}
	}

	r, err := m.BuildReport(ctx, time.Hour)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if r.Executions != 2 || r.Successful != 1 || r.Failed != 1 {
		t.Fatalf("totals wrong: %+v", r)
	}
	if len(r.ByWorkflow) != 1 || r.ByWorkflow[0].WorkflowID != "wf_1" || r.ByWorkflow[0].SuccessRate != 0.5 {
		t.Fatalf("per-workflow wrong: %+v", r.ByWorkflow)
	}
	st, ok := r.ByStepType["validation"]
	if !ok {
		t.Fatalf("step type bucket missing: %+v", r.ByStepType)
	}
	if st.Count != 2 || st.Failures != 1 || st.AvgDuration != 5 {
		t.Fatalf("step type stats wrong: %+v", st)
	}
}

func TestBuildTrends(t *testing.T) {
	m, repo, eng := newTestMonitor(t, Options{})
	ctx := context.Background()
	if err := eng.CreateWorkflow(ctx, engine.Definition{
		WorkflowID:   "wf_1",
		Name:         "WF1",
		WorkflowType: "export",
		Steps:        []engine.Step{{StepID: "e", Name: "E", StepType: engine.StepExport, Required: true}},
	}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	now := time.Now().UTC()
	insertExecution(t, repo, "exec_1", "wf_1", store.StatusCompleted, now.Add(-26*time.Hour), 10*time.Second, "")
	insertExecution(t, repo, "exec_2", "wf_1", store.StatusCompleted, now.Add(-2*time.Hour), 10*time.Second, "")
	insertExecution(t, repo, "exec_3", "wf_1", store.StatusFailed, now.Add(-time.Hour), 10*time.Second, "boom")

	tr, err := m.BuildTrends(ctx, 7)
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if len(tr.Days) < 1 || len(tr.Days) > 2 {
		t.Fatalf("unexpected day buckets: %+v", tr.Days)
	}
	var total int64
	for _, d := range tr.Days {
		total += d.Executions
	}
	if total != 3 {
		t.Fatalf("want 3 executions across buckets, got %d", total)
	}
	if tr.ByWorkflowType["export"] != 3 {
		t.Fatalf("type distribution wrong: %+v", tr.ByWorkflowType)
	}
	if tr.BusiestWorkflow != "wf_1" {
		t.Fatalf("busiest workflow wrong: %q", tr.BusiestWorkflow)
	}
}

func TestRecommendations(t *testing.T) {
	m, repo, _ := newTestMonitor(t, Options{
		SlowWorkflowThreshold: time.Minute,
		MinSuccessRate:        0.8,
	})
	base := time.Now().UTC().Add(-30 * time.Minute)

	// wf_slow: completes but takes 5 minutes on average.
	insertExecution(t, repo, "exec_s1", "wf_slow", store.StatusCompleted, base, 5*time.Minute, "")
	// wf_flaky: 1 of 4 succeeds.
	insertExecution(t, repo, "exec_f1", "wf_flaky", store.StatusCompleted, base, 5*time.Second, "")
	insertExecution(t, repo, "exec_f2", "wf_flaky", store.StatusFailed, base, 5*time.Second, "boom")
	insertExecution(t, repo, "exec_f3", "wf_flaky", store.StatusFailed, base, 5*time.Second, "boom")
	insertExecution(t, repo, "exec_f4", "wf_flaky", store.StatusFailed, base, 5*time.Second, "boom")

	m.RunCycle(context.Background())

	recs, err := m.Recommendations(context.Background())
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}

	kinds := map[string]bool{}
	for _, r := range recs {
		kinds[r.WorkflowID+"/"+r.Kind] = true
	}
	if !kinds["wf_slow/slow_workflow"] {
		t.Fatalf("missing slow workflow recommendation: %+v", recs)
	}
	if !kinds["wf_flaky/low_success_rate"] {
		t.Fatalf("missing low success rate recommendation: %+v", recs)
	}
	// Failures inside the window raised alerts, so the backlog hint appears.
	if !kinds["/open_alerts"] {
		t.Fatalf("missing open alerts recommendation: %+v", recs)
	}
}
