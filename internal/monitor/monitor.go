package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arxfield/workflow-service/internal/engine"
	"github.com/arxfield/workflow-service/internal/store"

	"gorm.io/gorm"
)

const (
	AlertExecutionFailed = "execution_failed"
	AlertSlowWorkflow    = "slow_workflow"
)

// Options tune the anomaly thresholds and the cycle cadence.
type Options struct {
	CheckEvery            time.Duration
	FailureAlertWindow    time.Duration
	SlowWorkflowThreshold time.Duration
	MinSuccessRate        float64
}

// Monitor derives analytics from execution history: failure alerts, per
// workflow performance rows, windowed reports, trends and recommendations.
// Everything it writes is recomputable from the execution tables.
type Monitor struct {
	repo   *store.Repo
	engine *engine.Engine
	opts   Options
	now    func() time.Time
}

func New(repo *store.Repo, eng *engine.Engine, opts Options) *Monitor {
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = time.Minute
	}
	if opts.FailureAlertWindow <= 0 {
		opts.FailureAlertWindow = time.Hour
	}
	if opts.SlowWorkflowThreshold <= 0 {
		opts.SlowWorkflowThreshold = 5 * time.Minute
	}
	if opts.MinSuccessRate <= 0 {
		opts.MinSuccessRate = 0.8
	}
	return &Monitor{repo: repo, engine: eng, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Start launches the periodic cycle.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.opts.CheckEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunCycle(ctx)
			}
		}
	}()
}

// RunCycle performs one monitoring pass: raise alerts for recent failures,
// then recompute the performance rows.
func (m *Monitor) RunCycle(ctx context.Context) {
	if err := m.raiseFailureAlerts(ctx); err != nil {
		slog.Warn("failure alert pass failed", "error", err)
	}
	if err := m.recomputePerformance(ctx); err != nil {
		slog.Warn("performance pass failed", "error", err)
	}
}

// raiseFailureAlerts creates one alert per failed execution inside the
// window. Dedup is per (execution_id, alert_type) while unacknowledged, so
// repeated cycles never stack alerts for the same failure.
func (m *Monitor) raiseFailureAlerts(ctx context.Context) error {
	since := m.now().Add(-m.opts.FailureAlertWindow)
	failed, err := m.repo.ListExecutionsByStatusSince(ctx, store.StatusFailed, since)
	if err != nil {
		return err
	}
	for _, exec := range failed {
		n, err := m.repo.CountOpenAlerts(ctx, exec.ExecutionID, AlertExecutionFailed)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		alert := &store.WorkflowAlert{
			AlertID:     fmt.Sprintf("alert_%d", time.Now().UTC().UnixNano()),
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			AlertType:   AlertExecutionFailed,
			Severity:    "error",
			Message:     fmt.Sprintf("workflow %s execution %s failed: %s", exec.WorkflowID, exec.ExecutionID, exec.Error),
			CreatedAt:   m.now(),
		}
		if err := m.repo.CreateAlert(ctx, alert); err != nil {
			return err
		}
		slog.Warn("alert raised", "alert_id", alert.AlertID, "execution_id", exec.ExecutionID)
	}
	return nil
}

// recomputePerformance rebuilds every per-workflow performance row from
// the full execution history.
func (m *Monitor) recomputePerformance(ctx context.Context) error {
	rows, err := m.repo.ListAllExecutions(ctx)
	if err != nil {
		return err
	}

	type acc struct {
		total, ok, failed int64
		min, max, sum     float64
		count             int64
		last              *time.Time
	}
	byWorkflow := map[string]*acc{}
	for _, r := range rows {
		a := byWorkflow[r.WorkflowID]
		if a == nil {
			a = &acc{}
			byWorkflow[r.WorkflowID] = a
		}
		a.total++
		switch r.Status {
		case store.StatusCompleted:
			a.ok++
		case store.StatusFailed:
			a.failed++
		}
		if r.EndTime != nil {
			d := r.EndTime.Sub(r.StartTime).Seconds()
			if a.count == 0 || d < a.min {
				a.min = d
			}
			if d > a.max {
				a.max = d
			}
			a.sum += d
			a.count++
			if a.last == nil || r.EndTime.After(*a.last) {
				end := *r.EndTime
				a.last = &end
			}
		}
	}

	for workflowID, a := range byWorkflow {
		p := &store.WorkflowPerformance{
			WorkflowID:           workflowID,
			TotalExecutions:      a.total,
			SuccessfulExecutions: a.ok,
			FailedExecutions:     a.failed,
			MinDuration:          a.min,
			MaxDuration:          a.max,
			LastExecutedAt:       a.last,
		}
		if a.count > 0 {
			p.AvgDuration = a.sum / float64(a.count)
		}
		finished := a.ok + a.failed
		if finished > 0 {
			p.SuccessRate = float64(a.ok) / float64(finished)
		}
		if err := m.repo.SavePerformance(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// --- alerts ---

func (m *Monitor) ListAlerts(ctx context.Context, includeAcknowledged bool) ([]store.WorkflowAlert, error) {
	return m.repo.ListAlerts(ctx, includeAcknowledged)
}

func (m *Monitor) AcknowledgeAlert(ctx context.Context, alertID string) error {
	alert, err := m.repo.GetAlert(ctx, alertID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("alert %s: %w", alertID, engine.ErrNotFound)
		}
		return err
	}
	if alert.Acknowledged {
		return nil
	}
	now := m.now()
	alert.Acknowledged = true
	alert.AcknowledgedAt = &now
	return m.repo.SaveAlert(ctx, alert)
}

func (m *Monitor) DeleteAlert(ctx context.Context, alertID string) error {
	return m.repo.DeleteAlert(ctx, alertID)
}

// --- reporting ---

type StepTypeStats struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	AvgDuration float64 `json:"avg_duration"`
}

type WorkflowReportEntry struct {
	WorkflowID  string  `json:"workflow_id"`
	Executions  int64   `json:"executions"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	AvgDuration float64 `json:"avg_duration"`
}

type Report struct {
	WindowStart time.Time                `json:"window_start"`
	WindowEnd   time.Time                `json:"window_end"`
	Executions  int64                    `json:"executions"`
	Successful  int64                    `json:"successful"`
	Failed      int64                    `json:"failed"`
	Cancelled   int64                    `json:"cancelled"`
	ByWorkflow  []WorkflowReportEntry    `json:"by_workflow"`
	ByStepType  map[string]StepTypeStats `json:"by_step_type"`
	OpenAlerts  int                      `json:"open_alerts"`
	AvgDuration float64                  `json:"avg_duration"`
}

// BuildReport aggregates a sliding window of executions and step attempts.
// Step attempts are bucketed by step type, resolved through the current
// workflow definitions; attempts for steps no longer defined fall under
// "unknown".
func (m *Monitor) BuildReport(ctx context.Context, window time.Duration) (*Report, error) {
	end := m.now()
	start := end.Add(-window)

	execs, err := m.repo.ListExecutionsSince(ctx, start)
	if err != nil {
		return nil, err
	}
	steps, err := m.repo.ListStepExecutionsSince(ctx, start)
	if err != nil {
		return nil, err
	}
	alerts, err := m.repo.ListAlerts(ctx, false)
	if err != nil {
		return nil, err
	}

	r := &Report{
		WindowStart: start,
		WindowEnd:   end,
		ByStepType:  map[string]StepTypeStats{},
		OpenAlerts:  len(alerts),
	}

	type wfAcc struct {
		total, ok, failed int64
		sum               float64
		count             int64
	}
	byWorkflow := map[string]*wfAcc{}
	stepTypeOf := m.stepTypeResolver(execs)

	var durSum float64
	var durCount int64
	for _, e := range execs {
		r.Executions++
		switch e.Status {
		case store.StatusCompleted:
			r.Successful++
		case store.StatusFailed:
			r.Failed++
		case store.StatusCancelled:
			r.Cancelled++
		}
		a := byWorkflow[e.WorkflowID]
		if a == nil {
			a = &wfAcc{}
			byWorkflow[e.WorkflowID] = a
		}
		a.total++
		if e.Status == store.StatusCompleted {
			a.ok++
		}
		if e.Status == store.StatusFailed {
			a.failed++
		}
		if e.EndTime != nil {
			d := e.EndTime.Sub(e.StartTime).Seconds()
			a.sum += d
			a.count++
			durSum += d
			durCount++
		}
	}
	if durCount > 0 {
		r.AvgDuration = durSum / float64(durCount)
	}

	for workflowID, a := range byWorkflow {
		entry := WorkflowReportEntry{
			WorkflowID: workflowID,
			Executions: a.total,
			Successful: a.ok,
			Failed:     a.failed,
		}
		finished := a.ok + a.failed
		if finished > 0 {
			entry.SuccessRate = float64(a.ok) / float64(finished)
		}
		if a.count > 0 {
			entry.AvgDuration = a.sum / float64(a.count)
		}
		r.ByWorkflow = append(r.ByWorkflow, entry)
	}
	sort.Slice(r.ByWorkflow, func(i, j int) bool { return r.ByWorkflow[i].WorkflowID < r.ByWorkflow[j].WorkflowID })

	type stAcc struct {
		count, failures int64
		sum             float64
	}
	byType := map[string]*stAcc{}
	for _, s := range steps {
		typ := stepTypeOf(s.WorkflowExecutionID, s.StepID)
		a := byType[typ]
		if a == nil {
			a = &stAcc{}
			byType[typ] = a
		}
		a.count++
		if s.Status == store.StatusFailed {
			a.failures++
		}
		a.sum += s.Duration
	}
	for typ, a := range byType {
		st := StepTypeStats{Count: a.count, Failures: a.failures}
		if a.count > 0 {
			st.AvgDuration = a.sum / float64(a.count)
		}
		r.ByStepType[typ] = st
	}

	return r, nil
}

// stepTypeResolver maps (execution_id, step_id) to a step type through the
// execution's workflow definition.
func (m *Monitor) stepTypeResolver(execs []store.WorkflowExecution) func(executionID, stepID string) string {
	workflowOf := make(map[string]string, len(execs))
	for _, e := range execs {
		workflowOf[e.ExecutionID] = e.WorkflowID
	}
	typeCache := map[string]map[string]string{}
	return func(executionID, stepID string) string {
		workflowID, ok := workflowOf[executionID]
		if !ok {
			return "unknown"
		}
		types, ok := typeCache[workflowID]
		if !ok {
			types = map[string]string{}
			if def, err := m.engine.GetWorkflow(workflowID); err == nil {
				for _, s := range def.Steps {
					types[s.StepID] = string(s.StepType)
				}
			}
			typeCache[workflowID] = types
		}
		if t, ok := types[stepID]; ok {
			return t
		}
		return "unknown"
	}
}

// --- trends ---

type DailyBucket struct {
	Day        string  `json:"day"`
	Executions int64   `json:"executions"`
	Successful int64   `json:"successful"`
	Failed     int64   `json:"failed"`
	AvgDur     float64 `json:"avg_duration"`
}

type Trends struct {
	Days            []DailyBucket    `json:"days"`
	ByWorkflowType  map[string]int64 `json:"by_workflow_type"`
	BusiestWorkflow string           `json:"busiest_workflow,omitempty"`
}

// BuildTrends buckets the last n days of executions by calendar day (UTC)
// and by workflow type.
func (m *Monitor) BuildTrends(ctx context.Context, days int) (*Trends, error) {
	if days <= 0 {
		days = 7
	}
	since := m.now().AddDate(0, 0, -days)
	execs, err := m.repo.ListExecutionsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	type dayAcc struct {
		total, ok, failed int64
		sum               float64
		count             int64
	}
	byDay := map[string]*dayAcc{}
	byType := map[string]int64{}
	byWorkflow := map[string]int64{}

	for _, e := range execs {
		day := e.StartTime.UTC().Format("2006-01-02")
		a := byDay[day]
		if a == nil {
			a = &dayAcc{}
			byDay[day] = a
		}
		a.total++
		if e.Status == store.StatusCompleted {
			a.ok++
		}
		if e.Status == store.StatusFailed {
			a.failed++
		}
		if e.EndTime != nil {
			a.sum += e.EndTime.Sub(e.StartTime).Seconds()
			a.count++
		}
		byWorkflow[e.WorkflowID]++
		if def, err := m.engine.GetWorkflow(e.WorkflowID); err == nil {
			byType[def.WorkflowType]++
		} else {
			byType["unknown"]++
		}
	}

	t := &Trends{ByWorkflowType: byType}
	for day, a := range byDay {
		b := DailyBucket{Day: day, Executions: a.total, Successful: a.ok, Failed: a.failed}
		if a.count > 0 {
			b.AvgDur = a.sum / float64(a.count)
		}
		t.Days = append(t.Days, b)
	}
	sort.Slice(t.Days, func(i, j int) bool { return t.Days[i].Day < t.Days[j].Day })

	var busiest string
	var best int64
	for workflowID, n := range byWorkflow {
		if n > best || (n == best && workflowID < busiest) {
			busiest = workflowID
			best = n
		}
	}
	t.BusiestWorkflow = busiest
	return t, nil
}

// --- recommendations ---

type Recommendation struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// Recommendations derives actionable hints from the performance rows and
// open alerts: workflows running slower than the threshold, workflows under
// the minimum success rate, and a backlog of unacknowledged alerts.
func (m *Monitor) Recommendations(ctx context.Context) ([]Recommendation, error) {
	perf, err := m.repo.ListPerformance(ctx)
	if err != nil {
		return nil, err
	}
	alerts, err := m.repo.ListAlerts(ctx, false)
	if err != nil {
		return nil, err
	}

	var recs []Recommendation
	slowAfter := m.opts.SlowWorkflowThreshold.Seconds()
	for _, p := range perf {
		if p.AvgDuration > slowAfter {
			recs = append(recs, Recommendation{
				WorkflowID: p.WorkflowID,
				Kind:       "slow_workflow",
				Message: fmt.Sprintf("workflow %s averages %.0fs per run, above the %.0fs threshold; consider splitting steps or lowering timeouts",
					p.WorkflowID, p.AvgDuration, slowAfter),
			})
		}
		if p.TotalExecutions >= 3 && p.SuccessRate < m.opts.MinSuccessRate {
			recs = append(recs, Recommendation{
				WorkflowID: p.WorkflowID,
				Kind:       "low_success_rate",
				Message: fmt.Sprintf("workflow %s succeeds %.0f%% of the time, below the %.0f%% target; review recent failures",
					p.WorkflowID, p.SuccessRate*100, m.opts.MinSuccessRate*100),
			})
		}
	}
	if len(alerts) > 0 {
		recs = append(recs, Recommendation{
			Kind:    "open_alerts",
			Message: fmt.Sprintf("%d unacknowledged alerts; acknowledge or investigate them", len(alerts)),
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].WorkflowID != recs[j].WorkflowID {
			return recs[i].WorkflowID < recs[j].WorkflowID
		}
		return recs[i].Kind < recs[j].Kind
	})
	return recs, nil
}
