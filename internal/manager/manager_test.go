package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/arxfield/workflow-service/internal/engine"
	"github.com/arxfield/workflow-service/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type nopRunner struct{}

func (nopRunner) ExecuteStep(_ context.Context, _ engine.Step, _ map[string]any, _ string) map[string]any {
	return map[string]any{"status": "success"}
}

func newTestManager(t *testing.T) (*Manager, *engine.Engine, *store.Repo) {
	t.Helper()
	dsn := fmt.Sprintf("file:manager_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// The engine is not started: definitions register fine and executions
	// queue as pending, which is all these tests need.
	eng := engine.New(repo, nopRunner{}, engine.Options{QueueSize: 16})
	return New(eng, repo, time.Minute), eng, repo
}

func registerWorkflow(t *testing.T, eng *engine.Engine, workflowID string) {
	t.Helper()
	err := eng.CreateWorkflow(context.Background(), engine.Definition{
		WorkflowID:   workflowID,
		Name:         "Test " + workflowID,
		WorkflowType: "test",
		Steps: []engine.Step{
			{StepID: "s1", Name: "S1", StepType: engine.StepTransform, Required: true},
		},
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
}

func TestScheduleWorkflowValidatesCron(t *testing.T) {
	m, eng, _ := newTestManager(t)
	registerWorkflow(t, eng, "wf_1")

	var verr *engine.ValidationError
	if _, err := m.ScheduleWorkflow(context.Background(), "wf_1", "every 5 minutes"); !errors.As(err, &verr) {
		t.Fatalf("want ValidationError for bad cron, got %v", err)
	}
	if _, err := m.ScheduleWorkflow(context.Background(), "wf_missing", "0 2 * * *"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown workflow, got %v", err)
	}

	id, err := m.ScheduleWorkflow(context.Background(), "wf_1", "0 2 * * *")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("schedule id not assigned")
	}

	scheds := m.ListSchedules()
	if len(scheds) != 1 {
		t.Fatalf("want 1 schedule, got %d", len(scheds))
	}
	if !scheds[0].NextRun.After(time.Now().UTC()) {
		t.Fatalf("next_run not in the future: %v", scheds[0].NextRun)
	}
}

func TestFireDueSchedulesAdvancesNextRun(t *testing.T) {
	m, eng, repo := newTestManager(t)
	registerWorkflow(t, eng, "wf_due")

	base := time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	if _, err := m.ScheduleWorkflow(context.Background(), "wf_due", "0 2 * * *"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Move past the 02:00 fire time and run one check.
	m.now = func() time.Time { return base.Add(90 * time.Minute) }
	m.fireDueSchedules(context.Background())

	execs, err := repo.ListExecutions(context.Background(), "wf_due", 10)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("want 1 scheduled execution, got %d", len(execs))
	}

	scheds := m.ListSchedules()
	if scheds[0].LastRun == nil {
		t.Fatal("last_run not recorded")
	}
	if !scheds[0].NextRun.After(*scheds[0].LastRun) {
		t.Fatalf("next_run %v not after last_run %v", scheds[0].NextRun, *scheds[0].LastRun)
	}

	// A second check before the new next_run fires nothing.
	m.fireDueSchedules(context.Background())
	execs, _ = repo.ListExecutions(context.Background(), "wf_due", 10)
	if len(execs) != 1 {
		t.Fatalf("schedule refired early, got %d executions", len(execs))
	}
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	m, eng, repo := newTestManager(t)
	registerWorkflow(t, eng, "wf_off")

	base := time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	id, err := m.ScheduleWorkflow(context.Background(), "wf_off", "0 2 * * *")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := m.SetScheduleEnabled(context.Background(), id, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.fireDueSchedules(context.Background())

	execs, _ := repo.ListExecutions(context.Background(), "wf_off", 10)
	if len(execs) != 0 {
		t.Fatalf("disabled schedule fired, got %d executions", len(execs))
	}
}

func TestCreateWorkflowFromTemplate(t *testing.T) {
	m, eng, _ := newTestManager(t)

	tmpl := Template{
		TemplateID:   "validate_model",
		Name:         "Validate Model",
		Description:  "Run one validation pass",
		Category:     "validation",
		WorkflowType: "validation",
		Parameters:   map[string]any{"validation_type": "geometry"},
		Steps: []engine.Step{
			{
				StepID: "v", Name: "Validate", StepType: engine.StepValidation,
				Parameters: map[string]any{"validation_type": "geometry"},
				Timeout:    300, Required: true,
			},
		},
	}
	if err := m.SaveTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("save template: %v", err)
	}

	workflowID, err := m.CreateWorkflowFromTemplate(context.Background(), "validate_model", map[string]any{"validation_type": "metadata"})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if !strings.HasPrefix(workflowID, "validate_model_") {
		t.Fatalf("workflow id %q not derived from template", workflowID)
	}

	def, err := eng.GetWorkflow(workflowID)
	if err != nil {
		t.Fatalf("instantiated workflow missing: %v", err)
	}
	if def.Steps[0].Parameters["validation_type"] != "metadata" {
		t.Fatalf("override not applied: %v", def.Steps[0].Parameters)
	}

	if _, err := m.CreateWorkflowFromTemplate(context.Background(), "nope", nil); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSearchTemplates(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, tmpl := range []Template{
		{TemplateID: "geo_check", Name: "Geometry Check", Description: "Checks geometry consistency", Category: "validation", WorkflowType: "validation",
			Steps: []engine.Step{{StepID: "s", Name: "S", StepType: engine.StepValidation}}},
		{TemplateID: "ifc_export", Name: "IFC Export", Description: "Exports the model as IFC", Category: "export", WorkflowType: "export",
			Steps: []engine.Step{{StepID: "s", Name: "S", StepType: engine.StepExport}}},
	} {
		if err := m.SaveTemplate(ctx, tmpl); err != nil {
			t.Fatalf("save %s: %v", tmpl.TemplateID, err)
		}
	}

	if got := m.SearchTemplates("geometry", ""); len(got) != 1 || got[0].TemplateID != "geo_check" {
		t.Fatalf("substring search failed: %+v", got)
	}
	// Matches in the description too, case-insensitively.
	if got := m.SearchTemplates("AS IFC", ""); len(got) != 1 || got[0].TemplateID != "ifc_export" {
		t.Fatalf("description search failed: %+v", got)
	}
	if got := m.SearchTemplates("", "export"); len(got) != 1 || got[0].TemplateID != "ifc_export" {
		t.Fatalf("category filter failed: %+v", got)
	}
	if got := m.SearchTemplates("zzz", ""); len(got) != 0 {
		t.Fatalf("want no matches, got %+v", got)
	}
	if got := m.SearchTemplates("", ""); len(got) != 2 {
		t.Fatalf("empty query should match all, got %d", len(got))
	}
}

func TestFireEventMatchesFilterAndCooldown(t *testing.T) {
	m, eng, _ := newTestManager(t)
	registerWorkflow(t, eng, "wf_evt")

	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	if _, err := m.CreateTrigger(context.Background(), "wf_evt", "model.updated", map[string]any{"site": "hq"}, 60); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	// Wrong filter value: no fire.
	if started := m.FireEvent(context.Background(), "model.updated", map[string]any{"site": "lab"}); len(started) != 0 {
		t.Fatalf("filter mismatch fired: %v", started)
	}
	// Wrong event type: no fire.
	if started := m.FireEvent(context.Background(), "model.deleted", map[string]any{"site": "hq"}); len(started) != 0 {
		t.Fatalf("event type mismatch fired: %v", started)
	}

	started := m.FireEvent(context.Background(), "model.updated", map[string]any{"site": "hq"})
	if len(started) != 1 {
		t.Fatalf("want 1 execution, got %v", started)
	}

	// Inside the cooldown window nothing fires.
	m.now = func() time.Time { return base.Add(30 * time.Second) }
	if started := m.FireEvent(context.Background(), "model.updated", map[string]any{"site": "hq"}); len(started) != 0 {
		t.Fatalf("cooldown ignored: %v", started)
	}

	// After the cooldown it fires again.
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if started := m.FireEvent(context.Background(), "model.updated", map[string]any{"site": "hq"}); len(started) != 1 {
		t.Fatalf("want fire after cooldown, got %v", started)
	}
}

func TestTemplateReloadFromStore(t *testing.T) {
	m, eng, repo := newTestManager(t)

	tmpl := Template{
		TemplateID:   "persisted",
		Name:         "Persisted",
		WorkflowType: "test",
		Steps:        []engine.Step{{StepID: "s", Name: "S", StepType: engine.StepTransform}},
	}
	if err := m.SaveTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("save: %v", err)
	}

	m2 := New(eng, repo, time.Minute)
	if err := m2.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := m2.GetTemplate("persisted")
	if err != nil {
		t.Fatalf("template lost on reload: %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].StepID != "s" {
		t.Fatalf("steps mutated on reload: %+v", got.Steps)
	}
}
