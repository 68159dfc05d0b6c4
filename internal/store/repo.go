package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// Keep warnings/errors, and suppress ErrRecordNotFound specifically:
	// "record not found" is expected when checking for existing alerts.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()

	// Create missing tables only. We intentionally avoid AutoMigrate because
	// it can trigger driver/migrator edge-cases in some environments; the
	// schema is stable and managed by explicit model definitions.
	tables := []any{
		&WorkflowDefinition{},
		&WorkflowExecution{},
		&StepExecution{},
		&WorkflowSchedule{},
		&WorkflowTrigger{},
		&WorkflowTemplate{},
		&WorkflowAlert{},
		&WorkflowPerformance{},
	}
	for _, t := range tables {
		if m.HasTable(t) {
			continue
		}
		if err := m.CreateTable(t); err != nil {
			return fmt.Errorf("create table %T: %w", t, err)
		}
	}

	// Ensure indexes exist (names come from struct tags in models.go).
	indexes := []struct {
		model any
		field string
	}{
		{&WorkflowExecution{}, "WorkflowID"},
		{&StepExecution{}, "WorkflowExecutionID"},
		{&WorkflowSchedule{}, "WorkflowID"},
		{&WorkflowTrigger{}, "WorkflowID"},
		{&WorkflowAlert{}, "ExecutionID"},
	}
	for _, ix := range indexes {
		if m.HasIndex(ix.model, ix.field) {
			continue
		}
		if err := m.CreateIndex(ix.model, ix.field); err != nil {
			return fmt.Errorf("create index %T.%s: %w", ix.model, ix.field, err)
		}
	}
	return nil
}

// --- definitions ---

func (r *Repo) ListDefinitions(ctx context.Context) ([]WorkflowDefinition, error) {
	var rows []WorkflowDefinition
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetDefinition(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	var d WorkflowDefinition
	if err := r.db.WithContext(ctx).First(&d, "workflow_id = ?", workflowID).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) SaveDefinition(ctx context.Context, d *WorkflowDefinition) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *Repo) DeleteDefinition(ctx context.Context, workflowID string) error {
	return r.db.WithContext(ctx).Delete(&WorkflowDefinition{}, "workflow_id = ?", workflowID).Error
}

// --- executions ---

func (r *Repo) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	if e.StartTime.IsZero() {
		e.StartTime = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repo) SaveExecution(ctx context.Context, e *WorkflowExecution) error {
	return r.db.WithContext(ctx).Save(e).Error
}

func (r *Repo) DeleteExecution(ctx context.Context, executionID string) error {
	return r.db.WithContext(ctx).Delete(&WorkflowExecution{}, "execution_id = ?", executionID).Error
}

func (r *Repo) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	var e WorkflowExecution
	if err := r.db.WithContext(ctx).First(&e, "execution_id = ?", executionID).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repo) ListExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []WorkflowExecution
	q := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("start_time desc").Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListExecutionsSince(ctx context.Context, since time.Time) ([]WorkflowExecution, error) {
	var rows []WorkflowExecution
	if err := r.db.WithContext(ctx).Where("start_time >= ?", since).Order("start_time asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListExecutionsByStatusSince(ctx context.Context, status string, since time.Time) ([]WorkflowExecution, error) {
	var rows []WorkflowExecution
	q := r.db.WithContext(ctx).Where("status = ? AND start_time >= ?", status, since).Order("start_time asc")
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListAllExecutions(ctx context.Context) ([]WorkflowExecution, error) {
	var rows []WorkflowExecution
	if err := r.db.WithContext(ctx).Order("start_time asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) CountExecutionsByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&WorkflowExecution{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// --- step executions ---

func (r *Repo) CreateStepExecution(ctx context.Context, s *StepExecution) error {
	if s.StartTime.IsZero() {
		s.StartTime = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = StatusRunning
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) SaveStepExecution(ctx context.Context, s *StepExecution) error {
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *Repo) ListStepExecutions(ctx context.Context, executionID string) ([]StepExecution, error) {
	var rows []StepExecution
	q := r.db.WithContext(ctx).Where("workflow_execution_id = ?", executionID).Order("start_time asc")
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListStepExecutionsSince(ctx context.Context, since time.Time) ([]StepExecution, error) {
	var rows []StepExecution
	if err := r.db.WithContext(ctx).Where("start_time >= ?", since).Order("start_time asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- schedules ---

func (r *Repo) SaveSchedule(ctx context.Context, s *WorkflowSchedule) error {
	if s.ScheduleID == uuid.Nil {
		s.ScheduleID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *Repo) ListSchedules(ctx context.Context) ([]WorkflowSchedule, error) {
	var rows []WorkflowSchedule
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) DeleteSchedule(ctx context.Context, scheduleID uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&WorkflowSchedule{}, "schedule_id = ?", scheduleID).Error
}

// --- triggers ---

func (r *Repo) SaveTrigger(ctx context.Context, t *WorkflowTrigger) error {
	if t.TriggerID == uuid.Nil {
		t.TriggerID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Save(t).Error
}

func (r *Repo) ListTriggers(ctx context.Context) ([]WorkflowTrigger, error) {
	var rows []WorkflowTrigger
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) DeleteTrigger(ctx context.Context, triggerID uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&WorkflowTrigger{}, "trigger_id = ?", triggerID).Error
}

// --- templates ---

func (r *Repo) SaveTemplate(ctx context.Context, t *WorkflowTemplate) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Save(t).Error
}

func (r *Repo) ListTemplates(ctx context.Context) ([]WorkflowTemplate, error) {
	var rows []WorkflowTemplate
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) DeleteTemplate(ctx context.Context, templateID string) error {
	return r.db.WithContext(ctx).Delete(&WorkflowTemplate{}, "template_id = ?", templateID).Error
}

// --- alerts ---

func (r *Repo) CreateAlert(ctx context.Context, a *WorkflowAlert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) GetAlert(ctx context.Context, alertID string) (*WorkflowAlert, error) {
	var a WorkflowAlert
	if err := r.db.WithContext(ctx).First(&a, "alert_id = ?", alertID).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) SaveAlert(ctx context.Context, a *WorkflowAlert) error {
	return r.db.WithContext(ctx).Save(a).Error
}

func (r *Repo) ListAlerts(ctx context.Context, includeAcknowledged bool) ([]WorkflowAlert, error) {
	var rows []WorkflowAlert
	q := r.db.WithContext(ctx).Order("created_at desc")
	if !includeAcknowledged {
		q = q.Where("acknowledged = ?", false)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountOpenAlerts reports unacknowledged alerts for one (execution, type)
// pair; the monitor uses it for deduplication.
func (r *Repo) CountOpenAlerts(ctx context.Context, executionID, alertType string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&WorkflowAlert{}).
		Where("execution_id = ? AND alert_type = ? AND acknowledged = ?", executionID, alertType, false).
		Count(&n).Error
	return n, err
}

func (r *Repo) DeleteAlert(ctx context.Context, alertID string) error {
	return r.db.WithContext(ctx).Delete(&WorkflowAlert{}, "alert_id = ?", alertID).Error
}

// --- performance ---

func (r *Repo) SavePerformance(ctx context.Context, p *WorkflowPerformance) error {
	p.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *Repo) ListPerformance(ctx context.Context) ([]WorkflowPerformance, error) {
	var rows []WorkflowPerformance
	if err := r.db.WithContext(ctx).Order("workflow_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetPerformance(ctx context.Context, workflowID string) (*WorkflowPerformance, error) {
	var p WorkflowPerformance
	if err := r.db.WithContext(ctx).First(&p, "workflow_id = ?", workflowID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}
