package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Execution status values. Paused exists in the status set and round-trips
// through the store, but no engine transition produces it.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusPaused    = "paused"
)

// WorkflowDefinition is a persisted workflow definition. Steps, triggers and
// metadata are intentionally flexible JSON for forward-compatibility.
type WorkflowDefinition struct {
	WorkflowID   string         `gorm:"primaryKey" json:"workflow_id"`
	Name         string         `gorm:"not null" json:"name"`
	Description  string         `json:"description"`
	WorkflowType string         `gorm:"not null" json:"workflow_type"`
	Steps        datatypes.JSON `gorm:"not null" json:"steps"`
	Triggers     datatypes.JSON `json:"triggers,omitempty"`
	Schedule     string         `json:"schedule,omitempty"`
	Timeout      int            `gorm:"default:1800" json:"timeout"`
	MaxRetries   int            `gorm:"default:3" json:"max_retries"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// WorkflowExecution is one requested run of a definition. Rows are never
// deleted; they are the durable audit trail.
type WorkflowExecution struct {
	ExecutionID string         `gorm:"primaryKey" json:"execution_id"`
	WorkflowID  string         `gorm:"index:idx_workflow_executions_workflow_id;not null" json:"workflow_id"`
	Status      string         `gorm:"not null" json:"status"`
	StartTime   time.Time      `gorm:"not null" json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
	Progress    float64        `gorm:"default:0" json:"progress"`
	Result      datatypes.JSON `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Context     datatypes.JSON `json:"context,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
}

// StepExecution is one attempt of one step. A step retried twice produces
// three rows; RetryCount is the zero-based attempt index.
type StepExecution struct {
	StepExecutionID     string         `gorm:"primaryKey" json:"step_execution_id"`
	WorkflowExecutionID string         `gorm:"index:idx_step_executions_execution_id;not null" json:"workflow_execution_id"`
	StepID              string         `gorm:"not null" json:"step_id"`
	Status              string         `gorm:"not null" json:"status"`
	StartTime           time.Time      `gorm:"not null" json:"start_time"`
	EndTime             *time.Time     `json:"end_time,omitempty"`
	Result              datatypes.JSON `json:"result,omitempty"`
	Error               string         `json:"error,omitempty"`
	RetryCount          int            `gorm:"default:0" json:"retry_count"`
	Duration            float64        `gorm:"default:0" json:"duration"`
}

// WorkflowSchedule is a cron-style recurring trigger. Once a run has
// occurred, NextRun is strictly after LastRun.
type WorkflowSchedule struct {
	ScheduleID     uuid.UUID  `gorm:"type:uuid;primaryKey" json:"schedule_id"`
	WorkflowID     string     `gorm:"index:idx_workflow_schedules_workflow_id;not null" json:"workflow_id"`
	CronExpression string     `gorm:"not null" json:"cron_expression"`
	Enabled        bool       `gorm:"not null;default:true" json:"enabled"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	NextRun        time.Time  `gorm:"not null" json:"next_run"`
	CreatedAt      time.Time  `json:"created_at"`
}

// WorkflowTrigger fires a workflow when a matching event arrives on the bus.
type WorkflowTrigger struct {
	TriggerID   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"trigger_id"`
	WorkflowID  string         `gorm:"index:idx_workflow_triggers_workflow_id;not null" json:"workflow_id"`
	EventType   string         `gorm:"not null" json:"event_type"`
	Filter      datatypes.JSON `json:"filter,omitempty"`
	Enabled     bool           `gorm:"not null;default:true" json:"enabled"`
	CooldownSec int            `gorm:"default:0" json:"cooldown_sec"`
	CreatedAt   time.Time      `json:"created_at"`
}

// WorkflowTemplate is a parameterized definition factory.
type WorkflowTemplate struct {
	TemplateID   string         `gorm:"primaryKey" json:"template_id"`
	Name         string         `gorm:"not null" json:"name"`
	Description  string         `json:"description"`
	Category     string         `json:"category"`
	WorkflowType string         `gorm:"not null" json:"workflow_type"`
	Parameters   datatypes.JSON `json:"parameters,omitempty"`
	Steps        datatypes.JSON `gorm:"not null" json:"steps"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// WorkflowAlert is raised by the monitor on anomalies. Deduplicated per
// (execution_id, alert_type) while unacknowledged.
type WorkflowAlert struct {
	AlertID        string     `gorm:"primaryKey" json:"alert_id"`
	ExecutionID    string     `gorm:"index:idx_workflow_alerts_execution_id" json:"execution_id"`
	WorkflowID     string     `json:"workflow_id"`
	AlertType      string     `gorm:"not null" json:"alert_type"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Acknowledged   bool       `gorm:"not null;default:false" json:"acknowledged"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// WorkflowPerformance is a derived row per workflow, fully recomputed by the
// monitor from execution rows. Not a source of truth.
type WorkflowPerformance struct {
	WorkflowID           string     `gorm:"primaryKey" json:"workflow_id"`
	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	MinDuration          float64    `json:"min_duration"`
	MaxDuration          float64    `json:"max_duration"`
	AvgDuration          float64    `json:"avg_duration"`
	SuccessRate          float64    `json:"success_rate"`
	LastExecutedAt       *time.Time `json:"last_executed_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
