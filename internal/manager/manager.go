package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arxfield/workflow-service/internal/engine"
	"github.com/arxfield/workflow-service/internal/store"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Template is a parameterized workflow factory. Parameters hold defaults
// that instantiation overrides may replace.
type Template struct {
	TemplateID   string         `json:"template_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Category     string         `json:"category,omitempty"`
	WorkflowType string         `json:"workflow_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Steps        []engine.Step  `json:"steps"`
}

// Manager layers templates, cron schedules and event triggers on top of the
// engine. All three registries follow the same discipline as the engine's
// definition map: persist first, then update the cache under the write lock.
type Manager struct {
	engine *engine.Engine
	repo   *store.Repo

	mu        sync.RWMutex
	templates map[string]Template
	schedules map[uuid.UUID]*store.WorkflowSchedule
	triggers  map[uuid.UUID]*store.WorkflowTrigger
	lastFired map[uuid.UUID]time.Time

	checkEvery time.Duration
	parser     cron.Parser
	now        func() time.Time
}

func New(eng *engine.Engine, repo *store.Repo, checkEvery time.Duration) *Manager {
	if checkEvery <= 0 {
		checkEvery = 30 * time.Second
	}
	return &Manager{
		engine:     eng,
		repo:       repo,
		templates:  map[string]Template{},
		schedules:  map[uuid.UUID]*store.WorkflowSchedule{},
		triggers:   map[uuid.UUID]*store.WorkflowTrigger{},
		lastFired:  map[uuid.UUID]time.Time{},
		checkEvery: checkEvery,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start warms the caches from the store, installs the seed templates and
// launches the schedule loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.reload(ctx); err != nil {
		return err
	}
	for _, t := range seedTemplates() {
		m.mu.RLock()
		_, ok := m.templates[t.TemplateID]
		m.mu.RUnlock()
		if ok {
			continue
		}
		if err := m.SaveTemplate(ctx, t); err != nil {
			slog.Warn("seed template install failed", "template_id", t.TemplateID, "error", err)
		}
	}
	// Definitions carrying an inline schedule get one created for them.
	for _, def := range m.engine.ListWorkflows() {
		if def.Schedule == "" || m.hasScheduleFor(def.WorkflowID) {
			continue
		}
		if _, err := m.ScheduleWorkflow(ctx, def.WorkflowID, def.Schedule); err != nil {
			slog.Warn("inline schedule install failed", "workflow_id", def.WorkflowID, "error", err)
		}
	}

	go m.scheduleLoop(ctx)
	return nil
}

func (m *Manager) reload(ctx context.Context) error {
	srows, err := m.repo.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	trows, err := m.repo.ListTriggers(ctx)
	if err != nil {
		return fmt.Errorf("load triggers: %w", err)
	}
	tmpls, err := m.repo.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = map[uuid.UUID]*store.WorkflowSchedule{}
	for i := range srows {
		m.schedules[srows[i].ScheduleID] = &srows[i]
	}
	m.triggers = map[uuid.UUID]*store.WorkflowTrigger{}
	for i := range trows {
		m.triggers[trows[i].TriggerID] = &trows[i]
	}
	m.templates = map[string]Template{}
	for _, row := range tmpls {
		t, err := templateFromStore(row)
		if err != nil {
			slog.Warn("invalid stored template", "template_id", row.TemplateID, "error", err)
			continue
		}
		m.templates[t.TemplateID] = t
	}
	return nil
}

func (m *Manager) hasScheduleFor(workflowID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.schedules {
		if s.WorkflowID == workflowID {
			return true
		}
	}
	return false
}

// --- templates ---

func (m *Manager) SaveTemplate(ctx context.Context, t Template) error {
	if t.TemplateID == "" || t.Name == "" || t.WorkflowType == "" {
		return &engine.ValidationError{Field: "template", Reason: "template_id, name and workflow_type are required"}
	}
	if len(t.Steps) == 0 {
		return &engine.ValidationError{Field: "steps", Reason: "must not be empty"}
	}

	row, err := templateToStore(t)
	if err != nil {
		return err
	}
	if err := m.repo.SaveTemplate(ctx, row); err != nil {
		return fmt.Errorf("persist template %s: %w", t.TemplateID, err)
	}
	m.mu.Lock()
	m.templates[t.TemplateID] = t
	m.mu.Unlock()
	return nil
}

func (m *Manager) GetTemplate(templateID string) (Template, error) {
	m.mu.RLock()
	t, ok := m.templates[templateID]
	m.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %s: %w", templateID, engine.ErrNotFound)
	}
	return t, nil
}

func (m *Manager) ListTemplates() []Template {
	m.mu.RLock()
	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out
}

func (m *Manager) DeleteTemplate(ctx context.Context, templateID string) error {
	m.mu.RLock()
	_, ok := m.templates[templateID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("template %s: %w", templateID, engine.ErrNotFound)
	}
	if err := m.repo.DeleteTemplate(ctx, templateID); err != nil {
		return fmt.Errorf("delete template %s: %w", templateID, err)
	}
	m.mu.Lock()
	delete(m.templates, templateID)
	m.mu.Unlock()
	return nil
}

// SearchTemplates matches the query as a substring of the template id, name
// or description, case-insensitively. An empty query matches everything; a
// non-empty category additionally filters by exact category.
func (m *Manager) SearchTemplates(query, category string) []Template {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Template
	for _, t := range m.ListTemplates() {
		if category != "" && t.Category != category {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(t.TemplateID), q) &&
			!strings.Contains(strings.ToLower(t.Name), q) &&
			!strings.Contains(strings.ToLower(t.Description), q) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// CreateWorkflowFromTemplate instantiates a template into a live workflow.
// Overrides win over template parameter defaults; each instantiation gets a
// unique workflow id derived from the template id.
func (m *Manager) CreateWorkflowFromTemplate(ctx context.Context, templateID string, overrides map[string]any) (string, error) {
	t, err := m.GetTemplate(templateID)
	if err != nil {
		return "", err
	}

	params := map[string]any{}
	for k, v := range t.Parameters {
		params[k] = v
	}
	for k, v := range overrides {
		params[k] = v
	}

	workflowID := fmt.Sprintf("%s_%d", templateID, time.Now().UTC().UnixNano())
	steps := make([]engine.Step, len(t.Steps))
	for i, s := range t.Steps {
		steps[i] = s
		merged := make(map[string]any, len(s.Parameters)+len(params))
		for k, v := range s.Parameters {
			merged[k] = v
		}
		for k, v := range params {
			if _, exists := merged[k]; exists {
				merged[k] = v
			}
		}
		steps[i].Parameters = merged
	}

	def := engine.Definition{
		WorkflowID:   workflowID,
		Name:         t.Name,
		Description:  t.Description,
		WorkflowType: t.WorkflowType,
		Steps:        steps,
		Metadata:     map[string]any{"template_id": templateID},
	}
	if err := m.engine.CreateWorkflow(ctx, def); err != nil {
		return "", err
	}
	return workflowID, nil
}

// --- schedules ---

// ScheduleWorkflow registers a standard five-field cron schedule. The
// expression is validated up front and the first next_run computed from it.
func (m *Manager) ScheduleWorkflow(ctx context.Context, workflowID, cronExpr string) (uuid.UUID, error) {
	if _, err := m.engine.GetWorkflow(workflowID); err != nil {
		return uuid.Nil, err
	}
	sched, err := m.parser.Parse(cronExpr)
	if err != nil {
		return uuid.Nil, &engine.ValidationError{Field: "cron_expression", Reason: err.Error()}
	}

	row := &store.WorkflowSchedule{
		ScheduleID:     uuid.New(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Enabled:        true,
		NextRun:        sched.Next(m.now()),
		CreatedAt:      m.now(),
	}
	if err := m.repo.SaveSchedule(ctx, row); err != nil {
		return uuid.Nil, fmt.Errorf("persist schedule: %w", err)
	}
	m.mu.Lock()
	m.schedules[row.ScheduleID] = row
	m.mu.Unlock()

	slog.Info("workflow scheduled", "workflow_id", workflowID, "cron", cronExpr, "next_run", row.NextRun)
	return row.ScheduleID, nil
}

func (m *Manager) ListSchedules() []store.WorkflowSchedule {
	m.mu.RLock()
	out := make([]store.WorkflowSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) SetScheduleEnabled(ctx context.Context, scheduleID uuid.UUID, enabled bool) error {
	m.mu.RLock()
	s, ok := m.schedules[scheduleID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, engine.ErrNotFound)
	}

	updated := *s
	updated.Enabled = enabled
	if enabled {
		if sched, err := m.parser.Parse(updated.CronExpression); err == nil {
			updated.NextRun = sched.Next(m.now())
		}
	}
	if err := m.repo.SaveSchedule(ctx, &updated); err != nil {
		return fmt.Errorf("persist schedule %s: %w", scheduleID, err)
	}
	m.mu.Lock()
	m.schedules[scheduleID] = &updated
	m.mu.Unlock()
	return nil
}

func (m *Manager) DeleteSchedule(ctx context.Context, scheduleID uuid.UUID) error {
	m.mu.RLock()
	_, ok := m.schedules[scheduleID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, engine.ErrNotFound)
	}
	if err := m.repo.DeleteSchedule(ctx, scheduleID); err != nil {
		return fmt.Errorf("delete schedule %s: %w", scheduleID, err)
	}
	m.mu.Lock()
	delete(m.schedules, scheduleID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fireDueSchedules(ctx)
		}
	}
}

// fireDueSchedules launches every enabled schedule whose next_run has
// passed. next_run always advances to a time strictly after now, so a
// missed window fires once rather than replaying.
func (m *Manager) fireDueSchedules(ctx context.Context) {
	now := m.now()

	m.mu.RLock()
	due := make([]*store.WorkflowSchedule, 0)
	for _, s := range m.schedules {
		if s.Enabled && !s.NextRun.After(now) {
			due = append(due, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range due {
		if _, err := m.engine.ExecuteWorkflow(ctx, s.WorkflowID, map[string]any{
			"triggered_by": "schedule",
			"schedule_id":  s.ScheduleID.String(),
		}); err != nil {
			slog.Warn("scheduled execution failed to start", "workflow_id", s.WorkflowID, "error", err)
		}

		updated := *s
		last := now
		updated.LastRun = &last
		if sched, err := m.parser.Parse(updated.CronExpression); err == nil {
			updated.NextRun = sched.Next(now)
		} else {
			// Unparseable rows should not fire every tick.
			updated.Enabled = false
		}
		if err := m.repo.SaveSchedule(ctx, &updated); err != nil {
			slog.Warn("persist schedule advance failed", "schedule_id", s.ScheduleID, "error", err)
		}
		m.mu.Lock()
		m.schedules[s.ScheduleID] = &updated
		m.mu.Unlock()
	}
}

// --- event triggers ---

func (m *Manager) CreateTrigger(ctx context.Context, workflowID, eventType string, filter map[string]any, cooldownSec int) (uuid.UUID, error) {
	if _, err := m.engine.GetWorkflow(workflowID); err != nil {
		return uuid.Nil, err
	}
	if eventType == "" {
		return uuid.Nil, &engine.ValidationError{Field: "event_type", Reason: "is required"}
	}

	row := &store.WorkflowTrigger{
		TriggerID:   uuid.New(),
		WorkflowID:  workflowID,
		EventType:   eventType,
		Enabled:     true,
		CooldownSec: cooldownSec,
		CreatedAt:   m.now(),
	}
	if len(filter) > 0 {
		b, err := json.Marshal(filter)
		if err != nil {
			return uuid.Nil, &engine.ValidationError{Field: "filter", Reason: "not serializable: " + err.Error()}
		}
		row.Filter = b
	}
	if err := m.repo.SaveTrigger(ctx, row); err != nil {
		return uuid.Nil, fmt.Errorf("persist trigger: %w", err)
	}
	m.mu.Lock()
	m.triggers[row.TriggerID] = row
	m.mu.Unlock()
	return row.TriggerID, nil
}

func (m *Manager) ListTriggers() []store.WorkflowTrigger {
	m.mu.RLock()
	out := make([]store.WorkflowTrigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, *t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) SetTriggerEnabled(ctx context.Context, triggerID uuid.UUID, enabled bool) error {
	m.mu.RLock()
	t, ok := m.triggers[triggerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("trigger %s: %w", triggerID, engine.ErrNotFound)
	}
	updated := *t
	updated.Enabled = enabled
	if err := m.repo.SaveTrigger(ctx, &updated); err != nil {
		return fmt.Errorf("persist trigger %s: %w", triggerID, err)
	}
	m.mu.Lock()
	m.triggers[triggerID] = &updated
	m.mu.Unlock()
	return nil
}

func (m *Manager) DeleteTrigger(ctx context.Context, triggerID uuid.UUID) error {
	m.mu.RLock()
	_, ok := m.triggers[triggerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("trigger %s: %w", triggerID, engine.ErrNotFound)
	}
	if err := m.repo.DeleteTrigger(ctx, triggerID); err != nil {
		return fmt.Errorf("delete trigger %s: %w", triggerID, err)
	}
	m.mu.Lock()
	delete(m.triggers, triggerID)
	delete(m.lastFired, triggerID)
	m.mu.Unlock()
	return nil
}

// FireEvent dispatches an incoming event against all enabled triggers. A
// trigger fires when its event type matches, every filter key equals the
// corresponding payload value, and its cooldown has elapsed.
func (m *Manager) FireEvent(ctx context.Context, eventType string, payload map[string]any) []string {
	m.mu.RLock()
	candidates := make([]*store.WorkflowTrigger, 0)
	for _, t := range m.triggers {
		if t.Enabled && t.EventType == eventType {
			candidates = append(candidates, t)
		}
	}
	m.mu.RUnlock()

	var started []string
	now := m.now()
	for _, t := range candidates {
		if !m.filterMatches(t, payload) {
			continue
		}
		if !m.allowFire(t, now) {
			continue
		}
		execID, err := m.engine.ExecuteWorkflow(ctx, t.WorkflowID, map[string]any{
			"triggered_by": "event",
			"event_type":   eventType,
			"event":        payload,
			"trigger_id":   t.TriggerID.String(),
		})
		if err != nil {
			slog.Warn("triggered execution failed to start", "workflow_id", t.WorkflowID, "error", err)
			continue
		}
		started = append(started, execID)
	}
	return started
}

func (m *Manager) filterMatches(t *store.WorkflowTrigger, payload map[string]any) bool {
	if len(t.Filter) == 0 {
		return true
	}
	var filter map[string]any
	if err := json.Unmarshal(t.Filter, &filter); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func (m *Manager) allowFire(t *store.WorkflowTrigger, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CooldownSec > 0 {
		if last, ok := m.lastFired[t.TriggerID]; ok {
			if now.Sub(last) < time.Duration(t.CooldownSec)*time.Second {
				return false
			}
		}
	}
	m.lastFired[t.TriggerID] = now
	return true
}

func templateToStore(t Template) (*store.WorkflowTemplate, error) {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return nil, &engine.ValidationError{Field: "steps", Reason: "not serializable: " + err.Error()}
	}
	row := &store.WorkflowTemplate{
		TemplateID:   t.TemplateID,
		Name:         t.Name,
		Description:  t.Description,
		Category:     t.Category,
		WorkflowType: t.WorkflowType,
		Steps:        steps,
	}
	if len(t.Parameters) > 0 {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, &engine.ValidationError{Field: "parameters", Reason: "not serializable: " + err.Error()}
		}
		row.Parameters = params
	}
	return row, nil
}

func templateFromStore(row store.WorkflowTemplate) (Template, error) {
	t := Template{
		TemplateID:   row.TemplateID,
		Name:         row.Name,
		Description:  row.Description,
		Category:     row.Category,
		WorkflowType: row.WorkflowType,
	}
	if err := json.Unmarshal(row.Steps, &t.Steps); err != nil {
		return Template{}, err
	}
	if len(row.Parameters) > 0 {
		if err := json.Unmarshal(row.Parameters, &t.Parameters); err != nil {
			return Template{}, err
		}
	}
	return t, nil
}
