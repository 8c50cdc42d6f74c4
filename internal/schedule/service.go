package schedule

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// AgentDirectory answers whether an agent exists. Satisfied by the agent store.
type AgentDirectory interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Service owns schedule CRUD and execution history.
type Service struct {
	store  *Store
	agents AgentDirectory
	logger *logger.Logger
}

// NewService creates the schedule service.
func NewService(store *Store, agents AgentDirectory, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		agents: agents,
		logger: log.WithFields(zap.String("component", "schedule")),
	}
}

// Create validates and persists a new schedule for an agent. The cron
// expression and timezone are checked at write time; the first next_run_at
// is computed immediately so the scheduler can pick it up on its next reload.
func (s *Service) Create(ctx context.Context, agentName string, req *v1.CreateScheduleRequest) (*v1.Schedule, error) {
	exists, err := s.agents.Exists(ctx, agentName)
	if err != nil {
		return nil, apperrors.InternalError("check agent", err)
	}
	if !exists {
		return nil, apperrors.NotFound("agent", agentName)
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	if err := ValidateCron(req.CronExpression, timezone); err != nil {
		return nil, apperrors.ValidationError("cron_expression", err.Error())
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rec := &scheduleRecord{
		AgentName:      agentName,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Message:        req.Message,
		Timezone:       timezone,
		Enabled:        enabled,
	}
	if enabled {
		next, err := NextRun(req.CronExpression, timezone, time.Now())
		if err != nil {
			return nil, apperrors.ValidationError("cron_expression", err.Error())
		}
		rec.NextRunAt = sql.NullTime{Time: next, Valid: true}
	}

	if err := s.store.CreateSchedule(ctx, rec); err != nil {
		return nil, apperrors.InternalError("create schedule", err)
	}

	s.logger.Info("schedule created",
		zap.String("schedule_id", rec.ID),
		zap.String("agent_name", agentName),
		zap.String("cron", req.CronExpression),
		zap.String("timezone", timezone),
	)
	return rec.toAPI(), nil
}

// Get returns one schedule, scoped to the agent in the URL.
func (s *Service) Get(ctx context.Context, agentName, id string) (*v1.Schedule, error) {
	rec, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("schedule", id)
		}
		return nil, apperrors.InternalError("get schedule", err)
	}
	if rec.AgentName != agentName {
		return nil, apperrors.NotFound("schedule", id)
	}
	return rec.toAPI(), nil
}

// List returns an agent's schedules.
func (s *Service) List(ctx context.Context, agentName string) ([]*v1.Schedule, error) {
	recs, err := s.store.ListByAgent(ctx, agentName)
	if err != nil {
		return nil, apperrors.InternalError("list schedules", err)
	}
	out := make([]*v1.Schedule, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAPI())
	}
	return out, nil
}

// ListEnabled returns every enabled schedule across all agents. The
// scheduler loop uses this to rebuild its run heap.
func (s *Service) ListEnabled(ctx context.Context) ([]*v1.Schedule, error) {
	recs, err := s.store.ListEnabled(ctx)
	if err != nil {
		return nil, apperrors.InternalError("list enabled schedules", err)
	}
	out := make([]*v1.Schedule, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAPI())
	}
	return out, nil
}

// Update applies a partial update. Changing the cron expression or timezone
// recomputes next_run_at; toggling enabled on does the same, toggling it off
// clears it.
func (s *Service) Update(ctx context.Context, agentName, id string, req *v1.UpdateScheduleRequest) (*v1.Schedule, error) {
	rec, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("schedule", id)
		}
		return nil, apperrors.InternalError("get schedule", err)
	}
	if rec.AgentName != agentName {
		return nil, apperrors.NotFound("schedule", id)
	}

	if req.Name != nil {
		rec.Name = *req.Name
	}
	if req.Message != nil {
		rec.Message = *req.Message
	}
	recompute := false
	if req.CronExpression != nil {
		rec.CronExpression = *req.CronExpression
		recompute = true
	}
	if req.Timezone != nil {
		rec.Timezone = *req.Timezone
		if rec.Timezone == "" {
			rec.Timezone = "UTC"
		}
		recompute = true
	}
	if req.Enabled != nil {
		rec.Enabled = *req.Enabled
		recompute = true
	}

	if err := ValidateCron(rec.CronExpression, rec.Timezone); err != nil {
		return nil, apperrors.ValidationError("cron_expression", err.Error())
	}

	if recompute {
		if rec.Enabled {
			next, err := NextRun(rec.CronExpression, rec.Timezone, time.Now())
			if err != nil {
				return nil, apperrors.ValidationError("cron_expression", err.Error())
			}
			rec.NextRunAt = sql.NullTime{Time: next, Valid: true}
		} else {
			rec.NextRunAt = sql.NullTime{}
		}
	}

	if err := s.store.UpdateSchedule(ctx, rec); err != nil {
		return nil, apperrors.InternalError("update schedule", err)
	}
	return rec.toAPI(), nil
}

// Delete removes one schedule. Execution history is kept for the agent's
// timeline.
func (s *Service) Delete(ctx context.Context, agentName, id string) error {
	rec, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("schedule", id)
		}
		return apperrors.InternalError("get schedule", err)
	}
	if rec.AgentName != agentName {
		return apperrors.NotFound("schedule", id)
	}
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return apperrors.InternalError("delete schedule", err)
	}
	s.logger.Info("schedule deleted", zap.String("schedule_id", id), zap.String("agent_name", agentName))
	return nil
}

// DeleteForAgent removes all schedules and execution history of an agent,
// used by the lifecycle delete cascade.
func (s *Service) DeleteForAgent(ctx context.Context, agentName string) error {
	if err := s.store.DeleteByAgent(ctx, agentName); err != nil {
		return apperrors.InternalError("delete schedules for agent", err)
	}
	return nil
}

// MarkFired advances a schedule's run bookkeeping after the scheduler
// dispatches it.
func (s *Service) MarkFired(ctx context.Context, id string, firedAt time.Time) error {
	rec, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("schedule", id)
		}
		return apperrors.InternalError("get schedule", err)
	}
	next, err := NextRun(rec.CronExpression, rec.Timezone, firedAt)
	if err != nil {
		return apperrors.InternalError("compute next run", err)
	}
	if err := s.store.MarkRun(ctx, id, firedAt.UTC(), next); err != nil {
		return apperrors.InternalError("mark schedule run", err)
	}
	return nil
}

// ExecutionStart describes a started execution to record.
type ExecutionStart struct {
	ExecutionID string
	ScheduleID  string // empty for ad-hoc triggers
	AgentName   string
	Message     string
	TriggeredBy string
}

// RecordStart persists a running execution row and returns its ID.
func (s *Service) RecordStart(ctx context.Context, start ExecutionStart) (string, error) {
	rec := &executionRecord{
		ID:          start.ExecutionID,
		AgentName:   start.AgentName,
		Status:      string(v1.ExecutionRunning),
		Message:     start.Message,
		TriggeredBy: start.TriggeredBy,
		StartedAt:   time.Now().UTC(),
	}
	if start.ScheduleID != "" {
		rec.ScheduleID = sql.NullString{String: start.ScheduleID, Valid: true}
	}
	if err := s.store.CreateExecution(ctx, rec); err != nil {
		return "", apperrors.InternalError("record execution start", err)
	}
	return rec.ID, nil
}

// ExecutionOutcome describes a finished execution.
type ExecutionOutcome struct {
	Status       v1.ExecutionStatus
	Response     string
	Error        string
	ContextUsed  int
	ContextMax   int
	Cost         float64
	ToolCalls    string
	ExecutionLog string
	DurationMs   int64
}

// RecordCompletion persists the terminal outcome of an execution. Response
// and log payloads must already be sanitized by the caller.
func (s *Service) RecordCompletion(ctx context.Context, executionID string, outcome ExecutionOutcome) error {
	now := time.Now().UTC()
	rec := &executionRecord{
		ID:           executionID,
		Status:       string(outcome.Status),
		Response:     outcome.Response,
		Error:        outcome.Error,
		ContextUsed:  outcome.ContextUsed,
		ContextMax:   outcome.ContextMax,
		Cost:         outcome.Cost,
		ToolCalls:    outcome.ToolCalls,
		ExecutionLog: outcome.ExecutionLog,
		CompletedAt:  sql.NullTime{Time: now, Valid: true},
		DurationMs:   sql.NullInt64{Int64: outcome.DurationMs, Valid: true},
	}
	if err := s.store.CompleteExecution(ctx, rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("execution", executionID)
		}
		return apperrors.InternalError("record execution completion", err)
	}
	return nil
}

// History returns an agent's most recent executions.
func (s *Service) History(ctx context.Context, agentName string, limit int) ([]*v1.ScheduleExecution, error) {
	recs, err := s.store.ListExecutionsByAgent(ctx, agentName, limit)
	if err != nil {
		return nil, apperrors.InternalError("list execution history", err)
	}
	out := make([]*v1.ScheduleExecution, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAPI())
	}
	return out, nil
}

// Running returns every execution currently marked running, across agents.
func (s *Service) Running(ctx context.Context) ([]*v1.ScheduleExecution, error) {
	recs, err := s.store.ListRunningExecutions(ctx)
	if err != nil {
		return nil, apperrors.InternalError("list running executions", err)
	}
	out := make([]*v1.ScheduleExecution, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAPI())
	}
	return out, nil
}

// ScheduleHistory returns one schedule's most recent executions.
func (s *Service) ScheduleHistory(ctx context.Context, agentName, scheduleID string, limit int) ([]*v1.ScheduleExecution, error) {
	if _, err := s.Get(ctx, agentName, scheduleID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListExecutionsBySchedule(ctx, scheduleID, limit)
	if err != nil {
		return nil, apperrors.InternalError("list schedule history", err)
	}
	out := make([]*v1.ScheduleExecution, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAPI())
	}
	return out, nil
}

// GetExecution returns one execution by ID.
func (s *Service) GetExecution(ctx context.Context, id string) (*v1.ScheduleExecution, error) {
	rec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("execution", id)
		}
		return nil, apperrors.InternalError("get execution", err)
	}
	return rec.toAPI(), nil
}
