// Package schedule persists cron-driven task definitions and the outcome
// history of every execution, scheduled or ad-hoc.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// scheduleRecord is the stored form of a schedule.
type scheduleRecord struct {
	ID             string       `db:"id"`
	AgentName      string       `db:"agent_name"`
	Name           string       `db:"name"`
	CronExpression string       `db:"cron_expression"`
	Message        string       `db:"message"`
	Timezone       string       `db:"timezone"`
	Enabled        bool         `db:"enabled"`
	NextRunAt      sql.NullTime `db:"next_run_at"`
	LastRunAt      sql.NullTime `db:"last_run_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r *scheduleRecord) toAPI() *v1.Schedule {
	s := &v1.Schedule{
		ID:             r.ID,
		AgentName:      r.AgentName,
		Name:           r.Name,
		CronExpression: r.CronExpression,
		Message:        r.Message,
		Timezone:       r.Timezone,
		Enabled:        r.Enabled,
		Description:    DescribeCron(r.CronExpression),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.NextRunAt.Valid {
		t := r.NextRunAt.Time
		s.NextRunAt = &t
	}
	if r.LastRunAt.Valid {
		t := r.LastRunAt.Time
		s.LastRunAt = &t
	}
	return s
}

// executionRecord is the stored form of one execution outcome.
type executionRecord struct {
	ID           string         `db:"id"`
	ScheduleID   sql.NullString `db:"schedule_id"`
	AgentName    string         `db:"agent_name"`
	Status       string         `db:"status"`
	Message      string         `db:"message"`
	Response     string         `db:"response"`
	Error        string         `db:"error"`
	TriggeredBy  string         `db:"triggered_by"`
	ContextUsed  int            `db:"context_used"`
	ContextMax   int            `db:"context_max"`
	Cost         float64        `db:"cost"`
	ToolCalls    string         `db:"tool_calls_json"`
	ExecutionLog string         `db:"execution_log_json"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	DurationMs   sql.NullInt64  `db:"duration_ms"`
}

func (r *executionRecord) toAPI() *v1.ScheduleExecution {
	e := &v1.ScheduleExecution{
		ID:           r.ID,
		AgentName:    r.AgentName,
		Status:       v1.ExecutionStatus(r.Status),
		Message:      r.Message,
		Response:     r.Response,
		Error:        r.Error,
		TriggeredBy:  r.TriggeredBy,
		ContextUsed:  r.ContextUsed,
		ContextMax:   r.ContextMax,
		Cost:         r.Cost,
		ToolCalls:    r.ToolCalls,
		ExecutionLog: r.ExecutionLog,
		StartedAt:    r.StartedAt,
	}
	if r.ScheduleID.Valid {
		id := r.ScheduleID.String
		e.ScheduleID = &id
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		e.CompletedAt = &t
	}
	if r.DurationMs.Valid {
		ms := r.DurationMs.Int64
		e.DurationMs = &ms
	}
	return e
}

const scheduleColumns = `id, agent_name, name, cron_expression, message, timezone, enabled, next_run_at, last_run_at, created_at, updated_at`

const executionColumns = `id, schedule_id, agent_name, status, message, response, error, triggered_by, context_used, context_max, cost, tool_calls_json, execution_log_json, started_at, completed_at, duration_ms`

// Store is the SQLite persistence for schedules and execution history.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the schedule store using separate writer and reader pools.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	store := &Store{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("schedule schema init: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id              TEXT PRIMARY KEY,
		agent_name      TEXT NOT NULL,
		name            TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		message         TEXT NOT NULL,
		timezone        TEXT NOT NULL DEFAULT 'UTC',
		enabled         INTEGER NOT NULL DEFAULT 1,
		next_run_at     TIMESTAMP,
		last_run_at     TIMESTAMP,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_agent ON schedules(agent_name);
	CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);

	CREATE TABLE IF NOT EXISTS schedule_executions (
		id                 TEXT PRIMARY KEY,
		schedule_id        TEXT,
		agent_name         TEXT NOT NULL,
		status             TEXT NOT NULL,
		message            TEXT NOT NULL,
		response           TEXT NOT NULL DEFAULT '',
		error              TEXT NOT NULL DEFAULT '',
		triggered_by       TEXT NOT NULL DEFAULT 'user',
		context_used       INTEGER NOT NULL DEFAULT 0,
		context_max        INTEGER NOT NULL DEFAULT 0,
		cost               REAL NOT NULL DEFAULT 0,
		tool_calls_json    TEXT NOT NULL DEFAULT '',
		execution_log_json TEXT NOT NULL DEFAULT '',
		started_at         TIMESTAMP NOT NULL,
		completed_at       TIMESTAMP,
		duration_ms        INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_schedule_executions_agent ON schedule_executions(agent_name, started_at);
	CREATE INDEX IF NOT EXISTS idx_schedule_executions_schedule ON schedule_executions(schedule_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSchedule inserts a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, rec *scheduleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentName, rec.Name, rec.CronExpression, rec.Message, rec.Timezone,
		rec.Enabled, rec.NextRunAt, rec.LastRunAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule returns one schedule or sql.ErrNoRows.
func (s *Store) GetSchedule(ctx context.Context, id string) (*scheduleRecord, error) {
	var rec scheduleRecord
	err := s.ro.GetContext(ctx, &rec, `
		SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &rec, nil
}

// ListByAgent returns all schedules for one agent.
func (s *Store) ListByAgent(ctx context.Context, agentName string) ([]*scheduleRecord, error) {
	var recs []*scheduleRecord
	err := s.ro.SelectContext(ctx, &recs, `
		SELECT `+scheduleColumns+` FROM schedules WHERE agent_name = ? ORDER BY created_at`, agentName)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return recs, nil
}

// ListEnabled returns every enabled schedule. The scheduler loads these at
// startup and after change notifications.
func (s *Store) ListEnabled(ctx context.Context) ([]*scheduleRecord, error) {
	var recs []*scheduleRecord
	err := s.ro.SelectContext(ctx, &recs, `
		SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY next_run_at`)
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	return recs, nil
}

// UpdateSchedule persists the mutable fields of an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, rec *scheduleRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, cron_expression = ?, message = ?, timezone = ?, enabled = ?,
		    next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.CronExpression, rec.Message, rec.Timezone, rec.Enabled,
		rec.NextRunAt, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkRun records a fire: last run moves to now, next run to the given time.
func (s *Store) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		lastRun, nextRun, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

// DeleteSchedule removes one schedule. Its execution history stays.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteByAgent removes all schedules and execution history for an agent.
func (s *Store) DeleteByAgent(ctx context.Context, agentName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE agent_name = ?`, agentName); err != nil {
		return fmt.Errorf("delete schedules for agent: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_executions WHERE agent_name = ?`, agentName); err != nil {
		return fmt.Errorf("delete executions for agent: %w", err)
	}
	return nil
}

// CreateExecution inserts a started execution row.
func (s *Store) CreateExecution(ctx context.Context, rec *executionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ScheduleID, rec.AgentName, rec.Status, rec.Message, rec.Response,
		rec.Error, rec.TriggeredBy, rec.ContextUsed, rec.ContextMax, rec.Cost,
		rec.ToolCalls, rec.ExecutionLog, rec.StartedAt, rec.CompletedAt, rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// CompleteExecution records the terminal outcome of an execution.
func (s *Store) CompleteExecution(ctx context.Context, rec *executionRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, response = ?, error = ?, context_used = ?, context_max = ?,
		    cost = ?, tool_calls_json = ?, execution_log_json = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		rec.Status, rec.Response, rec.Error, rec.ContextUsed, rec.ContextMax,
		rec.Cost, rec.ToolCalls, rec.ExecutionLog, rec.CompletedAt, rec.DurationMs, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetExecution returns one execution or sql.ErrNoRows.
func (s *Store) GetExecution(ctx context.Context, id string) (*executionRecord, error) {
	var rec executionRecord
	err := s.ro.GetContext(ctx, &rec, `
		SELECT `+executionColumns+` FROM schedule_executions WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &rec, nil
}

// ListExecutionsByAgent returns the most recent executions for an agent.
func (s *Store) ListExecutionsByAgent(ctx context.Context, agentName string, limit int) ([]*executionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*executionRecord
	err := s.ro.SelectContext(ctx, &recs, `
		SELECT `+executionColumns+` FROM schedule_executions
		WHERE agent_name = ? ORDER BY started_at DESC LIMIT ?`, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return recs, nil
}

// ListRunningExecutions returns every execution without a recorded outcome,
// newest first.
func (s *Store) ListRunningExecutions(ctx context.Context) ([]*executionRecord, error) {
	var recs []*executionRecord
	err := s.ro.SelectContext(ctx, &recs, `
		SELECT `+executionColumns+` FROM schedule_executions
		WHERE status = ? ORDER BY started_at DESC`, string(v1.ExecutionRunning))
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	return recs, nil
}

// ListExecutionsBySchedule returns the most recent executions of one schedule.
func (s *Store) ListExecutionsBySchedule(ctx context.Context, scheduleID string, limit int) ([]*executionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*executionRecord
	err := s.ro.SelectContext(ctx, &recs, `
		SELECT `+executionColumns+` FROM schedule_executions
		WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedule executions: %w", err)
	}
	return recs, nil
}
