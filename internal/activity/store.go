// Package activity records the structured timeline of agent events and fans
// them out to WebSocket subscribers via the event bus.
package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// activityRecord is the stored form of a timeline event.
type activityRecord struct {
	ID                 string         `db:"id"`
	AgentName          string         `db:"agent_name"`
	ActivityType       string         `db:"activity_type"`
	ActivityState      string         `db:"activity_state"`
	ParentActivityID   sql.NullString `db:"parent_activity_id"`
	TriggeredBy        string         `db:"triggered_by"`
	RelatedExecutionID sql.NullString `db:"related_execution_id"`
	DetailsJSON        string         `db:"details_json"`
	Error              string         `db:"error"`
	CreatedAt          time.Time      `db:"created_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r *activityRecord) toAPI() *v1.Activity {
	a := &v1.Activity{
		ID:            r.ID,
		AgentName:     r.AgentName,
		ActivityType:  v1.ActivityType(r.ActivityType),
		ActivityState: v1.ActivityState(r.ActivityState),
		TriggeredBy:   r.TriggeredBy,
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
	}
	if r.ParentActivityID.Valid {
		a.ParentActivityID = r.ParentActivityID.String
	}
	if r.RelatedExecutionID.Valid {
		a.RelatedExecutionID = r.RelatedExecutionID.String
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	if r.DetailsJSON != "" {
		// Details were marshaled by us; a decode failure leaves them empty.
		_ = json.Unmarshal([]byte(r.DetailsJSON), &a.Details)
	}
	return a
}

const activityColumns = `id, agent_name, activity_type, activity_state, parent_activity_id, triggered_by, related_execution_id, details_json, error, created_at, completed_at`

// Store is the SQLite persistence for the activity timeline.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the activity store using separate writer and reader pools.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	store := &Store{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("activity schema init: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS activities (
		id                   TEXT PRIMARY KEY,
		agent_name           TEXT NOT NULL,
		activity_type        TEXT NOT NULL,
		activity_state       TEXT NOT NULL,
		parent_activity_id   TEXT,
		triggered_by         TEXT NOT NULL DEFAULT '',
		related_execution_id TEXT,
		details_json         TEXT NOT NULL DEFAULT '',
		error                TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMP NOT NULL,
		completed_at         TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_activities_agent ON activities(agent_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_activities_parent ON activities(parent_activity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a started activity.
func (s *Store) Create(ctx context.Context, rec *activityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentName, rec.ActivityType, rec.ActivityState, rec.ParentActivityID,
		rec.TriggeredBy, rec.RelatedExecutionID, rec.DetailsJSON, rec.Error,
		rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Complete marks an activity terminal. Returns sql.ErrNoRows for unknown IDs.
func (s *Store) Complete(ctx context.Context, id, state, errMsg string, completedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE activities SET activity_state = ?, error = ?, completed_at = ? WHERE id = ?`,
		state, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("complete activity: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get returns one activity or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, id string) (*activityRecord, error) {
	var rec activityRecord
	err := s.ro.GetContext(ctx, &rec, `
		SELECT `+activityColumns+` FROM activities WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get activity: %w", err)
	}
	return &rec, nil
}

// ListByAgent returns the most recent activities for one agent.
func (s *Store) ListByAgent(ctx context.Context, agentName string, limit int) ([]*activityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*activityRecord
	err := s.ro.SelectContext(ctx, &recs, `
		SELECT `+activityColumns+` FROM activities
		WHERE agent_name = ? ORDER BY created_at DESC LIMIT ?`, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return recs, nil
}

// DeleteByAgent removes an agent's timeline, used by the delete cascade.
func (s *Store) DeleteByAgent(ctx context.Context, agentName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE agent_name = ?`, agentName)
	if err != nil {
		return fmt.Errorf("delete activities for agent: %w", err)
	}
	return nil
}
