// Package store persists agent registration rows and platform settings.
// Container runtime state is never stored here; the container engine's
// labels are the authoritative agent index and this table carries the
// control-plane fields that enrich it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// ErrNotFound is returned when an agent row does not exist.
var ErrNotFound = sql.ErrNoRows

// AgentRecord is the persisted control-plane state of an agent.
type AgentRecord struct {
	Name             string    `db:"name"`
	OwnerUsername    string    `db:"owner_username"`
	TemplateID       string    `db:"template_id"`
	IsSystem         bool      `db:"is_system"`
	AutonomyEnabled  bool      `db:"autonomy_enabled"`
	ReadOnlyMode     bool      `db:"read_only_mode"`
	ReadOnlyPatterns string    `db:"read_only_patterns"` // JSON array
	UsePlatformKey   bool      `db:"use_platform_key"`
	SSHPort          int       `db:"ssh_port"`
	CPUs             float64   `db:"cpus"`
	Memory           string    `db:"memory"`
	// MCPKeyEnvelope is the agent's outbound MCP key sealed with the
	// credential codec, empty when no key circulates.
	MCPKeyEnvelope string    `db:"mcp_key_envelope"`
	CreatedAt      time.Time `db:"created_at"`
}

// ToAPI converts the row to the wire type. Status is filled by the caller
// from the container engine.
func (r *AgentRecord) ToAPI() *v1.Agent {
	agent := &v1.Agent{
		Name:            r.Name,
		OwnerUsername:   r.OwnerUsername,
		TemplateID:      r.TemplateID,
		IsSystem:        r.IsSystem,
		AutonomyEnabled: r.AutonomyEnabled,
		ReadOnlyMode:    r.ReadOnlyMode,
		UsePlatformKey:  r.UsePlatformKey,
		SSHPort:         r.SSHPort,
		Resources:       v1.Resources{CPUs: r.CPUs, Memory: r.Memory},
		CreatedAt:       r.CreatedAt,
	}
	if r.ReadOnlyPatterns != "" {
		_ = json.Unmarshal([]byte(r.ReadOnlyPatterns), &agent.ReadOnlyPatterns)
	}
	return agent
}

// FromAPI builds a row from the wire type.
func FromAPI(agent *v1.Agent) (*AgentRecord, error) {
	patterns := "[]"
	if len(agent.ReadOnlyPatterns) > 0 {
		raw, err := json.Marshal(agent.ReadOnlyPatterns)
		if err != nil {
			return nil, fmt.Errorf("marshal read-only patterns: %w", err)
		}
		patterns = string(raw)
	}
	return &AgentRecord{
		Name:             agent.Name,
		OwnerUsername:    agent.OwnerUsername,
		TemplateID:       agent.TemplateID,
		IsSystem:         agent.IsSystem,
		AutonomyEnabled:  agent.AutonomyEnabled,
		ReadOnlyMode:     agent.ReadOnlyMode,
		ReadOnlyPatterns: patterns,
		UsePlatformKey:   agent.UsePlatformKey,
		SSHPort:          agent.SSHPort,
		CPUs:             agent.Resources.CPUs,
		Memory:           agent.Resources.Memory,
		CreatedAt:        agent.CreatedAt,
	}, nil
}

// Store is the agent registration store.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates the store and runs its idempotent schema migration.
func New(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("agents schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		name               TEXT PRIMARY KEY,
		owner_username     TEXT NOT NULL,
		template_id        TEXT NOT NULL DEFAULT '',
		is_system          INTEGER NOT NULL DEFAULT 0,
		autonomy_enabled   INTEGER NOT NULL DEFAULT 0,
		read_only_mode     INTEGER NOT NULL DEFAULT 0,
		read_only_patterns TEXT NOT NULL DEFAULT '[]',
		use_platform_key   INTEGER NOT NULL DEFAULT 0,
		ssh_port           INTEGER NOT NULL DEFAULT 0,
		cpus               REAL NOT NULL DEFAULT 0,
		memory             TEXT NOT NULL DEFAULT '',
		mcp_key_envelope   TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_username);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new agent row.
func (s *Store) Create(ctx context.Context, record *AgentRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.ReadOnlyPatterns == "" {
		record.ReadOnlyPatterns = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (name, owner_username, template_id, is_system, autonomy_enabled,
			read_only_mode, read_only_patterns, use_platform_key, ssh_port, cpus, memory,
			mcp_key_envelope, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Name, record.OwnerUsername, record.TemplateID, record.IsSystem, record.AutonomyEnabled,
		record.ReadOnlyMode, record.ReadOnlyPatterns, record.UsePlatformKey, record.SSHPort,
		record.CPUs, record.Memory, record.MCPKeyEnvelope, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// Get returns one agent row.
func (s *Store) Get(ctx context.Context, name string) (*AgentRecord, error) {
	var row AgentRecord
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM agents WHERE name = ?`, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &row, nil
}

// Exists reports whether an agent row exists.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.ro.GetContext(ctx, &count, `SELECT COUNT(1) FROM agents WHERE name = ?`, name); err != nil {
		return false, fmt.Errorf("agent exists: %w", err)
	}
	return count > 0, nil
}

// AutonomyEnabled reports whether scheduled work may run for an agent.
// Unknown agents are treated as disabled.
func (s *Store) AutonomyEnabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := s.ro.GetContext(ctx, &enabled, `SELECT autonomy_enabled FROM agents WHERE name = ?`, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("agent autonomy: %w", err)
	}
	return enabled, nil
}

// List returns all agent rows ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*AgentRecord, error) {
	var rows []*AgentRecord
	if err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return rows, nil
}

// ListByOwner returns all agents owned by a user.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*AgentRecord, error) {
	var rows []*AgentRecord
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT * FROM agents WHERE owner_username = ? ORDER BY created_at ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list agents by owner: %w", err)
	}
	return rows, nil
}

// UpdateFlags applies the mutable mode flags to an agent row.
func (s *Store) UpdateFlags(ctx context.Context, name string, req *v1.UpdateAgentRequest) error {
	record, err := s.Get(ctx, name)
	if err != nil {
		return err
	}

	if req.AutonomyEnabled != nil {
		record.AutonomyEnabled = *req.AutonomyEnabled
	}
	if req.ReadOnlyMode != nil {
		record.ReadOnlyMode = *req.ReadOnlyMode
	}
	if req.ReadOnlyPatterns != nil {
		raw, err := json.Marshal(req.ReadOnlyPatterns)
		if err != nil {
			return fmt.Errorf("marshal read-only patterns: %w", err)
		}
		record.ReadOnlyPatterns = string(raw)
	}
	if req.UsePlatformKey != nil {
		record.UsePlatformKey = *req.UsePlatformKey
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE agents SET autonomy_enabled = ?, read_only_mode = ?, read_only_patterns = ?, use_platform_key = ?
		WHERE name = ?`,
		record.AutonomyEnabled, record.ReadOnlyMode, record.ReadOnlyPatterns, record.UsePlatformKey, name,
	)
	if err != nil {
		return fmt.Errorf("update agent flags: %w", err)
	}
	return nil
}

// Delete removes an agent row. Permission edges cascade via FK.
func (s *Store) Delete(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMCPKeyEnvelope replaces the sealed outbound key of an agent.
func (s *Store) SetMCPKeyEnvelope(ctx context.Context, name, envelope string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET mcp_key_envelope = ? WHERE name = ?`, envelope, name)
	if err != nil {
		return fmt.Errorf("set mcp key envelope: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxSSHPort returns the highest allocated SSH port, 0 when no agents exist.
func (s *Store) MaxSSHPort(ctx context.Context) (int, error) {
	var port sql.NullInt64
	if err := s.ro.GetContext(ctx, &port, `SELECT MAX(ssh_port) FROM agents`); err != nil {
		return 0, fmt.Errorf("max ssh port: %w", err)
	}
	if !port.Valid {
		return 0, nil
	}
	return int(port.Int64), nil
}

// GetSetting returns a platform setting value, empty string when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.ro.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a platform setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
