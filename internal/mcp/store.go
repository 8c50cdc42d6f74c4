// Package mcp mints and validates the bearer keys agents use when calling
// back into the control plane. Tokens are stored as SHA-256 hashes plus a
// short display prefix; the plaintext leaves the process exactly once.
package mcp

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Store persists MCP key metadata.
type Store interface {
	Create(ctx context.Context, key *keyRecord) error
	GetByHash(ctx context.Context, tokenHash string) (*keyRecord, error)
	Get(ctx context.Context, id string) (*keyRecord, error)
	ListByOwner(ctx context.Context, owner string) ([]*keyRecord, error)
	Revoke(ctx context.Context, id string) error
	DeleteByAgent(ctx context.Context, agentName string) error
	FindSystemKey(ctx context.Context, agentName string) (*keyRecord, error)
}

// keyRecord is the stored form of an MCP key.
type keyRecord struct {
	ID          string         `db:"id"`
	TokenHash   string         `db:"token_hash"`
	TokenPrefix string         `db:"token_prefix"`
	Owner       string         `db:"owner_username"`
	AgentName   sql.NullString `db:"agent_name"`
	Scope       string         `db:"scope"`
	Revoked     bool           `db:"revoked"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *keyRecord) toAPI() *v1.MCPKey {
	key := &v1.MCPKey{
		ID:          r.ID,
		Owner:       r.Owner,
		Scope:       v1.MCPKeyScope(r.Scope),
		TokenPrefix: r.TokenPrefix,
		Revoked:     r.Revoked,
		CreatedAt:   r.CreatedAt,
	}
	if r.AgentName.Valid {
		key.AgentName = r.AgentName.String
	}
	return key
}

type sqliteStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Store = (*sqliteStore)(nil)

// NewStore creates the SQLite MCP key store using separate writer and
// reader pools.
func NewStore(writer, reader *sqlx.DB) (*sqliteStore, error) {
	store := &sqliteStore{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("mcp keys schema init: %w", err)
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_keys (
		id             TEXT PRIMARY KEY,
		token_hash     TEXT NOT NULL UNIQUE,
		token_prefix   TEXT NOT NULL,
		owner_username TEXT NOT NULL,
		agent_name     TEXT,
		scope          TEXT NOT NULL DEFAULT 'user',
		revoked        INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mcp_keys_token_hash ON mcp_keys(token_hash);
	CREATE INDEX IF NOT EXISTS idx_mcp_keys_owner ON mcp_keys(owner_username);
	CREATE INDEX IF NOT EXISTS idx_mcp_keys_agent ON mcp_keys(agent_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Create(ctx context.Context, key *keyRecord) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_keys (id, token_hash, token_prefix, owner_username, agent_name, scope, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.TokenHash, key.TokenPrefix, key.Owner, key.AgentName, key.Scope, key.Revoked, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mcp key: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetByHash(ctx context.Context, tokenHash string) (*keyRecord, error) {
	var row keyRecord
	err := s.ro.GetContext(ctx, &row, `
		SELECT id, token_hash, token_prefix, owner_username, agent_name, scope, revoked, created_at
		FROM mcp_keys WHERE token_hash = ?`, tokenHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get mcp key by hash: %w", err)
	}
	return &row, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*keyRecord, error) {
	var row keyRecord
	err := s.ro.GetContext(ctx, &row, `
		SELECT id, token_hash, token_prefix, owner_username, agent_name, scope, revoked, created_at
		FROM mcp_keys WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get mcp key: %w", err)
	}
	return &row, nil
}

func (s *sqliteStore) ListByOwner(ctx context.Context, owner string) ([]*keyRecord, error) {
	var rows []*keyRecord
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, token_hash, token_prefix, owner_username, agent_name, scope, revoked, created_at
		FROM mcp_keys WHERE owner_username = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list mcp keys: %w", err)
	}
	return rows, nil
}

func (s *sqliteStore) Revoke(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE mcp_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke mcp key: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *sqliteStore) DeleteByAgent(ctx context.Context, agentName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mcp_keys WHERE agent_name = ?`, agentName)
	if err != nil {
		return fmt.Errorf("delete mcp keys for agent: %w", err)
	}
	return nil
}

func (s *sqliteStore) FindSystemKey(ctx context.Context, agentName string) (*keyRecord, error) {
	var row keyRecord
	err := s.ro.GetContext(ctx, &row, `
		SELECT id, token_hash, token_prefix, owner_username, agent_name, scope, revoked, created_at
		FROM mcp_keys WHERE agent_name = ? AND scope = 'system' AND revoked = 0
		ORDER BY created_at DESC LIMIT 1`, agentName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find system mcp key: %w", err)
	}
	return &row, nil
}
