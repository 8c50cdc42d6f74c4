// Package user holds control-plane accounts and the token service that
// authenticates them.
package user

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// userRecord is the stored form of an account.
type userRecord struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	IsAdmin      bool      `db:"is_admin"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *userRecord) toAPI() *v1.User {
	return &v1.User{
		ID:        r.ID,
		Username:  r.Username,
		Email:     r.Email,
		IsAdmin:   r.IsAdmin,
		CreatedAt: r.CreatedAt,
	}
}

// Store persists accounts.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the SQLite account store using separate writer and
// reader pools.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	store := &Store{db: writer, ro: reader}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("users schema init: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		is_admin      INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Create(ctx context.Context, rec *userRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Username, rec.Email, rec.PasswordHash, rec.IsAdmin, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*userRecord, error) {
	var row userRecord
	err := s.ro.GetContext(ctx, &row, `
		SELECT id, username, email, password_hash, is_admin, created_at
		FROM users WHERE username = ?`, username)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &row, nil
}

func (s *Store) List(ctx context.Context) ([]*userRecord, error) {
	var rows []*userRecord
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, username, email, password_hash, is_admin, created_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return rows, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
