// Package users persists accounts.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/4xmen/chatbridge/internal/db"
	"github.com/4xmen/chatbridge/internal/models"
)

type Store struct {
	db *sql.DB
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Create inserts a new account. A taken username yields ErrDuplicateHandle.
func (s *Store) Create(ctx context.Context, username, passwordHash string) (*models.User, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, passwordHash, now,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, models.ErrDuplicateHandle
		}
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user id: %w", err)
	}

	return &models.User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getOne(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE username = ?", strings.TrimSpace(username))
}

func (s *Store) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return s.getOne(ctx, "SELECT id, username, password_hash, created_at FROM users WHERE id = ?", id)
}

// Search lists accounts whose username starts with prefix, ordered by
// username.
func (s *Store) Search(ctx context.Context, prefix string, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.TrimSpace(prefix))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, created_at FROM users
		WHERE username LIKE ? ESCAPE '\'
		ORDER BY username LIMIT ?
	`, escaped+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	found := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		found = append(found, u)
	}
	return found, rows.Err()
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}
