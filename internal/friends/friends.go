// Package friends keeps the symmetric friend graph.
package friends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/4xmen/chatbridge/internal/db"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/users"
)

type Graph struct {
	db    *sql.DB
	users *users.Store
}

func NewGraph(conn *sql.DB, store *users.Store) *Graph {
	return &Graph{db: conn, users: store}
}

// Add makes ownerID and the user named friendHandle friends of each other.
// Both directed edges are written in one transaction, so either both exist
// afterwards or neither does.
func (g *Graph) Add(ctx context.Context, ownerID int64, friendHandle string) (*models.Friend, error) {
	friend, err := g.users.GetByUsername(ctx, friendHandle)
	if err != nil {
		return nil, err
	}
	if friend.ID == ownerID {
		return nil, models.ErrSelfFriend
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	const insert = "INSERT INTO friendships (owner_id, friend_id, status, created_at) VALUES (?, ?, ?, ?)"
	for _, edge := range [][2]int64{{ownerID, friend.ID}, {friend.ID, ownerID}} {
		if _, err := tx.ExecContext(ctx, insert, edge[0], edge[1], models.FriendshipAccepted, now); err != nil {
			if db.IsUniqueViolation(err) {
				return nil, models.ErrAlreadyFriends
			}
			return nil, fmt.Errorf("failed to add friend: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit friendship: %w", err)
	}

	return &models.Friend{ID: friend.ID, Username: friend.Username, Since: now}, nil
}

// List returns the accepted friends of userID ordered by username.
func (g *Graph) List(ctx context.Context, userID int64) ([]models.Friend, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT u.id, u.username, f.created_at
		FROM friendships f
		JOIN users u ON u.id = f.friend_id
		WHERE f.owner_id = ? AND f.status = ?
		ORDER BY u.username
	`, userID, models.FriendshipAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	defer rows.Close()

	list := []models.Friend{}
	for rows.Next() {
		var f models.Friend
		if err := rows.Scan(&f.ID, &f.Username, &f.Since); err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		list = append(list, f)
	}
	return list, rows.Err()
}

// Search looks up a single user by exact handle.
func (g *Graph) Search(ctx context.Context, handle string) (*models.User, error) {
	return g.users.GetByUsername(ctx, handle)
}

func (g *Graph) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	var exists int
	err := g.db.QueryRowContext(ctx,
		"SELECT 1 FROM friendships WHERE owner_id = ? AND friend_id = ? AND status = ?",
		a, b, models.FriendshipAccepted,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}
	return true, nil
}
