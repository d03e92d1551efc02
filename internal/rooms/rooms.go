// Package rooms maps a pair of users to their conversation room.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/users"
)

const prefix = "room_"

// ID returns the room shared by users a and b. The result does not depend
// on argument order.
func ID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s%d_%d", prefix, a, b)
}

// Parse splits a room id produced by ID back into its two members.
func Parse(roomID string) (a, b int64, ok bool) {
	rest, found := strings.CutPrefix(roomID, prefix)
	if !found {
		return 0, 0, false
	}
	left, right, found := strings.Cut(rest, "_")
	if !found {
		return 0, 0, false
	}
	a, errA := strconv.ParseInt(left, 10, 64)
	b, errB := strconv.ParseInt(right, 10, 64)
	if errA != nil || errB != nil || a <= 0 || a > b {
		return 0, 0, false
	}
	return a, b, true
}

// IsMember reports whether userID is one of the two members of roomID.
func IsMember(roomID string, userID int64) bool {
	a, b, ok := Parse(roomID)
	return ok && (userID == a || userID == b)
}

type Resolver struct {
	users *users.Store
}

func NewResolver(store *users.Store) *Resolver {
	return &Resolver{users: store}
}

// ResolveHandle finds the recipient named handle and the room it shares
// with senderID. An unknown handle yields ErrUnknownRecipient.
func (r *Resolver) ResolveHandle(ctx context.Context, senderID int64, handle string) (string, *models.User, error) {
	recipient, err := r.users.GetByUsername(ctx, handle)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", nil, fmt.Errorf("%w: %s", models.ErrUnknownRecipient, handle)
		}
		return "", nil, err
	}
	return ID(senderID, recipient.ID), recipient, nil
}
