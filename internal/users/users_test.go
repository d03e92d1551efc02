package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/chatbridge/internal/db"
	"github.com/4xmen/chatbridge/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database.GetConn())
}

func TestCreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.Create(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.NotZero(t, u.ID)

	byName, err := s.GetByUsername(ctx, " alice ")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)
	assert.Equal(t, "hash", byName.PasswordHash)

	byID, err := s.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", "hash")
	require.NoError(t, err)

	_, err = s.Create(ctx, "alice", "other")
	assert.ErrorIs(t, err, models.ErrDuplicateHandle)
}

func TestLookupMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.GetByID(context.Background(), 42)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSearchByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"bob", "alice", "albert", "al_x"} {
		_, err := s.Create(ctx, name, "hash")
		require.NoError(t, err)
	}

	found, err := s.Search(ctx, "al", 10)
	require.NoError(t, err)
	var names []string
	for _, u := range found {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"al_x", "albert", "alice"}, names)

	// underscore is matched literally, not as a wildcard
	found, err = s.Search(ctx, "al_", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "al_x", found[0].Username)
}
