package conversations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/chatbridge/internal/db"
	"github.com/4xmen/chatbridge/internal/models"
	"github.com/4xmen/chatbridge/internal/rooms"
	"github.com/4xmen/chatbridge/internal/store"
	"github.com/4xmen/chatbridge/internal/users"
)

func msg(id, from int64, sender string, to int64, recipient string) models.Message {
	return models.Message{ID: id, SenderID: from, Sender: sender, RecipientID: to, Recipient: recipient}
}

func TestOtherParticipant(t *testing.T) {
	tests := []struct {
		name   string
		msgs   []models.Message
		want   Participant
		wantOK bool
	}{
		{
			name:   "counterpart sent something",
			msgs:   []models.Message{msg(1, 1, "alice", 2, "bob"), msg(2, 2, "bob", 1, "alice")},
			want:   Participant{ID: 2, Handle: "bob"},
			wantOK: true,
		},
		{
			name:   "only self sent, fall back to recipient",
			msgs:   []models.Message{msg(1, 1, "alice", 3, "carol"), msg(2, 1, "alice", 3, "carol")},
			want:   Participant{ID: 3, Handle: "carol"},
			wantOK: true,
		},
		{
			name:   "self chat",
			msgs:   []models.Message{msg(1, 1, "alice", 1, "alice")},
			want:   Participant{ID: 1, Handle: "alice"},
			wantOK: true,
		},
		{
			name:   "empty room",
			msgs:   nil,
			wantOK: false,
		},
		{
			name:   "no recipient reference",
			msgs:   []models.Message{msg(1, 1, "alice", 0, "")},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := OtherParticipant(tt.msgs, 1)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeHistory struct {
	rooms map[string][]models.Message
}

func (f *fakeHistory) RoomsFor(context.Context, int64) ([]string, error) {
	ids := make([]string, 0, len(f.rooms))
	for id := range f.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeHistory) History(_ context.Context, roomID string, _ int) ([]models.Message, error) {
	return f.rooms[roomID], nil
}

func TestAssembleMergesRoomsPerHandle(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := msg(3, 2, "bob", 1, "alice")
	late.CreatedAt = base.Add(2 * time.Minute)
	early := msg(1, 1, "alice", 2, "bob")
	early.CreatedAt = base

	h := &fakeHistory{rooms: map[string][]models.Message{
		"room_1_2":  {late},
		"legacy_12": {early},
		"room_9_9":  {},
	}}

	threads, err := NewAssembler(h).Assemble(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	thread := threads["bob"]
	require.Len(t, thread, 2)
	assert.Equal(t, int64(1), thread[0].ID)
	assert.True(t, thread[0].IsSent)
	assert.False(t, thread[1].IsSent)
}

func TestAssembleFromStore(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()

	content, err := store.NewContentStore(t.TempDir())
	require.NoError(t, err)
	us := users.NewStore(database.GetConn())
	ms := store.New(database.GetConn(), content)
	ctx := context.Background()

	alice, err := us.Create(ctx, "alice", "hash")
	require.NoError(t, err)
	bob, err := us.Create(ctx, "bob", "hash")
	require.NoError(t, err)

	room := rooms.ID(alice.ID, bob.ID)
	_, err = ms.Save(ctx, alice, room, bob, store.Text{Content: "ping"})
	require.NoError(t, err)
	_, err = ms.Save(ctx, bob, room, alice, store.Text{Content: "pong"})
	require.NoError(t, err)

	threads, err := NewAssembler(ms).Assemble(ctx, bob.ID)
	require.NoError(t, err)
	require.Contains(t, threads, "alice")
	thread := threads["alice"]
	require.Len(t, thread, 2)
	assert.Equal(t, "ping", thread[0].Content)
	assert.False(t, thread[0].IsSent)
	assert.Equal(t, "pong", thread[1].Content)
	assert.True(t, thread[1].IsSent)
}
