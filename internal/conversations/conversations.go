// Package conversations groups a user's stored rooms into one thread per
// counterpart.
package conversations

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/4xmen/chatbridge/internal/models"
)

// Participant is the other side of a two-party room.
type Participant struct {
	ID     int64
	Handle string
}

// OtherParticipant finds the counterpart of selfID in one room's messages.
// The first sender that is not selfID wins. If selfID sent every message,
// the stored recipient of the first message is used, which makes a
// self-chat resolve to selfID. An empty room has no counterpart.
func OtherParticipant(msgs []models.Message, selfID int64) (Participant, bool) {
	for _, m := range msgs {
		if m.SenderID != selfID && m.Sender != "" {
			return Participant{ID: m.SenderID, Handle: m.Sender}, true
		}
	}
	if len(msgs) == 0 || msgs[0].Recipient == "" {
		return Participant{}, false
	}
	return Participant{ID: msgs[0].RecipientID, Handle: msgs[0].Recipient}, true
}

// View is a stored message as seen by one of its participants.
type View struct {
	models.Message
	IsSent bool `json:"is_sent"`
}

type History interface {
	RoomsFor(ctx context.Context, userID int64) ([]string, error)
	History(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

type Assembler struct {
	history History
}

func NewAssembler(h History) *Assembler {
	return &Assembler{history: h}
}

// Assemble returns every conversation of userID keyed by counterpart
// handle, each in ascending (created_at, id) order. Rooms without a
// resolvable counterpart are left out.
func (a *Assembler) Assemble(ctx context.Context, userID int64) (map[string][]View, error) {
	roomIDs, err := a.history.RoomsFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	threads := make(map[string][]View)
	for _, roomID := range roomIDs {
		msgs, err := a.history.History(ctx, roomID, 0)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", roomID, err)
		}
		other, ok := OtherParticipant(msgs, userID)
		if !ok {
			continue
		}
		for _, m := range msgs {
			threads[other.Handle] = append(threads[other.Handle], View{Message: m, IsSent: m.SenderID == userID})
		}
	}

	for _, thread := range threads {
		slices.SortStableFunc(thread, func(x, y View) int {
			if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(x.ID, y.ID)
		})
	}
	return threads, nil
}
