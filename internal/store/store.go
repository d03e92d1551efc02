// Package store persists chat messages and replays room history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/4xmen/chatbridge/internal/models"
)

// Payload is the body of an outgoing message: either Text or Attachment.
type Payload interface {
	messageType() models.MessageType
}

type Text struct {
	Content string
}

// Attachment carries raw file bytes. Kind is MessageImage or MessageFile.
type Attachment struct {
	Kind     models.MessageType
	FileName string
	MimeType string
	Data     []byte
}

func (Text) messageType() models.MessageType { return models.MessageText }

func (a Attachment) messageType() models.MessageType { return a.Kind }

type MessageStore struct {
	db      *sql.DB
	content *ContentStore
}

func New(conn *sql.DB, content *ContentStore) *MessageStore {
	return &MessageStore{db: conn, content: content}
}

// Save appends a message to roomID. Attachment bytes are written to the
// content store first and removed again if the row cannot be inserted.
// Every failure wraps ErrPersistFailed.
func (s *MessageStore) Save(ctx context.Context, sender *models.User, roomID string, recipient *models.User, p Payload) (*models.Message, error) {
	msg := &models.Message{
		RoomID:      roomID,
		SenderID:    sender.ID,
		Sender:      sender.Username,
		RecipientID: recipient.ID,
		Recipient:   recipient.Username,
		Type:        p.messageType(),
		CreatedAt:   time.Now().UTC(),
	}

	var fileName, mimeType, fileRef sql.NullString
	var fileSize sql.NullInt64

	switch v := p.(type) {
	case Text:
		msg.Content = v.Content
	case Attachment:
		msg.FileName = v.FileName
		msg.FileSize = int64(len(v.Data))
		msg.FileData = v.Data
		msg.MimeType = v.MimeType
		if msg.MimeType == "" {
			msg.MimeType = mimetype.Detect(v.Data).String()
		}

		ref, err := s.content.Put(v.FileName, v.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistFailed, err)
		}
		msg.FileRef = ref

		fileName = sql.NullString{String: msg.FileName, Valid: true}
		mimeType = sql.NullString{String: msg.MimeType, Valid: true}
		fileRef = sql.NullString{String: ref, Valid: true}
		fileSize = sql.NullInt64{Int64: msg.FileSize, Valid: true}
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", models.ErrPersistFailed, p)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, sender_id, recipient_id, message_type, content,
			file_name, file_size, mime_type, file_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.RoomID, msg.SenderID, msg.RecipientID, msg.Type, msg.Content,
		fileName, fileSize, mimeType, fileRef, msg.CreatedAt)
	if err == nil {
		msg.ID, err = result.LastInsertId()
	}
	if err != nil {
		if msg.FileRef != "" {
			s.content.Remove(msg.FileRef)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPersistFailed, err)
	}

	return msg, nil
}

const selectMessages = `
	SELECT m.id, m.room_id, m.sender_id, su.username, m.recipient_id, ru.username,
		m.message_type, m.content, m.file_name, m.file_size, m.mime_type, m.file_ref,
		m.delivered, m.created_at
	FROM messages m
	JOIN users su ON su.id = m.sender_id
	JOIN users ru ON ru.id = m.recipient_id
`

// History returns the messages of roomID in ascending (created_at, id)
// order. A positive limit keeps only the most recent limit messages.
func (s *MessageStore) History(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, selectMessages+
			" WHERE m.room_id = ? ORDER BY m.created_at DESC, m.id DESC LIMIT ?", roomID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectMessages+
			" WHERE m.room_id = ? ORDER BY m.created_at, m.id", roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if limit > 0 {
		slices.Reverse(messages)
	}

	for i := range messages {
		if messages[i].FileRef == "" {
			continue
		}
		data, err := s.content.Get(messages[i].FileRef)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", messages[i].ID, err)
		}
		messages[i].FileData = data
	}

	return messages, nil
}

// RoomsFor lists every room userID has sent or received a message in.
func (s *MessageStore) RoomsFor(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room_id FROM messages
		WHERE sender_id = ? OR recipient_id = ?
		ORDER BY room_id
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	roomIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		roomIDs = append(roomIDs, id)
	}
	return roomIDs, rows.Err()
}

// MarkDelivered sets the delivered flag on the given messages.
func (s *MessageStore) MarkDelivered(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET delivered = 1 WHERE delivered = 0 AND id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.Message, error) {
	var msg models.Message
	var fileName, mimeType, fileRef sql.NullString
	var fileSize sql.NullInt64
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Sender, &msg.RecipientID, &msg.Recipient,
		&msg.Type, &msg.Content, &fileName, &fileSize, &mimeType, &fileRef,
		&msg.Delivered, &msg.CreatedAt)
	if err != nil {
		return msg, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.FileName = fileName.String
	msg.FileSize = fileSize.Int64
	msg.MimeType = mimeType.String
	msg.FileRef = fileRef.String
	return msg, nil
}
