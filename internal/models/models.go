package models

import "time"

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// FriendshipStatus is the state of one directed friendship edge.
type FriendshipStatus string

const (
	// FriendshipPending is reserved; no code path creates pending edges.
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
)

type Friendship struct {
	OwnerID   int64            `json:"owner_id"`
	FriendID  int64            `json:"friend_id"`
	Status    FriendshipStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Friend is one entry of a user's friend list.
type Friend struct {
	ID       int64     `json:"id"`
	Username string    `json:"username"`
	Since    time.Time `json:"since"`
}

// MessageType tags the payload carried by a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

func (t MessageType) IsAttachment() bool {
	return t == MessageImage || t == MessageFile
}

func (t MessageType) Valid() bool {
	return t == MessageText || t.IsAttachment()
}

// Message is a persisted chat message. Once saved it never changes except
// for the Delivered flag.
type Message struct {
	ID          int64       `json:"id"`
	RoomID      string      `json:"room_id"`
	SenderID    int64       `json:"sender_id"`
	Sender      string      `json:"sender"`
	RecipientID int64       `json:"recipient_id"`
	Recipient   string      `json:"recipient"`
	Type        MessageType `json:"message_type"`
	Content     string      `json:"content,omitempty"`
	FileName    string      `json:"file_name,omitempty"`
	FileSize    int64       `json:"file_size,omitempty"`
	MimeType    string      `json:"mime_type,omitempty"`
	FileData    []byte      `json:"file_data,omitempty"`
	FileRef     string      `json:"-"`
	Delivered   bool        `json:"delivered"`
	CreatedAt   time.Time   `json:"timestamp"`
}

// OutgoingMessage is a send request as a client submits it. FileData is
// base64 encoded on the wire.
type OutgoingMessage struct {
	RecipientID string      `json:"recipient_id"`
	Recipient   string      `json:"recipient,omitempty"`
	Type        MessageType `json:"message_type,omitempty"`
	Message     string      `json:"message,omitempty"`
	FileName    string      `json:"file_name,omitempty"`
	FileData    []byte      `json:"file_data,omitempty"`
	FileSize    int64       `json:"file_size,omitempty"`
	MimeType    string      `json:"mime_type,omitempty"`
}

// Handle returns the recipient handle. recipient_id wins over recipient.
func (o OutgoingMessage) Handle() string {
	if o.RecipientID != "" {
		return o.RecipientID
	}
	return o.Recipient
}
