// Package protocol defines the JSON frames exchanged with clients. Every
// frame is an object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/4xmen/chatbridge/internal/conversations"
	"github.com/4xmen/chatbridge/internal/models"
)

// Client to server frame types.
const (
	TypeLogin                    = "login"
	TypeRegister                 = "register"
	TypeAuth                     = "auth"
	TypeChatMessage              = "chat_message"
	TypeGetPreviousConversations = "get_previous_conversations"
	TypeAddFriend                = "add_friend"
	TypeSearchUser               = "search_user"
	TypeGetFriends               = "get_friends"
	TypePing                     = "ping"
)

// Server to client frame types.
const (
	TypeAuthSuccess             = "auth_success"
	TypeAuthResponse            = "auth_response"
	TypeLoginResponse           = "login_response"
	TypeRegisterResponse        = "register_response"
	TypePreviousConversations   = "previous_conversations"
	TypeFriendsListResponse     = "friends_list_response"
	TypeNewMessage              = "new_message"
	TypeMessageSentConfirmation = "message_sent_confirmation"
	TypeMessageSent             = "message_sent"
	TypeChatMessageResponse     = "chat_message_response"
	TypeAddFriendResponse       = "add_friend_response"
	TypeSearchUserResponse      = "search_user_response"
	TypeError                   = "error"
	TypePong                    = "pong"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is a decoded client frame. The concrete type is one of the
// pointer types below.
type Request interface {
	requestType() string
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Login struct{ Credentials }

type Register struct{ Credentials }

// Auth is the envelope that authenticates a connection. Its type field is
// optional on the wire.
type Auth struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

type ChatMessage struct {
	models.OutgoingMessage
}

type GetPreviousConversations struct{}

type AddFriend struct {
	Username string `json:"username"`
}

type SearchUser struct {
	Username string `json:"username"`
}

type GetFriends struct{}

type Ping struct{}

func (*Login) requestType() string                    { return TypeLogin }
func (*Register) requestType() string                 { return TypeRegister }
func (*Auth) requestType() string                     { return TypeAuth }
func (*ChatMessage) requestType() string              { return TypeChatMessage }
func (*GetPreviousConversations) requestType() string { return TypeGetPreviousConversations }
func (*AddFriend) requestType() string                { return TypeAddFriend }
func (*SearchUser) requestType() string               { return TypeSearchUser }
func (*GetFriends) requestType() string               { return TypeGetFriends }
func (*Ping) requestType() string                     { return TypePing }

// Decode parses one client frame. Malformed JSON and unknown types wrap
// ErrBadRequest.
func Decode(data []byte) (Request, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed frame", models.ErrBadRequest)
	}

	var req Request
	switch envelope.Type {
	case TypeLogin:
		req = &Login{}
	case TypeRegister:
		req = &Register{}
	case TypeAuth, "":
		req = &Auth{}
	case TypeChatMessage:
		req = &ChatMessage{}
	case TypeGetPreviousConversations:
		req = &GetPreviousConversations{}
	case TypeAddFriend:
		req = &AddFriend{}
	case TypeSearchUser:
		req = &SearchUser{}
	case TypeGetFriends:
		req = &GetFriends{}
	case TypePing:
		req = &Ping{}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", models.ErrBadRequest, envelope.Type)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: invalid %s frame", models.ErrBadRequest, envelope.Type)
	}
	return req, nil
}

// ErrorFrame is sent for any failed request. Type is "error" or the
// *_response type of the request that failed.
type ErrorFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error builds an error frame. Details of unclassified errors are not
// exposed.
func Error(frameType string, err error) ErrorFrame {
	return ErrorFrame{
		Type:    frameType,
		Status:  StatusError,
		Message: models.PublicMessage(err),
		Code:    models.Code(err),
	}
}

type AuthSuccess struct {
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	SessionID string       `json:"session_id"`
	User      *models.User `json:"user"`
}

func NewAuthSuccess(user *models.User, sessionID string) AuthSuccess {
	return AuthSuccess{Type: TypeAuthSuccess, Status: StatusSuccess, SessionID: sessionID, User: user}
}

// SessionResponse answers login and register.
type SessionResponse struct {
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	Token     string       `json:"token"`
	SessionID string       `json:"session_id"`
	User      *models.User `json:"user"`
}

func NewSessionResponse(frameType, token, sessionID string, user *models.User) SessionResponse {
	return SessionResponse{
		Type:      frameType,
		Status:    StatusSuccess,
		Token:     token,
		SessionID: sessionID,
		User:      user,
	}
}

// MessageFrame carries a full persisted message. It is used for
// new_message pushes and for send confirmations.
type MessageFrame struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	*models.Message
}

func NewMessage(msg *models.Message) MessageFrame {
	return MessageFrame{Type: TypeNewMessage, Message: msg}
}

func NewSentConfirmation(frameType string, msg *models.Message) MessageFrame {
	return MessageFrame{Type: frameType, Status: StatusSuccess, Message: msg}
}

type FriendsList struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Friends []models.Friend `json:"friends"`
	Count   int             `json:"count"`
}

func NewFriendsList(friends []models.Friend) FriendsList {
	if friends == nil {
		friends = []models.Friend{}
	}
	return FriendsList{Type: TypeFriendsListResponse, Status: StatusSuccess, Friends: friends, Count: len(friends)}
}

type PreviousConversations struct {
	Type          string                          `json:"type"`
	Status        string                          `json:"status"`
	Conversations map[string][]conversations.View `json:"conversations"`
}

func NewPreviousConversations(threads map[string][]conversations.View) PreviousConversations {
	if threads == nil {
		threads = map[string][]conversations.View{}
	}
	return PreviousConversations{Type: TypePreviousConversations, Status: StatusSuccess, Conversations: threads}
}

type AddFriendResponse struct {
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Friend  *models.Friend `json:"friend"`
}

func NewAddFriendResponse(friend *models.Friend) AddFriendResponse {
	return AddFriendResponse{
		Type:    TypeAddFriendResponse,
		Status:  StatusSuccess,
		Message: fmt.Sprintf("%s added as a friend", friend.Username),
		Friend:  friend,
	}
}

type SearchUserResponse struct {
	Type   string       `json:"type"`
	Status string       `json:"status"`
	User   *models.User `json:"user"`
}

func NewSearchUserResponse(user *models.User) SearchUserResponse {
	return SearchUserResponse{Type: TypeSearchUserResponse, Status: StatusSuccess, User: user}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}
