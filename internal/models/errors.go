package models

import "errors"

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrDuplicateHandle    = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnknownRecipient   = errors.New("unknown recipient")
	ErrSelfFriend         = errors.New("cannot add yourself as a friend")
	ErrAlreadyFriends     = errors.New("already friends")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrPersistFailed      = errors.New("failed to persist message")
	ErrTimeout            = errors.New("timed out")
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("invalid request")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// Error codes sent to clients. They are part of the wire protocol.
const (
	CodeUnauthenticated    = "unauthenticated"
	CodeDuplicateHandle    = "duplicate_handle"
	CodeInvalidCredentials = "invalid_credentials"
	CodeUnknownRecipient   = "unknown_recipient"
	CodeSelfFriend         = "self_friend"
	CodeAlreadyFriends     = "already_friends"
	CodePayloadTooLarge    = "payload_too_large"
	CodePersistFailed      = "persist_failed"
	CodeTimeout            = "timeout"
	CodeNotFound           = "not_found"
	CodeBadRequest         = "bad_request"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrDuplicateHandle, CodeDuplicateHandle},
	{ErrInvalidCredentials, CodeInvalidCredentials},
	{ErrUnknownRecipient, CodeUnknownRecipient},
	{ErrSelfFriend, CodeSelfFriend},
	{ErrAlreadyFriends, CodeAlreadyFriends},
	{ErrPayloadTooLarge, CodePayloadTooLarge},
	{ErrPersistFailed, CodePersistFailed},
	{ErrTimeout, CodeTimeout},
	{ErrNotFound, CodeNotFound},
	{ErrBadRequest, CodeBadRequest},
	{ErrRateLimited, CodeRateLimited},
}

// Code classifies err into one of the wire error codes. Unclassified errors
// map to CodeInternal.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// PublicMessage returns the sentinel text for err so wrapped storage or
// driver details never reach a client.
func PublicMessage(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.err.Error()
		}
	}
	return "internal server error"
}
