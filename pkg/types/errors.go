package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID      = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole        = errors.New("role must be citizen, lawyer or admin")
	ErrInvalidRoomKey     = errors.New("invalid room key")
	ErrSelfChat           = errors.New("a direct chat needs two distinct participants")
	ErrInvalidCaseRef     = errors.New("case type and case id are required")
	ErrEmptyParticipants  = errors.New("participant list cannot be empty")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrEmptyContent       = errors.New("message content cannot be empty")
	ErrContentTooLong     = errors.New("message content exceeds 1000 characters")
	ErrUnknownEvent       = errors.New("unknown event")
	ErrInvalidPayload     = errors.New("invalid event payload")
)

// Failure taxonomy shared by the gateway, the store and the API layer
var (
	ErrAuthentication  = errors.New("authentication failed")
	ErrAccessDenied    = errors.New("access denied to chat room")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrPersistence     = errors.New("persistence failure")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomNotActive   = errors.New("room is not active")
	ErrMessageNotFound = errors.New("message not found")
)
