package router

import (
	"errors"
	"fmt"

	"legalchat/pkg/types"
)

// eventError carries the request context an error reply needs
type eventError struct {
	err     error
	roomKey string
	tempID  string
}

func (e *eventError) Error() string { return e.err.Error() }
func (e *eventError) Unwrap() error { return e.err }

func fail(err error, roomKey, tempID string) error {
	return &eventError{err: err, roomKey: roomKey, tempID: tempID}
}

// errorReply maps a handler failure onto the wire error taxonomy
// FUNCTIONAL DISCOVERY: messages are user facing and stable; the code is
// what clients branch on
func errorReply(event string, err error, maxContentLength int) types.ErrorEvent {
	reply := types.ErrorEvent{}

	var ee *eventError
	if errors.As(err, &ee) {
		reply.RoomKey = ee.roomKey
		reply.TempID = ee.tempID
	}

	switch {
	case errors.Is(err, types.ErrAccessDenied), errors.Is(err, types.ErrRoomNotFound):
		reply.Code = types.CodeAccessDenied
		reply.Message = "Access denied to chat room"
	case errors.Is(err, types.ErrEmptyContent):
		reply.Code = types.CodeValidation
		reply.Message = "Message content cannot be empty"
	case errors.Is(err, types.ErrContentTooLong):
		reply.Code = types.CodeValidation
		reply.Message = fmt.Sprintf("Message content exceeds %d characters", maxContentLength)
	case errors.Is(err, types.ErrRateLimited):
		reply.Code = types.CodeRateLimited
		reply.Message = "Rate limit exceeded, slow down"
	case errors.Is(err, types.ErrRoomNotActive):
		reply.Code = types.CodeRoomNotActive
		reply.Message = "Chat is awaiting acceptance"
	case errors.Is(err, types.ErrUnknownEvent):
		reply.Code = types.CodeBadRequest
		reply.Message = fmt.Sprintf("Unknown event: %s", event)
	case errors.Is(err, types.ErrInvalidPayload), errors.Is(err, types.ErrInvalidMessageType):
		reply.Code = types.CodeBadRequest
		reply.Message = "Invalid event payload"
	default:
		reply.Code = types.CodePersistence
		switch event {
		case types.EventSendMessage:
			reply.Message = "Failed to save message"
		case types.EventJoinChat:
			reply.Message = "Failed to join chat"
		default:
			reply.Message = "Request failed"
		}
	}

	return reply
}
