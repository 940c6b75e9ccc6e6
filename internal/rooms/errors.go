package rooms

import "errors"

var (
	ErrNotDirectRoom = errors.New("only direct rooms can be accepted")
	ErrNotInvitee    = errors.New("only the invitee can accept a chat request")
)
