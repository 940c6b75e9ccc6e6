package chatclient

import "errors"

var (
	ErrNotConnected   = errors.New("chat client is not connected")
	ErrClientClosed   = errors.New("chat client is closed")
	ErrUnauthorized   = errors.New("gateway rejected the token")
	ErrNotReady       = errors.New("chat is not ready")
	ErrControllerOpen = errors.New("a controller is already open for this room")
)

// JoinError reports a refused join_chat
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string { return "join refused: " + e.Message }
