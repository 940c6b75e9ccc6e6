package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNotifyChannelFull = errors.New("notification channel is full")
	ErrInvalidRecipient  = errors.New("invalid notification recipient")
)
