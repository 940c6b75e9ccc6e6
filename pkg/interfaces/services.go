package interfaces

import (
	"context"

	"legalchat/pkg/types"
)

// TokenResolver turns a handshake credential into a verified identity
// FUNCTIONAL DISCOVERY: implementations must wrap failures with
// types.ErrAuthentication so callers can refuse the connection uniformly
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (types.Identity, error)
}

// RateLimiter throttles message submission per sender across all rooms
type RateLimiter interface {
	Allow(ctx context.Context, senderID string) bool
}

// Notifier delivers out-of-band events on a user's personal channel
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, data interface{}) error
}

// MessagePublisher streams persisted messages to downstream consumers
type MessagePublisher interface {
	PublishMessage(ctx context.Context, msg *types.Message) error
	Close() error
}
