package interfaces

import (
	"context"

	"legalchat/pkg/types"
)

// RoomFinder is the read side needed to authorize room-scoped events
type RoomFinder interface {
	// FindRoom returns types.ErrRoomNotFound when no room has the key
	FindRoom(ctx context.Context, key string) (*types.Room, error)
}

// ChatStore handles all chat persistence operations
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type ChatStore interface {
	RoomFinder

	// FindCaseRoom looks a case-bound room up by its case reference
	FindCaseRoom(ctx context.Context, caseType, caseID string) (*types.Room, error)

	// CreateRoom inserts room unless a room with the same key (or, for
	// case rooms, the same case reference) exists. The stored room is
	// returned together with whether this call created it.
	CreateRoom(ctx context.Context, room *types.Room) (*types.Room, bool, error)

	// UpdateRoomState moves a room between lifecycle states
	UpdateRoomState(ctx context.Context, key, state string) (*types.Room, error)

	// ListRoomsForUser returns every room the user participates in,
	// most recently updated first
	ListRoomsForUser(ctx context.Context, userID string) ([]*types.Room, error)

	// AppendMessage persists a message, assigning its ID, Seq and CreatedAt,
	// and updates the room's denormalized last message
	AppendMessage(ctx context.Context, roomKey, senderID, content, msgType string) (*types.Message, error)

	// ListMessages returns one page of history ordered oldest to newest
	ListMessages(ctx context.Context, roomKey string, page types.Page) (*types.MessagePage, error)

	// FindMessage returns a message of roomKey by ID
	FindMessage(ctx context.Context, roomKey, messageID string) (*types.Message, error)

	// LatestMessage returns the newest message in a room, or nil if it has none
	LatestMessage(ctx context.Context, roomKey string) (*types.Message, error)

	// SetReadCursor advances the user's cursor; a cursor at or behind the
	// stored one is ignored and reported as not advanced
	SetReadCursor(ctx context.Context, roomKey, userID string, cursor types.ReadCursor) (bool, error)

	// CountUnread counts messages after the user's cursor sent by others
	CountUnread(ctx context.Context, roomKey, userID string) (int, error)

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the store and waits for pending writes
	Close() error
}
