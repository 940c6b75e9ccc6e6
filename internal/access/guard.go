// Package access decides whether a user may act on a room.
package access

import (
	"context"
	"errors"
	"fmt"

	"legalchat/pkg/interfaces"
	"legalchat/pkg/types"
)

// Guard re-reads durable membership on every check; connection state is
// never consulted
type Guard struct {
	rooms interfaces.RoomFinder
}

// NewGuard creates a guard backed by rooms
func NewGuard(rooms interfaces.RoomFinder) *Guard {
	return &Guard{rooms: rooms}
}

// IsMember reports whether userID is a participant of roomKey.
// A missing room is not an error, it simply has no members.
func (g *Guard) IsMember(ctx context.Context, roomKey, userID string) (bool, error) {
	_, err := g.Authorize(ctx, roomKey, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, types.ErrAccessDenied) {
		return false, nil
	}
	return false, err
}

// Authorize returns the room when userID participates in it and
// types.ErrAccessDenied otherwise, including for unknown rooms
func (g *Guard) Authorize(ctx context.Context, roomKey, userID string) (*types.Room, error) {
	if roomKey == "" || userID == "" {
		return nil, types.ErrAccessDenied
	}

	room, err := g.rooms.FindRoom(ctx, roomKey)
	if err != nil {
		// FUNCTIONAL DISCOVERY: unknown rooms look exactly like foreign rooms
		// so callers cannot discover which rooms exist
		if errors.Is(err, types.ErrRoomNotFound) {
			return nil, types.ErrAccessDenied
		}
		return nil, fmt.Errorf("failed to load room %s: %w", roomKey, err)
	}

	if !room.HasParticipant(userID) {
		return nil, types.ErrAccessDenied
	}

	return room, nil
}
