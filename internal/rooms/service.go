package rooms

import (
	"context"
	"errors"
	"fmt"

	"legalchat/internal/access"
	"legalchat/internal/metrics"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

// ChatRequest is the data of a chat_request notification
type ChatRequest struct {
	RoomKey string              `json:"roomKey"`
	From    types.SenderSummary `json:"from"`
}

// ChatAccepted is the data of a chat_accepted notification
type ChatAccepted struct {
	RoomKey    string `json:"roomKey"`
	AcceptedBy string `json:"acceptedBy"`
}

// CaseChatCreated is the data of a case_chat_created notification
type CaseChatCreated struct {
	RoomKey  string `json:"roomKey"`
	CaseType string `json:"caseType"`
	CaseID   string `json:"caseId"`
}

// Service owns the room lifecycle on behalf of the CRUD layer
// ARCHITECTURAL DISCOVERY: room creation lives outside the realtime
// gateway; the gateway only ever reads rooms through the guard
type Service struct {
	store    interfaces.ChatStore
	guard    *access.Guard
	notifier interfaces.Notifier
}

// NewService creates the room lifecycle service. notifier may be nil.
func NewService(store interfaces.ChatStore, guard *access.Guard, notifier interfaces.Notifier) *Service {
	return &Service{store: store, guard: guard, notifier: notifier}
}

// CreateDirectRoom opens a pending two-party room from requester to invitee
// The bool reports whether the room was created by this call; an existing
// room for the pair is returned unchanged.
func (s *Service) CreateDirectRoom(ctx context.Context, requester types.Identity, inviteeID, inviteeRole string) (*types.Room, bool, error) {
	if !types.IsValidUserID(requester.UserID) || !types.IsValidUserID(inviteeID) {
		return nil, false, types.ErrInvalidUserID
	}
	if !types.IsValidRole(requester.Role) || !types.IsValidRole(inviteeRole) {
		return nil, false, types.ErrInvalidRole
	}
	if requester.UserID == inviteeID {
		return nil, false, types.ErrSelfChat
	}

	room := &types.Room{
		Key: types.DirectRoomKey(requester.UserID, inviteeID),
		Participants: []types.Participant{
			{UserID: requester.UserID, Role: requester.Role},
			{UserID: inviteeID, Role: inviteeRole},
		},
		Binding: types.DirectBinding{RequestedBy: requester.UserID, Invitee: inviteeID},
		State:   types.RoomStatePending,
	}

	stored, created, err := s.store.CreateRoom(ctx, room)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create direct room: %w", err)
	}
	if !created {
		return stored, false, nil
	}

	metrics.RoomsCreated.WithLabelValues(types.BindingDirect).Inc()
	s.notify(ctx, inviteeID, types.NotificationChatRequest, ChatRequest{
		RoomKey: stored.Key,
		From: types.SenderSummary{
			UserID:      requester.UserID,
			Role:        requester.Role,
			DisplayName: requester.DisplayName,
		},
	})

	return stored, true, nil
}

// AcceptDirectRoom activates a pending direct room. Accepting an active
// room is a no-op that returns it.
func (s *Service) AcceptDirectRoom(ctx context.Context, caller types.Identity, roomKey string) (*types.Room, error) {
	room, err := s.guard.Authorize(ctx, roomKey, caller.UserID)
	if err != nil {
		return nil, err
	}

	binding, ok := room.Binding.(types.DirectBinding)
	if !ok {
		return nil, ErrNotDirectRoom
	}
	if binding.Invitee != caller.UserID {
		return nil, ErrNotInvitee
	}
	if room.IsActive() {
		return room, nil
	}

	updated, err := s.store.UpdateRoomState(ctx, roomKey, types.RoomStateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to accept room: %w", err)
	}

	s.notify(ctx, binding.RequestedBy, types.NotificationChatAccepted, ChatAccepted{
		RoomKey:    roomKey,
		AcceptedBy: caller.UserID,
	})

	return updated, nil
}

// CreateCaseRoom opens an active room bound to a case record
// One room exists per (caseType, caseID); repeated calls return it.
func (s *Service) CreateCaseRoom(ctx context.Context, caseType, caseID string, participants []types.Participant) (*types.Room, bool, error) {
	if caseType == "" || caseID == "" {
		return nil, false, types.ErrInvalidCaseRef
	}

	participants = dedupeParticipants(participants)
	if err := types.ValidateParticipants(participants); err != nil {
		return nil, false, err
	}

	existing, err := s.store.FindCaseRoom(ctx, caseType, caseID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, types.ErrRoomNotFound) {
		return nil, false, fmt.Errorf("failed to look up case room: %w", err)
	}

	room := &types.Room{
		Key:          types.NewCaseRoomKey(),
		Participants: participants,
		Binding:      types.CaseBinding{CaseType: caseType, CaseID: caseID},
		State:        types.RoomStateActive,
	}

	stored, created, err := s.store.CreateRoom(ctx, room)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create case room: %w", err)
	}
	if !created {
		return stored, false, nil
	}

	metrics.RoomsCreated.WithLabelValues(types.BindingCase).Inc()
	for _, p := range stored.Participants {
		s.notify(ctx, p.UserID, types.NotificationCaseChatCreated, CaseChatCreated{
			RoomKey:  stored.Key,
			CaseType: caseType,
			CaseID:   caseID,
		})
	}

	return stored, true, nil
}

// ListSummaries returns userID's rooms, most recently active first, with
// unread counts
func (s *Service) ListSummaries(ctx context.Context, userID string) ([]types.RoomSummary, error) {
	rooms, err := s.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	summaries := make([]types.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		unread, err := s.store.CountUnread(ctx, room.Key, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count unread for %s: %w", room.Key, err)
		}
		summaries = append(summaries, types.RoomSummary{Room: room, UnreadCount: unread})
	}

	return summaries, nil
}

// History returns one page of a room's messages to a participant
func (s *Service) History(ctx context.Context, userID, roomKey string, page types.Page) (*types.MessagePage, error) {
	if _, err := s.guard.Authorize(ctx, roomKey, userID); err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, roomKey, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return history, nil
}

// notify is best effort; the room is the durable record
func (s *Service) notify(ctx context.Context, userID, kind string, data interface{}) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, kind, data); err != nil {
		pkglog.Ctx(ctx).Warn().Err(err).
			Str(pkglog.FieldUserID, userID).
			Str("kind", kind).
			Msg("failed to send notification")
	}
}

func dedupeParticipants(in []types.Participant) []types.Participant {
	seen := make(map[string]struct{}, len(in))
	out := make([]types.Participant, 0, len(in))
	for _, p := range in {
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p)
	}
	return out
}
