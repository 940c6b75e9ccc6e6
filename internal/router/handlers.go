package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legalchat/internal/metrics"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

func (r *Router) handleJoin(ctx context.Context, conn interfaces.Connection, env *types.Envelope) ([]delivery, error) {
	var req types.RoomRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	userID := conn.Identity().UserID
	if _, err := r.authorize(ctx, req.RoomKey, userID, ""); err != nil {
		return nil, err
	}

	r.registry.JoinRoom(conn, req.RoomKey)

	var deliveries []delivery

	// joining reads everything up to the newest message
	if read, err := r.advanceCursor(ctx, req.RoomKey, userID, nil); err != nil {
		pkglog.Ctx(ctx).Warn().Err(err).Str(pkglog.FieldRoomKey, req.RoomKey).Msg("failed to mark room read on join")
	} else if read != nil {
		deliveries = append(deliveries, *read)
	}

	deliveries = append(deliveries, delivery{
		to:    single(conn),
		event: types.EventChatJoined,
		data:  types.ChatJoined{RoomKey: req.RoomKey, Success: true},
	})

	return deliveries, nil
}

func (r *Router) handleLeave(ctx context.Context, conn interfaces.Connection, env *types.Envelope) ([]delivery, error) {
	var req types.RoomRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	r.registry.LeaveRoom(conn, req.RoomKey)
	return nil, nil
}

// handleSendMessage validates, persists, then fans out one message
// FUNCTIONAL DISCOVERY: the recipient snapshot is taken after the append
// commits, so every connection in the room group at that point receives it
func (r *Router) handleSendMessage(ctx context.Context, conn interfaces.Connection, env *types.Envelope) ([]delivery, error) {
	var req types.SendMessageRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	content, err := types.NormalizeContent(req.Content, r.maxContent)
	if err != nil {
		return nil, fail(err, req.RoomKey, req.TempID)
	}

	msgType := req.Type
	if msgType == "" {
		msgType = types.MessageTypeText
	}
	if !types.IsValidMessageType(msgType) {
		return nil, fail(types.ErrInvalidMessageType, req.RoomKey, req.TempID)
	}

	sender := conn.Identity()
	if r.limiter != nil && !r.limiter.Allow(ctx, sender.UserID) {
		return nil, fail(types.ErrRateLimited, req.RoomKey, req.TempID)
	}

	room, err := r.authorize(ctx, req.RoomKey, sender.UserID, req.TempID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive() {
		return nil, fail(types.ErrRoomNotActive, req.RoomKey, req.TempID)
	}

	msg, err := r.store.AppendMessage(ctx, req.RoomKey, sender.UserID, content, msgType)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", types.ErrPersistence, err), req.RoomKey, req.TempID)
	}
	metrics.MessagesPersisted.WithLabelValues(room.Kind()).Inc()

	pkglog.Ctx(ctx).Debug().
		Str(pkglog.FieldRoomKey, msg.RoomKey).
		Str(pkglog.FieldMsgID, msg.ID).
		Int64("seq", msg.Seq).
		Msg("message persisted")

	r.publish(ctx, msg)

	return []delivery{
		{
			to:    withConn(r.registry.RoomConnections(req.RoomKey), conn),
			event: types.EventNewMessage,
			data:  types.NewMessageFrom(msg, sender, req.TempID),
		},
		{
			to:    single(conn),
			event: types.EventMessageSent,
			data: types.MessageSent{
				MessageID: msg.ID,
				TempID:    req.TempID,
				Timestamp: msg.CreatedAt,
				RoomKey:   msg.RoomKey,
			},
		},
	}, nil
}

// handleTyping relays typing indicators; unauthorized senders are ignored
func (r *Router) handleTyping(outbound string) func(context.Context, interfaces.Connection, *types.Envelope) ([]delivery, error) {
	return func(ctx context.Context, conn interfaces.Connection, env *types.Envelope) ([]delivery, error) {
		var req types.RoomRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}

		userID := conn.Identity().UserID
		member, err := r.guard.IsMember(ctx, req.RoomKey, userID)
		if err != nil || !member {
			return nil, nil
		}

		return []delivery{{
			to:    r.othersInRoom(req.RoomKey, userID),
			event: outbound,
			data:  types.UserEvent{RoomKey: req.RoomKey, UserID: userID},
		}}, nil
	}
}

func (r *Router) handleMarkRead(ctx context.Context, conn interfaces.Connection, env *types.Envelope) ([]delivery, error) {
	var req types.MarkReadRequest
	if err := env.Decode(&req); err != nil {
		return nil, err
	}

	userID := conn.Identity().UserID
	member, err := r.guard.IsMember(ctx, req.RoomKey, userID)
	if err != nil || !member {
		return nil, nil
	}

	read, err := r.advanceCursor(ctx, req.RoomKey, userID, req.MessageIDs)
	if err != nil {
		return nil, fail(err, req.RoomKey, "")
	}
	if read == nil {
		return nil, nil
	}
	return []delivery{*read}, nil
}

func (r *Router) handlePing(ctx context.Context, conn interfaces.Connection, env *types.Envelope) ([]delivery, error) {
	return []delivery{{to: single(conn), event: types.EventPong, data: struct{}{}}}, nil
}

// advanceCursor moves userID's read cursor to the newest of messageIDs, or
// to the room's latest message when none are given. It returns the
// messages_read announcement when the cursor actually moved.
func (r *Router) advanceCursor(ctx context.Context, roomKey, userID string, messageIDs []string) (*delivery, error) {
	target, err := r.readTarget(ctx, roomKey, messageIDs)
	if err != nil || target == nil {
		return nil, err
	}

	advanced, err := r.store.SetReadCursor(ctx, roomKey, userID, types.ReadCursor{
		MessageID: target.ID,
		Seq:       target.Seq,
		ReadAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !advanced {
		return nil, nil
	}

	return &delivery{
		to:    r.othersInRoom(roomKey, userID),
		event: types.EventMessagesRead,
		data:  types.MessagesRead{RoomKey: roomKey, ReadBy: userID, MessageID: target.ID},
	}, nil
}

// readTarget resolves the message a read marks up to
// ids that are unknown or belong to another room are skipped
func (r *Router) readTarget(ctx context.Context, roomKey string, messageIDs []string) (*types.Message, error) {
	if len(messageIDs) == 0 {
		return r.store.LatestMessage(ctx, roomKey)
	}

	var newest *types.Message
	for _, id := range messageIDs {
		msg, err := r.store.FindMessage(ctx, roomKey, id)
		if errors.Is(err, types.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if newest == nil || msg.Seq > newest.Seq {
			newest = msg
		}
	}
	return newest, nil
}

func (r *Router) publish(ctx context.Context, msg *types.Message) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishMessage(ctx, msg); err != nil {
		metrics.PublishFailures.WithLabelValues("message").Inc()
		pkglog.Ctx(ctx).Warn().Err(err).Str(pkglog.FieldMsgID, msg.ID).Msg("failed to publish message")
	}
}

// withConn appends conn unless it is already among conns
func withConn(conns []interfaces.Connection, conn interfaces.Connection) []interfaces.Connection {
	for _, c := range conns {
		if c.ID() == conn.ID() {
			return conns
		}
	}
	return append(conns, conn)
}
