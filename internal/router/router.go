package router

import (
	"context"
	"encoding/json"
	"errors"

	"legalchat/internal/access"
	"legalchat/internal/metrics"
	"legalchat/internal/websocket"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

// Router turns client events into store mutations and fan-out
// ARCHITECTURAL DISCOVERY: Persist-then-route keeps the store authoritative;
// nothing is broadcast that a history read could not return afterwards
type Router struct {
	registry   *websocket.Registry
	guard      *access.Guard
	store      interfaces.ChatStore
	limiter    interfaces.RateLimiter
	publisher  interfaces.MessagePublisher
	maxContent int

	locks  *roomLocks
	routes map[string]route
}

// route binds an event to its handler
// roomScoped handlers run under the room lock together with their fan-out
type route struct {
	roomScoped bool
	handle     func(ctx context.Context, conn interfaces.Connection, env *types.Envelope) ([]delivery, error)
}

// delivery is one envelope addressed to a set of connections
type delivery struct {
	to    []interfaces.Connection
	event string
	data  interface{}
}

// Options tunes message handling
type Options struct {
	MaxContentLength int
	// Publisher receives every persisted message; nil disables streaming
	Publisher interfaces.MessagePublisher
}

// NewRouter creates a router over the gateway registry and the durable store
func NewRouter(registry *websocket.Registry, guard *access.Guard, store interfaces.ChatStore, limiter interfaces.RateLimiter, opts Options) *Router {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = types.MaxContentLength
	}

	r := &Router{
		registry:   registry,
		guard:      guard,
		store:      store,
		limiter:    limiter,
		publisher:  opts.Publisher,
		maxContent: opts.MaxContentLength,
		locks:      newRoomLocks(),
	}

	r.routes = map[string]route{
		types.EventJoinChat:    {roomScoped: true, handle: r.handleJoin},
		types.EventLeaveChat:   {roomScoped: true, handle: r.handleLeave},
		types.EventSendMessage: {roomScoped: true, handle: r.handleSendMessage},
		types.EventTypingStart: {roomScoped: true, handle: r.handleTyping(types.EventUserTyping)},
		types.EventTypingStop:  {roomScoped: true, handle: r.handleTyping(types.EventUserStopTyping)},
		types.EventMarkRead:    {roomScoped: true, handle: r.handleMarkRead},
		types.EventPing:        {handle: r.handlePing},
	}

	return r
}

// Dispatch handles one inbound frame from conn
// FUNCTIONAL DISCOVERY: failures are reported to the initiating connection
// only and never close it
func (r *Router) Dispatch(ctx context.Context, conn interfaces.Connection, frame []byte) {
	var env types.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		r.replyError(ctx, conn, "", types.ErrInvalidPayload)
		return
	}

	metrics.EventsReceived.WithLabelValues(env.Event).Inc()

	rt, exists := r.routes[env.Event]
	if !exists {
		r.replyError(ctx, conn, env.Event, types.ErrUnknownEvent)
		return
	}

	if rt.roomScoped {
		var req types.RoomRequest
		if err := env.Decode(&req); err != nil || req.RoomKey == "" {
			r.replyError(ctx, conn, env.Event, types.ErrInvalidPayload)
			return
		}
		unlock := r.locks.Lock(req.RoomKey)
		defer unlock()
	}

	deliveries, err := rt.handle(ctx, conn, &env)
	if err != nil {
		r.replyError(ctx, conn, env.Event, err)
		return
	}

	r.deliver(ctx, deliveries)
}

// Disconnect removes conn from the gateway and announces the departures
func (r *Router) Disconnect(ctx context.Context, conn interfaces.Connection) {
	userID := conn.Identity().UserID

	for _, roomKey := range r.registry.Unregister(conn) {
		unlock := r.locks.Lock(roomKey)
		r.deliver(ctx, []delivery{{
			to:    r.registry.RoomConnections(roomKey),
			event: types.EventUserOffline,
			data:  types.UserEvent{RoomKey: roomKey, UserID: userID},
		}})
		unlock()
	}
}

// deliver encodes each envelope once and writes it to every target
// TECHNICAL DISCOVERY: a failed write to one connection must not stop the
// remaining recipients
func (r *Router) deliver(ctx context.Context, deliveries []delivery) {
	logger := pkglog.Ctx(ctx)

	for _, d := range deliveries {
		if len(d.to) == 0 {
			continue
		}

		env, err := types.NewEnvelope(d.event, d.data)
		if err != nil {
			logger.Error().Err(err).Str(pkglog.FieldEvent, d.event).Msg("failed to encode event")
			continue
		}

		for _, conn := range d.to {
			if err := conn.WriteJSON(env); err != nil {
				metrics.DeliveryFailures.Inc()
				logger.Warn().Err(err).
					Str(pkglog.FieldEvent, d.event).
					Str(pkglog.FieldConnID, conn.ID()).
					Msg("failed to deliver event")
			}
		}
	}
}

func (r *Router) replyError(ctx context.Context, conn interfaces.Connection, event string, err error) {
	reply := errorReply(event, err, r.maxContent)
	metrics.EventErrors.WithLabelValues(reply.Code).Inc()

	logger := pkglog.Ctx(ctx)
	if reply.Code == types.CodePersistence {
		logger.Error().Err(err).Str(pkglog.FieldEvent, event).Msg("event failed")
	} else {
		logger.Debug().Err(err).Str(pkglog.FieldEvent, event).Str("code", reply.Code).Msg("event rejected")
	}

	r.deliver(ctx, []delivery{{to: single(conn), event: types.EventError, data: reply}})
}

// othersInRoom returns the room's connections that belong to other users
func (r *Router) othersInRoom(roomKey, userID string) []interfaces.Connection {
	all := r.registry.RoomConnections(roomKey)
	others := make([]interfaces.Connection, 0, len(all))
	for _, c := range all {
		if c.Identity().UserID != userID {
			others = append(others, c)
		}
	}
	return others
}

func single(conn interfaces.Connection) []interfaces.Connection {
	return []interfaces.Connection{conn}
}

// authorize runs the membership check and tags failures with the request
func (r *Router) authorize(ctx context.Context, roomKey, userID, tempID string) (*types.Room, error) {
	room, err := r.guard.Authorize(ctx, roomKey, userID)
	if err != nil {
		if errors.Is(err, types.ErrAccessDenied) {
			return nil, fail(types.ErrAccessDenied, roomKey, tempID)
		}
		return nil, fail(err, roomKey, tempID)
	}
	return room, nil
}
