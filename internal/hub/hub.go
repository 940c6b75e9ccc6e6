package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"legalchat/internal/metrics"
	"legalchat/internal/websocket"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

// Hub delivers personal notifications to every connection a user holds
// ARCHITECTURAL DISCOVERY: notifications travel outside room groups, so a
// user learns about a chat request before ever joining the room
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs bursts such as a case
	// room notifying all of its participants at once
	notifyChannel   chan *userNotification
	shutdownChannel chan struct{}

	registry *websocket.Registry
	bridge   *RedisBridge

	running bool
	mu      sync.RWMutex
}

// userNotification is one queued notification for one user
type userNotification struct {
	UserID       string             `json:"userId"`
	Notification types.Notification `json:"notification"`
	// Origin is the publishing instance, set by the bridge
	Origin string `json:"origin,omitempty"`
}

// NewHub creates a hub over the local registry. bridge may be nil, in which
// case notifications only reach connections on this instance.
func NewHub(registry *websocket.Registry, bridge *RedisBridge) *Hub {
	return &Hub{
		notifyChannel:   make(chan *userNotification, 1000),
		shutdownChannel: make(chan struct{}),
		registry:        registry,
		bridge:          bridge,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	pkglog.L().Info().Bool("redis_bridge", h.bridge != nil).Msg("starting notification hub")

	go h.run(ctx)
	if h.bridge != nil {
		go h.bridge.Run(ctx, h.enqueue)
	}

	return nil
}

// Stop halts processing. Queued notifications are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	pkglog.L().Info().Msg("stopping notification hub")

	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}

	return nil
}

// Notify sends kind with data on userID's personal channel
// A user with no open connection simply misses it; rooms and history stay
// the durable record.
func (h *Hub) Notify(ctx context.Context, userID, kind string, data interface{}) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	if !types.IsValidUserID(userID) {
		return ErrInvalidRecipient
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	n := &userNotification{
		UserID: userID,
		Notification: types.Notification{
			Kind:      kind,
			Data:      raw,
			Timestamp: time.Now().UTC(),
		},
	}

	// TECHNICAL DISCOVERY: local connections are always served from this
	// instance, so neither a Redis outage nor a resubscribe gap loses them;
	// the bridge only carries the notification to other instances
	if h.bridge != nil {
		if err := h.bridge.Publish(ctx, n); err != nil {
			metrics.PublishFailures.WithLabelValues("redis").Inc()
			pkglog.Ctx(ctx).Warn().Err(err).Str(pkglog.FieldUserID, userID).Msg("notification bridge publish failed")
		}
	}

	return h.enqueue(n)
}

// enqueue hands a notification to the run loop without blocking
func (h *Hub) enqueue(n *userNotification) error {
	select {
	case h.notifyChannel <- n:
		return nil
	default:
		return ErrNotifyChannelFull
	}
}

// run is the single delivery loop
func (h *Hub) run(ctx context.Context) {
	logger := pkglog.L()
	defer logger.Debug().Msg("notification hub stopped")

	for {
		select {
		case n := <-h.notifyChannel:
			h.deliver(n)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) deliver(n *userNotification) {
	logger := pkglog.L()

	env, err := types.NewEnvelope(types.EventNotification, n.Notification)
	if err != nil {
		logger.Error().Err(err).Str("kind", n.Notification.Kind).Msg("failed to encode notification")
		return
	}

	conns := h.registry.UserConnections(n.UserID)
	for _, conn := range conns {
		if err := conn.WriteJSON(env); err != nil {
			metrics.DeliveryFailures.Inc()
			logger.Warn().Err(err).
				Str(pkglog.FieldUserID, n.UserID).
				Str(pkglog.FieldConnID, conn.ID()).
				Msg("failed to deliver notification")
		}
	}

	metrics.NotificationsSent.WithLabelValues(n.Notification.Kind).Inc()
	logger.Debug().
		Str(pkglog.FieldUserID, n.UserID).
		Str("kind", n.Notification.Kind).
		Int("connections", len(conns)).
		Msg("notification dispatched")
}
