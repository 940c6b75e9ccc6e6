package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"legalchat/internal/metrics"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
	"legalchat/pkg/types"
)

// Dispatcher receives decoded traffic from the read pump
// ARCHITECTURAL DISCOVERY: the handler owns transport concerns only; all chat
// semantics live behind this boundary
type Dispatcher interface {
	// Dispatch handles one inbound text frame; calls for one connection are
	// sequential and in arrival order
	Dispatch(ctx context.Context, conn interfaces.Connection, frame []byte)

	// Disconnect runs once after the read pump exits
	Disconnect(ctx context.Context, conn interfaces.Connection)
}

// HandlerConfig carries transport timings
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	AllowedOrigins []string
}

// Handler authenticates handshakes and runs a read pump per connection
type Handler struct {
	registry   *Registry
	resolver   interfaces.TokenResolver
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, resolver interfaces.TokenResolver, dispatcher Dispatcher, config HandlerConfig, logger zerolog.Logger) *Handler {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= config.PingInterval {
		config.ReadTimeout = 2 * config.PingInterval
	}

	h := &Handler{
		registry:   registry,
		resolver:   resolver,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin admits non-browser clients (no Origin header) and origins on
// the allow list; "*" admits everything
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket authenticates, upgrades and starts the connection pump
// ARCHITECTURAL DISCOVERY: Multi-stage validation (token -> upgrade -> registration)
// refuses bad credentials with a plain HTTP error before any socket exists
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	if token == "" {
		metrics.ConnectionsRejected.WithLabelValues("missing_token").Inc()
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}

	identity, err := h.resolver.ResolveToken(r.Context(), token)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("invalid_token").Inc()
		h.logger.Debug().Err(err).Msg("handshake rejected")
		status := http.StatusUnauthorized
		if !errors.Is(err, types.ErrAuthentication) {
			status = http.StatusInternalServerError
		}
		http.Error(w, "Authentication failed", status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		h.logger.Warn().Err(err).Str(pkglog.FieldUserID, identity.UserID).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, identity, h.config.BufferSize, h.config.WriteTimeout)
	if err := h.registry.Register(wsConn); err != nil {
		h.logger.Error().Err(err).Str(pkglog.FieldUserID, identity.UserID).Msg("failed to register connection")
		_ = wsConn.Close()
		return
	}

	logger := h.logger.With().
		Str(pkglog.FieldConnID, wsConn.ID()).
		Str(pkglog.FieldUserID, identity.UserID).
		Str(pkglog.FieldRole, identity.Role).
		Logger()
	logger.Info().Msg("connection established")

	if err := wsConn.Send(types.EventConnected, types.Connected{
		UserID:      identity.UserID,
		Role:        identity.Role,
		DisplayName: identity.DisplayName,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to send connected event")
	}

	ctx := pkglog.WithLogger(context.Background(), logger)
	go h.handleConnection(ctx, wsConn)
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: one goroutine reads, so events from a connection
// are dispatched sequentially in arrival order
func (h *Handler) handleConnection(ctx context.Context, conn *Connection) {
	logger := pkglog.Ctx(ctx)
	defer func() {
		// FUNCTIONAL DISCOVERY: Deferred cleanup ensures room groups are left
		// even if dispatch panics
		h.dispatcher.Disconnect(ctx, conn)
		_ = conn.Close()
		logger.Info().Msg("connection closed")
	}()

	readTimeout := h.config.ReadTimeout
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		logger.Warn().Err(err).Msg("failed to set read deadline")
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatcher.Dispatch(ctx, conn, data)
	}
}

// pingLoop keeps the read deadline moving on idle connections
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
