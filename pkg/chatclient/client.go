package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"legalchat/pkg/types"
)

// Config describes how to reach the gateway
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws
	URL   string
	Token string

	// Reconnect backoff; zero values take the defaults below
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime of zero retries until the client is closed
	MaxElapsedTime time.Duration

	Dialer *websocket.Dialer
	Logger *zerolog.Logger
}

// Client owns one gateway connection and hands room traffic to controllers
// ARCHITECTURAL DISCOVERY: a single read loop demultiplexes envelopes by
// roomKey, so controllers never touch the socket directly
type Client struct {
	config Config
	logger zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	identity    types.Identity
	controllers map[string]*Controller
	closed      bool

	writeMu sync.Mutex

	notifications chan types.Notification
	connectedCh   chan types.Identity

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient prepares a client; call Connect to dial
func NewClient(config Config) *Client {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 250 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 10 * time.Second
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Client{
		config:        config,
		logger:        logger,
		controllers:   make(map[string]*Controller),
		notifications: make(chan types.Notification, 64),
		connectedCh:   make(chan types.Identity, 1),
		done:          make(chan struct{}),
	}
}

// Connect dials the gateway once, waits for the connected greeting, then
// keeps the session alive in the background until Close
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, conn)

	select {
	case identity := <-c.connectedCh:
		c.logger.Debug().Str("user_id", identity.UserID).Msg("connected to gateway")
		return nil
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	}
}

// Identity is the caller as greeted by the gateway
func (c *Client) Identity() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Notifications yields personal-channel events. Events are dropped when
// nobody drains the channel.
func (c *Client) Notifications() <-chan types.Notification {
	return c.notifications
}

// Done is closed once the client stops for good
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops reconnecting and closes the socket
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if cancel != nil {
		<-c.done
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.Token)

	conn, resp, err := c.config.Dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	return conn, nil
}

// run reads until the socket fails, then reconnects and resumes controllers
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)

	for {
		c.readLoop(conn)
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.logger.Warn().Msg("gateway connection lost, reconnecting")

		var err error
		conn, err = c.reconnect(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("giving up on gateway")
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		for _, ctl := range c.openControllers() {
			go ctl.resume(ctx)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialInterval
	b.MaxInterval = c.config.MaxInterval
	b.MaxElapsedTime = c.config.MaxElapsedTime

	var conn *websocket.Conn
	operation := func() error {
		var err error
		conn, err = c.dial(ctx)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect attempt failed")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("invalid frame from gateway")
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch hands room-scoped events to their controller
func (c *Client) dispatch(env *types.Envelope) {
	switch env.Event {
	case types.EventConnected:
		var greeting types.Connected
		if err := env.Decode(&greeting); err != nil {
			return
		}
		identity := types.Identity{UserID: greeting.UserID, Role: greeting.Role, DisplayName: greeting.DisplayName}
		c.mu.Lock()
		c.identity = identity
		c.mu.Unlock()
		select {
		case c.connectedCh <- identity:
		default:
		}
		return

	case types.EventNotification:
		var n types.Notification
		if err := env.Decode(&n); err != nil {
			return
		}
		select {
		case c.notifications <- n:
		default:
			c.logger.Warn().Str("kind", n.Kind).Msg("notification dropped")
		}
		return

	case types.EventPong:
		return
	}

	var scoped types.RoomRequest
	if err := env.Decode(&scoped); err != nil || scoped.RoomKey == "" {
		c.logger.Debug().Str("event", env.Event).Msg("unscoped event ignored")
		return
	}

	c.mu.Lock()
	ctl := c.controllers[scoped.RoomKey]
	c.mu.Unlock()
	if ctl != nil {
		ctl.handle(env)
	}
}

// send writes one envelope; safe for concurrent use
func (c *Client) send(event string, data interface{}) error {
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(env)
}

func (c *Client) self() string {
	return c.Identity().UserID
}

func (c *Client) attach(ctl *Controller) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if _, exists := c.controllers[ctl.roomKey]; exists {
		return ErrControllerOpen
	}
	c.controllers[ctl.roomKey] = ctl
	return nil
}

func (c *Client) detach(ctl *Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controllers[ctl.roomKey] == ctl {
		delete(c.controllers, ctl.roomKey)
	}
}

func (c *Client) openControllers() []*Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Controller, 0, len(c.controllers))
	for _, ctl := range c.controllers {
		out = append(out, ctl)
	}
	return out
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Ping sends an application-level keepalive
func (c *Client) Ping() error {
	return c.send(types.EventPing, struct{}{})
}
