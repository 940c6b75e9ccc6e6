package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"legalchat/internal/access"
	"legalchat/internal/api"
	"legalchat/internal/auth"
	"legalchat/internal/config"
	"legalchat/internal/database"
	"legalchat/internal/events"
	"legalchat/internal/hub"
	"legalchat/internal/ratelimit"
	"legalchat/internal/rooms"
	"legalchat/internal/router"
	"legalchat/internal/websocket"
	pkgdatabase "legalchat/pkg/database"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	store      *database.Manager
	registry   *websocket.Registry
	limiter    interfaces.RateLimiter
	cleaner    *ratelimit.SlidingWindow
	redis      redis.UniversalClient
	hub        *hub.Hub
	publisher  interfaces.MessagePublisher
	apiServer  *api.Server
	httpServer *http.Server

	cancel context.CancelFunc
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Registry → Limiter → Hub → Rooms → Publisher → Router → Gateway → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pkglog.Init(*cfg.Log)
	logger := *pkglog.L()

	// STEP 1: Durable store; migrations run inside NewManager
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.MaxConnections = cfg.Database.MaxConnections
	dbConfig.WriteTimeout = cfg.Database.Timeout
	dbConfig.MigrationsPath = cfg.Database.MigrationsPath

	store, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	a := &Application{
		config:    cfg,
		logger:    logger,
		store:     store,
		registry:  websocket.NewRegistry(),
		publisher: events.NopPublisher{},
	}

	// STEP 2: Rate limiter and personal-channel bridge share one Redis client
	var bridge *hub.RedisBridge
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.limiter = ratelimit.NewRedisLimiter(a.redis, cfg.Redis.KeyPrefix, cfg.Chat.RateLimit, cfg.Chat.RateWindow, logger)
		bridge = hub.NewRedisBridge(a.redis, cfg.Redis.KeyPrefix)
	} else {
		a.cleaner = ratelimit.NewSlidingWindow(cfg.Chat.RateLimit, cfg.Chat.RateWindow)
		a.limiter = a.cleaner
	}

	// STEP 3: Notification hub
	a.hub = hub.NewHub(a.registry, bridge)

	// STEP 4: Room lifecycle over the store
	guard := access.NewGuard(store)
	roomService := rooms.NewService(store, guard, a.hub)

	// STEP 5: Optional message stream
	if cfg.Kafka.Enabled {
		publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("failed to initialize kafka publisher: %w", err)
		}
		a.publisher = publisher
	}

	// STEP 6: Event router and gateway
	messageRouter := router.NewRouter(a.registry, guard, store, a.limiter, router.Options{
		MaxContentLength: cfg.Chat.MaxContentLength,
		Publisher:        a.publisher,
	})

	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	wsHandler := websocket.NewHandler(a.registry, tokens, messageRouter, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger)

	// STEP 7: HTTP surface with the gateway mounted at /ws
	a.apiServer = api.NewServer(api.Deps{
		Rooms:          roomService,
		Store:          store,
		Registry:       a.registry,
		Resolver:       tokens,
		Notifier:       a.hub,
		WebSocket:      http.HandlerFunc(wsHandler.HandleWebSocket),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	})

	a.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      a.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return a, nil
}

// Run starts background components without binding a listener
func (a *Application) Run(ctx context.Context) error {
	if cfg := a.config.Auth; cfg.JWTSecret == config.DevJWTSecret {
		a.logger.Warn().Msg("using the development JWT secret; set LEGALCHAT_AUTH_JWT_SECRET in production")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.redis != nil {
		pingCtx, pingCancel := context.WithTimeout(runCtx, 2*time.Second)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			// limiter fails open and the hub delivers locally until redis returns
			a.logger.Warn().Err(err).Str("address", a.config.Redis.Address).Msg("redis unreachable at startup")
		}
		pingCancel()
	}

	if err := a.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start notification hub: %w", err)
	}

	if a.cleaner != nil {
		go a.cleaner.Run(runCtx, a.config.Chat.RateWindow)
	}
	return nil
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Hub starts first to handle notifications, then HTTP server accepts connections
func (a *Application) Start(ctx context.Context) error {
	if err := a.Run(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		a.cancel()
		_ = a.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	a.logger.Info().Str("addr", listener.Addr().String()).Msg("legalchat started")
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Gateway → Hub → Publisher → Store
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info().Msg("shutting down legalchat")

	// STEP 1: Stop accepting new connections
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}

	// STEP 2: Hijacked websocket connections are not covered by Shutdown
	a.registry.CloseAll()

	// STEP 3: Stop notification processing and background loops
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.logger.Warn().Err(err).Msg("notification hub shutdown error")
	}
	if a.cancel != nil {
		a.cancel()
	}

	a.closeResources()

	a.logger.Info().Msg("legalchat shutdown complete")
	return nil
}

// closeResources flushes the publisher and closes redis and the store
func (a *Application) closeResources() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("message publisher close error")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close error")
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("database shutdown error")
	}
}

// Handler is the root HTTP handler, for embedding in test servers
func (a *Application) Handler() http.Handler {
	return a.apiServer
}

// GetAddr returns the server address for external connections
func (a *Application) GetAddr() string {
	return a.httpServer.Addr
}
