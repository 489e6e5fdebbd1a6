// Package main runs the chat server: the websocket endpoint, the chat core,
// and the gRPC health endpoint, backed by PostgreSQL or an in-memory store.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/auth"
	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chatserver"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/frontend/websocket"
	"github.com/cory-johannsen/parley/internal/observability"
	"github.com/cory-johannsen/parley/internal/seed"
	"github.com/cory-johannsen/parley/internal/server"
	"github.com/cory-johannsen/parley/internal/session"
	"github.com/cory-johannsen/parley/internal/storage/memory"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	seedPath := flag.String("seed", "", "YAML fixture to load at startup (memory store only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "chatserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting parley chat server",
		zap.String("store", cfg.Server.Store),
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
		zap.String("health_addr", cfg.Health.Addr()),
	)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	health := observability.NewHealthServer(cfg.Health, logger)

	var store chat.Store
	switch cfg.Server.Store {
	case config.StorePostgres:
		if *seedPath != "" {
			logger.Fatal("-seed applies to the memory store; use cmd/seed for postgres")
		}
		store = openPostgres(ctx, cfg, logger, lifecycle, health)
	case config.StoreMemory:
		store = openMemory(ctx, cfg, logger, *seedPath)
	}

	tokens := auth.New(cfg.Auth)
	registry := session.NewRegistry(tokens, cfg.WebSocket.SendBuffer, logger)
	presence := session.NewPresence(registry, logger)
	svc := chatserver.NewService(store, tokens, registry, presence, chatserver.ServiceConfig{
		DefaultChannels: cfg.Chat.DefaultChannels,
		ResolveAttempts: cfg.Chat.DMResolveAttempts,
	}, logger)
	if err := svc.Start(ctx); err != nil {
		logger.Fatal("starting chat service", zap.Error(err))
	}

	acceptor := websocket.NewAcceptor(cfg.WebSocket, svc, logger)
	health.AddCheck("parley.websocket", func(context.Context) error {
		if !acceptor.IsRunning() {
			return errors.New("websocket acceptor is not accepting connections")
		}
		return nil
	})

	lifecycle.Add("health", &server.FuncService{
		StartFn: health.ListenAndServe,
		StopFn:  health.Stop,
	})
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	logger.Info("chat server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func openPostgres(ctx context.Context, cfg config.Config, logger *zap.Logger, lifecycle *server.Lifecycle, health *observability.HealthServer) chat.Store {
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	lifecycle.OnShutdown("postgres", pool.Close)
	health.AddCheck("parley.postgres", func(ctx context.Context) error {
		return pool.Health(ctx, 5*time.Second)
	})
	return postgres.NewStore(pool.DB())
}

func openMemory(ctx context.Context, cfg config.Config, logger *zap.Logger, seedPath string) chat.Store {
	store := memory.New()
	logger.Warn("using in-memory store; all data is lost on exit")
	if seedPath == "" {
		return store
	}

	fixture, err := seed.Load(seedPath)
	if err != nil {
		logger.Fatal("loading seed fixture", zap.Error(err))
	}
	create := func(_ context.Context, username, displayName string) (chat.User, error) {
		return store.CreateUser(username, displayName)
	}
	if _, err := seed.NewApplier(store, create, cfg.Chat.DefaultChannels, logger).Apply(ctx, fixture); err != nil {
		logger.Fatal("applying seed fixture", zap.Error(err))
	}
	return store
}
