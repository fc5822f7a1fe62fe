package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"codesync/internal/api"
	"codesync/internal/config"
	"codesync/internal/events"
	"codesync/internal/janitor"
	"codesync/internal/models"
	"codesync/internal/routers"
	"codesync/internal/services"
	"codesync/internal/session"
	"codesync/internal/utils"
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := utils.NewLoggerWithLevel(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps := session.Deps{}
	var publisher *events.Publisher
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}

		publisher = events.NewPublisher(rdb, cfg.Redis.EventsChannel)
		deps.Snapshots = session.NewRedisStore(rdb, cfg.Redis.SnapshotTTL)
		deps.Events = publisher
		logger.Info("redis snapshot store enabled", "addr", cfg.Redis.Addr, "channel", publisher.Channel())
	}

	lifecycle := session.NewLifecycle(deps, session.Options{
		SyncMode:    session.SyncMode(cfg.Sync.Mode),
		SyncTimeout: cfg.Sync.Timeout,
	}, logger)
	instanceID := lifecycle.Options().InstanceID

	if publisher != nil {
		go followRoomEvents(ctx, publisher, instanceID, logger)
	}

	sweeper := janitor.New(lifecycle, logger,
		janitor.WithSchedule(cfg.Janitor.Schedule),
		janitor.WithIdleTimeout(cfg.Janitor.IdleTimeout),
	)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	handlers := api.NewHandlersWithDeps(
		logger,
		lifecycle,
		utils.NewRoomTokenValidator(cfg.Auth.JWTSecret),
		services.NewUpstream("compile", cfg.Upstream.CompileURL, cfg.Upstream.Timeout),
		services.NewUpstream("chat", cfg.Upstream.ChatURL, cfg.Upstream.Timeout),
		originChecker(cfg.Server.AllowedOrigins),
	)

	router := routers.New(logger, handlers, routers.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		n := lifecycle.CloseAll()
		logger.Info("closing collaboration sockets", "count", n)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(srv) }()
	logger.Info("codesync listening", "addr", srv.Addr, "instanceId", instanceID, "syncMode", cfg.Sync.Mode)

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("codesync shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// followRoomEvents logs rooms opened and closed by other instances.
func followRoomEvents(ctx context.Context, publisher *events.Publisher, instanceID string, logger *utils.Logger) {
	err := publisher.Subscribe(ctx, func(e models.RoomEvent) {
		if e.InstanceID == instanceID {
			return
		}
		logger.Info("room event from another instance", "type", e.Type, "roomId", e.RoomID, "instanceId", e.InstanceID)
	}, func(err error) {
		logger.Warn("ignoring room event", "error", err)
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("room event subscription ended", "error", err)
	}
}

// originChecker returns nil (accept any origin) when "*" is allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func defaultExit(err error) {
	utils.NewLogger().Error("codesync exited", "error", err)
	exit(1)
}
