package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"order-relay/api"
	"order-relay/config"
	"order-relay/membership"
	"order-relay/relay"
	"order-relay/scheduler"
	"order-relay/storage"
	"order-relay/subscription"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	store, err := storage.New(cfg.StorageConnectionString, cfg.OrdersTable, cfg.ReservationsTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	members := membership.NewRegistry()
	rl := relay.New(members, store, logger)

	sched := scheduler.New(store, rl, logger, scheduler.Options{
		Interval: cfg.ProgressionInterval,
		Window:   cfg.ProgressionWindow,
	})
	sched.Start(ctx)

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(config.RedisOptions(cfg.RedisConnectionString))
		go subscription.SubscribeAnnouncements(ctx, logger, rc, cfg.AnnouncementsChannel, rl)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.AllowedOrigin},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	sockets := api.NewServer(rl, members, api.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		SendBuffer:    cfg.SendBuffer,
		AnnounceToken: cfg.AnnounceToken,
	}, logger)
	sockets.Register(e)

	go func() {
		log.WithField("addr", cfg.ListenAddr()).Info("socket server listening")
		if err := e.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}
	sockets.CloseConnections()
	if rc != nil {
		if err := rc.Close(); err != nil {
			log.Errorf("redis close: %v", err)
		}
	}
}
