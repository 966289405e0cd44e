package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nostr-timeline/internal/cache"
	"nostr-timeline/internal/config"
)

func main() {
	InitLogger()

	cfg, err := LoadAppConfig()
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}

	// Cache backend: Redis when configured, in-memory otherwise
	var backend cache.Backend
	if cfg.RedisURL != "" {
		redis, err := cache.NewRedis(cfg.RedisURL, "nostr")
		if err != nil {
			slog.Error("redis connection failed", "err", err)
			os.Exit(1)
		}
		backend = redis
		cacheBackendType = "redis"
		slog.Info("cache backend: redis")
	} else {
		backend = cache.NewMemory(cfg.MaxCachedEvents, 2*time.Minute)
		cacheBackendType = "memory"
		slog.Info("cache backend: memory")
	}
	defer backend.Close()

	seenOn := NewSeenOnIndex()
	pool := NewRelayPool(seenOn)
	defer pool.Close()

	store := NewEventStore(pool, config.GetDefaultRelays, cfg.MaxCachedEvents, cfg.BatchWindow, cfg.BatchMaxKeys, cfg.FetchTimeout)
	timelines := NewTimelineService(pool, store, cfg.DefaultLimit, cfg.FetchTimeout)
	profiles := NewProfileService(pool, backend, cache.DefaultConfig(), config.GetProfileRelays, cfg.BatchWindow, cfg.BatchMaxKeys, cfg.ProfileTimeout)

	var signer Signer
	if cfg.AuthSecretKey != "" {
		local, err := NewLocalSigner(cfg.AuthSecretKey)
		if err != nil {
			slog.Error("invalid AUTH_SECRET_KEY", "err", err)
			os.Exit(1)
		}
		signer = local
		slog.Info("auth signer configured")
	}
	auth := NewAuthChallengeHandler(pool, signer, cfg.AuthMaxRetries)

	services := &Services{
		Pool:      pool,
		SeenOn:    seenOn,
		Store:     store,
		Timelines: timelines,
		Profiles:  profiles,
		Auth:      auth,
		cfg:       cfg,
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           RequestLoggingMiddleware(services.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// SIGHUP reloads the relay-set configuration without a restart
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := config.ReloadRelaysConfig(); err != nil {
				slog.Warn("relays config reload failed", "err", err)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
	}
}
