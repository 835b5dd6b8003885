package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kmaus/dispatchq/internal/api"
	"github.com/kmaus/dispatchq/internal/coldstore"
	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/events"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/queue"
	"github.com/kmaus/dispatchq/internal/registry"
	"github.com/kmaus/dispatchq/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Msg("Starting API server...")

	client, err := store.Connect(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to store")
	}
	defer client.Close()

	manager := queue.NewManager(client)
	bus := events.NewRedisPubSub(client)
	defer bus.Close()

	reconciler := registry.NewReconciler(manager, bus, cfg.Dispatch.ReconcileInterval, cfg.Dispatch.ClaimTimeout)
	janitor := queue.NewJanitor(manager, cfg.Dispatch.JanitorInterval, cfg.Dispatch.JanitorThreshold)

	server := api.NewServer(cfg, client, manager, reconciler, bus)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.BackendPort),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout, // zero: SSE streams stay open
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler.Start(ctx)
	janitor.Start(ctx)
	server.Start(ctx)

	var replicator *coldstore.Replicator
	if cfg.ColdStore.Enabled {
		replicator, err = coldstore.New(ctx, &cfg.ColdStore, manager)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start cold store replicator")
		}
		replicator.Start(ctx)
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	reconciler.Stop()
	janitor.Stop()
	server.Stop()
	if replicator != nil {
		replicator.Stop()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Server stopped")
}
