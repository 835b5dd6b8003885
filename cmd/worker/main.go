package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/events"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/queue"
	"github.com/kmaus/dispatchq/internal/registry"
	"github.com/kmaus/dispatchq/internal/store"
	"github.com/kmaus/dispatchq/internal/worker"
	"github.com/kmaus/dispatchq/internal/worker/handlers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	log := logger.Get()
	log.Info().Msg("Starting worker...")

	client, err := store.Connect(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to store")
	}
	defer client.Close()

	verified := worker.VerifyHandlers(cfg.Worker.Handlers, handlers.Registry())
	if len(verified) == 0 {
		log.Fatal().Msg("No available task handlers")
	}

	handlerIDs := make([]string, 0, len(verified))
	for id := range verified {
		handlerIDs = append(handlerIDs, id)
	}
	sort.Strings(handlerIDs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registration, err := registry.Register(ctx, client, cfg.Worker.Handlers, handlerIDs,
		cfg.Worker.HeartbeatInterval, cfg.Worker.HeartbeatTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register worker")
	}
	registration.StartHeartbeat(ctx)

	bus := events.NewRedisPubSub(client)
	defer bus.Close()

	if err := bus.Publish(ctx, events.NewEvent(events.EventWorkerJoined,
		events.WorkerEventData(registration.WorkerID, handlerIDs))); err != nil {
		log.Warn().Err(err).Msg("Failed to publish worker.joined")
	}

	manager := queue.NewManager(client)
	dispatcher := worker.NewDispatcher(manager, bus, verified, registration.WorkerID,
		cfg.Worker.MaxRetries, cfg.Dispatch.ClaimTimeout)

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
	cancel()
	<-done

	// Cleanup uses a fresh context; the run context is already gone.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cleanupCancel()

	if err := bus.Publish(cleanupCtx, events.NewEvent(events.EventWorkerLeft,
		events.WorkerEventData(registration.WorkerID, handlerIDs))); err != nil {
		log.Warn().Err(err).Msg("Failed to publish worker.left")
	}
	registration.Deregister(cleanupCtx)

	log.Info().Msg("Worker stopped")
}
