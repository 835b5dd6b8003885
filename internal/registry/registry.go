// Package registry tracks the live worker fleet through heartbeat TTLs
// and reconciles queue placement against the advertised handler set.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/logger"
)

const (
	keyWorkers           = "workers"
	keyHandlersConfigs   = "handlers_configs"
	keyAvailableHandlers = "available_handlers"
)

// Registration is one worker's membership in the fleet. The worker key
// expires unless the heartbeat keeps extending it; readers filter the
// append-only workers list by TTL presence.
type Registration struct {
	client    *redis.Client
	WorkerID  string
	handlers  []string
	interval  time.Duration
	ttl       time.Duration
	heartbeat chan struct{}
	done      chan struct{}
	started   bool
}

// Register announces a worker and its verified handler ids. The
// handlers_configs map is merge-unioned so a worker never erases
// configs advertised by its peers.
func Register(ctx context.Context, client *redis.Client, local []config.HandlerConfig, verified []string, interval, ttl time.Duration) (*Registration, error) {
	workerID := fmt.Sprintf("worker:%d", time.Now().UnixNano())

	merged, err := mergeConfigs(ctx, client, local, verified)
	if err != nil {
		return nil, err
	}
	configsJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handler configs: %w", err)
	}
	handlersJSON, err := json.Marshal(verified)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handler ids: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.Set(ctx, keyHandlersConfigs, configsJSON, 0)
	pipe.SetEx(ctx, workerID, handlersJSON, ttl)
	pipe.LPush(ctx, keyWorkers, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	logger.WithWorker(workerID).Info().
		Strs("handler_ids", verified).
		Msg("worker registered")

	return &Registration{
		client:    client,
		WorkerID:  workerID,
		handlers:  verified,
		interval:  interval,
		ttl:       ttl,
		heartbeat: make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// mergeConfigs unions the stored configs with this worker's verified
// local set.
func mergeConfigs(ctx context.Context, client *redis.Client, local []config.HandlerConfig, verified []string) (map[string]config.HandlerConfig, error) {
	merged := make(map[string]config.HandlerConfig)

	raw, err := client.Get(ctx, keyHandlersConfigs).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read handler configs: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			logger.Warn().Err(err).Msg("discarding unreadable handlers_configs")
			merged = make(map[string]config.HandlerConfig)
		}
	}

	verifiedSet := make(map[string]bool, len(verified))
	for _, id := range verified {
		verifiedSet[id] = true
	}
	for _, h := range local {
		if verifiedSet[h.HandlerID()] {
			merged[h.HandlerID()] = h
		}
	}
	return merged, nil
}

// StartHeartbeat extends the worker key TTL until Deregister.
func (r *Registration) StartHeartbeat(ctx context.Context) {
	r.started = true
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.heartbeat:
				return
			case <-ticker.C:
				if err := r.client.Expire(ctx, r.WorkerID, r.ttl).Err(); err != nil {
					logger.WithWorker(r.WorkerID).Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()
}

// Deregister stops the heartbeat and deletes the worker key. Stale
// entries left in the workers list are tolerated by readers.
func (r *Registration) Deregister(ctx context.Context) {
	close(r.heartbeat)
	if r.started {
		<-r.done
	}

	if err := r.client.Del(ctx, r.WorkerID).Err(); err != nil {
		logger.WithWorker(r.WorkerID).Error().Err(err).Msg("failed to deregister worker")
		return
	}
	logger.WithWorker(r.WorkerID).Info().Msg("worker deregistered")
}

// HandlerIDs returns the advertised handler ids.
func (r *Registration) HandlerIDs() []string {
	return r.handlers
}
