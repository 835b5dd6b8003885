package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/events"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/metrics"
	"github.com/kmaus/dispatchq/internal/queue"
	"github.com/kmaus/dispatchq/internal/task"
)

// Reconciler is the singleton loop that diffs the advertised handler
// set against the last published snapshot and rewrites queue membership
// on change. Each migration primitive is a convergent rewrite, so
// concurrent reconcilers from multiple API instances stay safe.
type Reconciler struct {
	manager      *queue.Manager
	client       *redis.Client
	bus          events.Publisher
	interval     time.Duration
	claimTimeout time.Duration

	snapshot atomic.Pointer[map[string]int]
	configs  atomic.Pointer[map[string]config.HandlerConfig]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewReconciler(manager *queue.Manager, bus events.Publisher, interval, claimTimeout time.Duration) *Reconciler {
	r := &Reconciler{
		manager:      manager,
		client:       manager.Client(),
		bus:          bus,
		interval:     interval,
		claimTimeout: claimTimeout,
		stopCh:       make(chan struct{}),
	}
	empty := map[string]int{}
	emptyConfigs := map[string]config.HandlerConfig{}
	r.snapshot.Store(&empty)
	r.configs.Store(&emptyConfigs)
	return r
}

// Snapshot returns the last published availability map. Callers must
// treat it as immutable.
func (r *Reconciler) Snapshot() map[string]int {
	return *r.snapshot.Load()
}

// HandlerConfigs returns the last refreshed config map. Immutable to
// callers.
func (r *Reconciler) HandlerConfigs() map[string]config.HandlerConfig {
	return *r.configs.Load()
}

func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)

	logger.Info().Dur("interval", r.interval).Msg("availability reconciler started")
}

// Stop halts the loop and withdraws the published snapshot so restarts
// begin from a clean diff.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, keyAvailableHandlers).Err(); err != nil {
		logger.Error().Err(err).Msg("failed to withdraw available_handlers")
	}
	logger.Info().Msg("availability reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First cycle runs immediately so enqueues see availability without
	// waiting a full interval.
	r.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	log := logger.WithComponent("reconciler")

	available, err := AggregateHandlers(ctx, r.client)
	if err != nil {
		log.Error().Err(err).Msg("failed to aggregate handlers")
		return
	}

	prev := r.Snapshot()
	added, removed := diffHandlers(prev, available)

	if len(added) > 0 || len(removed) > 0 {
		log.Info().
			Strs("added", added).
			Strs("removed", removed).
			Msg("handler availability changed")

		r.migrate(ctx, added, removed)
		r.refreshConfigs(ctx)
		r.announce(ctx, available, added, removed)
	}

	r.publish(ctx, available)

	workers := 0
	for _, count := range available {
		workers += count
	}
	metrics.SetAvailableHandlers(float64(len(available)))
	metrics.SetLiveWorkers(float64(workers))
	r.observeDepths(ctx)
}

func (r *Reconciler) observeDepths(ctx context.Context) {
	for _, key := range []string{"task_queue", "pending_task_queue", "processing_queue", "dead_letters"} {
		depth, err := r.client.LLen(ctx, key).Result()
		if err != nil {
			continue
		}
		metrics.SetQueueDepth(key, float64(depth))
	}
}

// publish makes the aggregate visible both in-process and in the store.
func (r *Reconciler) publish(ctx context.Context, available map[string]int) {
	r.snapshot.Store(&available)

	data, err := json.Marshal(available)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal available_handlers")
		return
	}
	if err := r.client.Set(ctx, keyAvailableHandlers, data, 0).Err(); err != nil {
		logger.Error().Err(err).Msg("failed to publish available_handlers")
	}
}

func (r *Reconciler) refreshConfigs(ctx context.Context) {
	raw, err := r.client.Get(ctx, keyHandlersConfigs).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to read handlers_configs")
		return
	}
	configs := make(map[string]config.HandlerConfig)
	if err := json.Unmarshal([]byte(raw), &configs); err != nil {
		logger.Warn().Err(err).Msg("unreadable handlers_configs")
		return
	}
	r.configs.Store(&configs)
}

func (r *Reconciler) announce(ctx context.Context, available map[string]int, added, removed []string) {
	if r.bus == nil {
		return
	}
	event := events.NewEvent(events.EventHandlersChanged, map[string]interface{}{
		"available_handlers": available,
		"added":              added,
		"removed":            removed,
	})
	if err := r.bus.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("failed to publish handlers.changed")
	}
}

// migrate runs the placement rewrite. Idempotent and safe to
// interrupt: every task id lands in its destination before leaving its
// source, and re-running with the same diff finds nothing left to move.
func (r *Reconciler) migrate(ctx context.Context, added, removed []string) {
	log := logger.WithComponent("reconciler")

	removedSet := memberSet(removed)
	for _, handlerID := range removed {
		moved := r.drainReadyShard(ctx, handlerID)
		if moved > 0 {
			metrics.RecordMigration("ready_to_pending", moved)
		}
	}

	// Orphaned processing entries: claimed tasks whose handler vanished
	// before any worker resolved them. Tasks still held by a live
	// worker are not preempted; a live worker's handlers are, by
	// definition, not in the removed set.
	moved := r.sweepProcessing(ctx, removedSet)
	if moved > 0 {
		metrics.RecordMigration("processing_to_pending", moved)
	}

	if len(added) > 0 {
		moved := r.recoverPending(ctx, memberSet(added))
		if moved > 0 {
			metrics.RecordMigration("pending_to_ready", moved)
		}
	}

	log.Info().Msg("queue migration finished")
}

func (r *Reconciler) drainReadyShard(ctx context.Context, handlerID string) int {
	log := logger.WithHandler(handlerID)
	moved := 0
	for {
		taskID, err := r.manager.PopReadyShardToPending(ctx, handlerID, r.claimTimeout)
		if err != nil {
			log.Error().Err(err).Msg("failed to drain ready shard")
			return moved
		}
		if taskID == "" {
			return moved
		}

		t, err := r.manager.GetTask(ctx, taskID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Msg("unable to load task")
			continue
		}
		t.Status = task.StatusPending
		t.CurrentPosition = -1
		if err := r.manager.FinishPendingMove(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to move task to pending")
			continue
		}
		moved++
		log.Info().Str("task_id", taskID).Msg("task is pending now")
	}
}

func (r *Reconciler) sweepProcessing(ctx context.Context, removed map[string]bool) int {
	log := logger.WithComponent("reconciler")

	processing, err := r.manager.ProcessingTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan processing queue")
		return 0
	}

	moved := 0
	for _, taskID := range processing {
		t, err := r.manager.GetTask(ctx, taskID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Msg("unable to load task")
			continue
		}
		if !removed[t.HandlerID] {
			continue
		}
		t.Status = task.StatusPending
		t.CurrentPosition = -1
		if err := r.manager.MoveProcessingToPending(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to move processing task")
			continue
		}
		moved++
		log.Info().
			Str("task_id", taskID).
			Str("handler_id", t.HandlerID).
			Msg("orphaned processing task is pending now")
	}
	return moved
}

func (r *Reconciler) recoverPending(ctx context.Context, added map[string]bool) int {
	log := logger.WithComponent("reconciler")

	pending, err := r.manager.PendingTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan pending queue")
		return 0
	}

	moved := 0
	for _, taskID := range pending {
		t, err := r.manager.GetTask(ctx, taskID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Msg("unable to load task")
			continue
		}
		if !added[t.HandlerID] {
			continue
		}
		t.Status = task.StatusQueued
		if err := r.manager.MoveFromPending(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to recover pending task")
			continue
		}
		moved++
		log.Info().
			Str("task_id", taskID).
			Str("handler_id", t.HandlerID).
			Msg("task recovered to ready queue")
	}
	return moved
}
