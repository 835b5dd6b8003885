package worker

import (
	"context"
	"sort"
	"time"

	"github.com/kmaus/dispatchq/internal/events"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/metrics"
	"github.com/kmaus/dispatchq/internal/queue"
	"github.com/kmaus/dispatchq/internal/task"
)

// Store is the slice of the queue manager the dispatcher drives.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task, ttl time.Duration) error
	Claim(ctx context.Context, handlerIDs []string, timeout time.Duration) (string, error)
	Complete(ctx context.Context, t *task.Task) error
	Retry(ctx context.Context, t *task.Task) error
	FailTerminal(ctx context.Context, t *task.Task) error
}

// Dispatcher is the worker-side loop: block-pop the ready shards of the
// verified handlers, claim, execute, resolve. One task at a time per
// worker; concurrency comes from running more workers.
type Dispatcher struct {
	manager      Store
	bus          events.Publisher
	handlers     map[string]HandlerFunc
	handlerIDs   []string
	workerID     string
	maxRetries   int
	claimTimeout time.Duration
}

func NewDispatcher(manager Store, bus events.Publisher, handlers map[string]HandlerFunc, workerID string, maxRetries int, claimTimeout time.Duration) *Dispatcher {
	ids := make([]string, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Dispatcher{
		manager:      manager,
		bus:          bus,
		handlers:     handlers,
		handlerIDs:   ids,
		workerID:     workerID,
		maxRetries:   maxRetries,
		claimTimeout: claimTimeout,
	}
}

// Run processes tasks until the context is cancelled. The current
// handler call is never interrupted; cancellation takes effect between
// iterations.
func (d *Dispatcher) Run(ctx context.Context) {
	log := logger.WithWorker(d.workerID)
	log.Info().Strs("handler_ids", d.handlerIDs).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dispatcher stopped")
			return
		default:
		}

		taskID, err := d.manager.Claim(ctx, d.handlerIDs, d.claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("dispatcher stopped")
				return
			}
			log.Error().Err(err).Msg("claim failed")
			time.Sleep(time.Second)
			continue
		}
		if taskID == "" {
			continue
		}

		log.Info().Str("task_id", taskID).Msg("received task")
		d.process(ctx, taskID)
	}
}

func (d *Dispatcher) process(ctx context.Context, taskID string) {
	log := logger.WithTask(taskID)

	t, err := d.manager.GetTask(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Msg("task startup error")
		d.resolveFailure(ctx, taskID, err)
		return
	}

	handler, ok := d.handlers[t.HandlerID]
	if !ok {
		log.Error().Str("handler_id", t.HandlerID).Msg("unsupported task type")
		d.resolveFailure(ctx, taskID, ErrHandlerNotFound)
		return
	}

	t.Status = task.StatusRunning
	if err := d.manager.SaveTask(ctx, t, queue.LiveTTL); err != nil {
		log.Error().Err(err).Msg("failed to persist running status")
	}
	d.announce(ctx, events.EventTaskRunning, t)

	log.Debug().Str("prompt", t.Prompt).Msg("processing prompt")
	start := time.Now()
	answer, err := Invoke(handler, t)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.RecordCompletion(t.HandlerID, "error", elapsed)
		d.resolveFailure(ctx, taskID, err)
		return
	}

	t.Status = task.StatusCompleted
	t.Result = answer
	t.WorkerProcessingTime = elapsed
	if err := d.manager.Complete(ctx, t); err != nil {
		log.Error().Err(err).Msg("failed to persist completed task")
		return
	}

	metrics.RecordCompletion(t.HandlerID, "completed", elapsed)
	d.announce(ctx, events.EventTaskCompleted, t)
	log.Info().Float64("seconds", elapsed).Msg("task completed")
}

// resolveFailure reloads the stored record before mutating the retry
// counter: the store copy, not the in-memory one, is the authority on
// attempts consumed.
func (d *Dispatcher) resolveFailure(ctx context.Context, taskID string, cause error) {
	log := logger.WithTask(taskID)

	t, err := d.manager.GetTask(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Msg("task not found while handling failure")
		return
	}

	t.Retries++
	errMsg := cause.Error()

	if t.Retries >= d.maxRetries {
		t.Status = task.StatusFailed
		t.Error = task.Answer{Text: errMsg}
		if err := d.manager.FailTerminal(ctx, t); err != nil {
			log.Error().Err(err).Msg("failed to move task to dead letters")
			return
		}
		metrics.TasksCompleted.WithLabelValues(t.HandlerID, "failed").Inc()
		d.announce(ctx, events.EventTaskFailed, t)
		log.Error().Str("error", errMsg).Msg("task moved to dead letters")
		return
	}

	t.Status = task.StatusQueued
	if err := d.manager.Retry(ctx, t); err != nil {
		log.Error().Err(err).Msg("failed to re-enqueue task")
		return
	}
	metrics.RecordRetry(t.HandlerID)
	d.announce(ctx, events.EventTaskRetrying, t)
	log.Warn().
		Int("attempt", t.Retries).
		Str("error", errMsg).
		Msg("task re-enqueued for retry")
}

func (d *Dispatcher) announce(ctx context.Context, eventType events.EventType, t *task.Task) {
	if d.bus == nil {
		return
	}
	event := events.NewEvent(eventType, events.TaskEventData(t.TaskID, t.HandlerID, map[string]interface{}{
		"status":  string(t.Status),
		"retries": t.Retries,
	}))
	if err := d.bus.Publish(ctx, event); err != nil {
		logger.WithTask(t.TaskID).Warn().Err(err).Msg("failed to publish task event")
	}
}
