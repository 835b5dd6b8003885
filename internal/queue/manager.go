// Package queue implements the multi-queue placement protocol over the
// shared store: a global ready list plus per-handler shards, mirrored
// pending lists for tasks whose handler is absent, a processing list
// for claimed tasks, and a dead-letter list for terminal failures.
//
// Every multi-key mutation is issued as a single pipeline so a crashed
// client leaves at most one partially-applied primitive, and the task
// record write travels inside the same pipeline as the list moves.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmaus/dispatchq/internal/task"
)

const (
	keyTaskPrefix  = "task:"
	keyReady       = "task_queue"
	keyPending     = "pending_task_queue"
	keyProcessing  = "processing_queue"
	keyDeadLetters = "dead_letters"

	// LiveTTL bounds how long an untouched live record survives;
	// TerminalTTL keeps finished tasks visible for a day.
	LiveTTL     = time.Hour
	TerminalTTL = 24 * time.Hour
)

func taskKey(id string) string {
	return keyTaskPrefix + id
}

// ReadyShard names the per-handler ready list.
func ReadyShard(handlerID string) string {
	return keyReady + ":" + handlerID
}

// PendingShard names the per-handler pending list.
func PendingShard(handlerID string) string {
	return keyPending + ":" + handlerID
}

// Manager owns all list keys and exposes pipelined primitives.
type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// Client exposes the underlying store client for collaborators that
// share the connection (registry, events, janitor).
func (m *Manager) Client() *redis.Client {
	return m.client
}

// GetTask loads and validates a stored record.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	data, err := m.client.Get(ctx, taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return task.Unmarshal(data)
}

// SaveTask persists the record with the given TTL, outside any list
// move. Single-key writes (feedback, position refresh) go through here.
func (m *Manager) SaveTask(ctx context.Context, t *task.Task, ttl time.Duration) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	return m.client.SetEx(ctx, taskKey(t.TaskID), data, ttl).Err()
}

// ReadyLen observes the global ready queue length for start_position.
// The observation is advisory: a concurrent enqueue can land between
// this read and the push.
func (m *Manager) ReadyLen(ctx context.Context) (int64, error) {
	return m.client.LLen(ctx, keyReady).Result()
}

// EnqueueReady places a new task into the global ready queue and its
// handler shard.
func (m *Manager) EnqueueReady(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.SetEx(ctx, taskKey(t.TaskID), data, LiveTTL)
	pipe.LPush(ctx, keyReady, t.TaskID)
	pipe.LPush(ctx, ReadyShard(t.HandlerID), t.TaskID)
	_, err = pipe.Exec(ctx)
	return err
}

// EnqueuePending places a new task into the pending lists; its handler
// is not currently advertised by any worker.
func (m *Manager) EnqueuePending(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.SetEx(ctx, taskKey(t.TaskID), data, LiveTTL)
	pipe.LPush(ctx, keyPending, t.TaskID)
	pipe.LPush(ctx, PendingShard(t.HandlerID), t.TaskID)
	_, err = pipe.Exec(ctx)
	return err
}

// Claim blocks on the ready shards of the subscribed handlers and, on a
// hit, moves the popped task into the processing queue. Returns an
// empty id when the timeout elapses with nothing to do.
func (m *Manager) Claim(ctx context.Context, handlerIDs []string, timeout time.Duration) (string, error) {
	shards := make([]string, len(handlerIDs))
	for i, h := range handlerIDs {
		shards[i] = ReadyShard(h)
	}

	res, err := m.client.BRPop(ctx, timeout, shards...).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop ready shards: %w", err)
	}
	taskID := res[1]

	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, keyReady, 0, taskID)
	pipe.LPush(ctx, keyProcessing, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	return taskID, nil
}

// Complete persists the terminal record and releases the processing
// slot.
func (m *Manager) Complete(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.SetEx(ctx, taskKey(t.TaskID), data, TerminalTTL)
	pipe.LRem(ctx, keyProcessing, 1, t.TaskID)
	_, err = pipe.Exec(ctx)
	return err
}

// Retry re-enqueues a failed attempt at the head of the global ready
// queue (right end) and at the tail of its handler shard (left end), so
// the shard serves the tasks already waiting in it first.
func (m *Manager) Retry(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, t.TaskID)
	pipe.RPush(ctx, keyReady, t.TaskID)
	pipe.LPush(ctx, ReadyShard(t.HandlerID), t.TaskID)
	pipe.SetEx(ctx, taskKey(t.TaskID), data, TerminalTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// FailTerminal moves an exhausted task to the dead letters.
func (m *Manager) FailTerminal(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, t.TaskID)
	pipe.RPush(ctx, keyDeadLetters, t.TaskID)
	pipe.SetEx(ctx, taskKey(t.TaskID), data, TerminalTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PopReadyShardToPending atomically moves one task id from a handler's
// ready shard into its pending shard. The id lands in the destination
// before it disappears from the source, so an interrupted migration
// never loses the task. Empty id means the shard drained.
func (m *Manager) PopReadyShardToPending(ctx context.Context, handlerID string, timeout time.Duration) (string, error) {
	id, err := m.client.BRPopLPush(ctx, ReadyShard(handlerID), PendingShard(handlerID), timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to drain ready shard %s: %w", handlerID, err)
	}
	return id, nil
}

// FinishPendingMove updates the global lists and the record after
// PopReadyShardToPending already moved the shard entry.
func (m *Manager) FinishPendingMove(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, keyReady, 0, t.TaskID)
	pipe.LPush(ctx, keyPending, t.TaskID)
	pipe.SetEx(ctx, taskKey(t.TaskID), data, LiveTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// ProcessingTasks lists the ids currently claimed by workers.
func (m *Manager) ProcessingTasks(ctx context.Context) ([]string, error) {
	return m.client.LRange(ctx, keyProcessing, 0, -1).Result()
}

// MoveProcessingToPending re-routes an orphaned processing task whose
// handler vanished before any worker resolved it.
func (m *Manager) MoveProcessingToPending(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 0, t.TaskID)
	pipe.LPush(ctx, keyPending, t.TaskID)
	pipe.LPush(ctx, PendingShard(t.HandlerID), t.TaskID)
	pipe.SetEx(ctx, taskKey(t.TaskID), data, LiveTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PendingTasks lists the ids waiting for a handler to appear.
func (m *Manager) PendingTasks(ctx context.Context) ([]string, error) {
	return m.client.LRange(ctx, keyPending, 0, -1).Result()
}

// MoveFromPending promotes a pending task back into the ready lists
// once its handler reappeared.
func (m *Manager) MoveFromPending(ctx context.Context, t *task.Task) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", t.TaskID, err)
	}
	pipe := m.client.TxPipeline()
	pipe.LRem(ctx, keyPending, 0, t.TaskID)
	pipe.LRem(ctx, PendingShard(t.HandlerID), 0, t.TaskID)
	pipe.LPush(ctx, keyReady, t.TaskID)
	pipe.LPush(ctx, ReadyShard(t.HandlerID), t.TaskID)
	pipe.SetEx(ctx, taskKey(t.TaskID), data, LiveTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// UpdatePosition recomputes the task's 1-based position in the global
// ready queue (the head is on the right), writes it onto the record and
// refreshes the TTL. Absence maps to -1 when the task sits in pending,
// 0 otherwise. Returns the observed position.
func (m *Manager) UpdatePosition(ctx context.Context, taskID string) (int, error) {
	ready, err := m.client.LRange(ctx, keyReady, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan ready queue: %w", err)
	}

	pos := 0
	for i := len(ready) - 1; i >= 0; i-- {
		if ready[i] == taskID {
			pos = len(ready) - i
			break
		}
	}
	if pos == 0 {
		pending, err := m.client.LRange(ctx, keyPending, 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan pending queue: %w", err)
		}
		for _, id := range pending {
			if id == taskID {
				pos = -1
				break
			}
		}
	}

	t, err := m.GetTask(ctx, taskID)
	if err != nil {
		return pos, err
	}
	t.CurrentPosition = pos
	if err := m.SaveTask(ctx, t, LiveTTL); err != nil {
		return pos, err
	}
	return pos, nil
}

// DeadLetterLen reports the dead-letter backlog.
func (m *Manager) DeadLetterLen(ctx context.Context) (int64, error) {
	return m.client.LLen(ctx, keyDeadLetters).Result()
}

// DeadLetters lists the dead-letter ids for inspection.
func (m *Manager) DeadLetters(ctx context.Context) ([]string, error) {
	return m.client.LRange(ctx, keyDeadLetters, 0, -1).Result()
}

// DropDeadLetters deletes the listed records and the list itself.
func (m *Manager) DropDeadLetters(ctx context.Context, taskIDs []string) error {
	pipe := m.client.TxPipeline()
	for _, id := range taskIDs {
		pipe.Del(ctx, taskKey(id))
	}
	pipe.Del(ctx, keyDeadLetters)
	_, err := pipe.Exec(ctx)
	return err
}

// ScanTasks walks every stored task record, skipping ones that fail to
// load or validate. Used by the list endpoints and the cold store.
func (m *Manager) ScanTasks(ctx context.Context, visit func(*task.Task)) error {
	var cursor uint64
	for {
		keys, next, err := m.client.Scan(ctx, cursor, keyTaskPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan task keys: %w", err)
		}
		for _, key := range keys {
			data, err := m.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			t, err := task.Unmarshal(data)
			if err != nil {
				continue
			}
			visit(t)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
