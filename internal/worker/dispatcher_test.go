package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaus/dispatchq/internal/task"
)

// fakeStore keeps records in memory and remembers which resolution
// primitive ran.
type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]*task.Task
	completed  []string
	retried    []string
	terminal   []string
	claimQueue []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*task.Task)}
}

func (f *fakeStore) put(t *task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(t)
}

func (f *fakeStore) putLocked(t *task.Task) {
	copied := *t
	f.tasks[t.TaskID] = &copied
}

func (f *fakeStore) get(taskID string) *task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID]
}

func (f *fakeStore) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeStore) SaveTask(_ context.Context, t *task.Task, _ time.Duration) error {
	f.put(t)
	return nil
}

func (f *fakeStore) Claim(_ context.Context, _ []string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.claimQueue) == 0 {
		return "", nil
	}
	id := f.claimQueue[0]
	f.claimQueue = f.claimQueue[1:]
	return id, nil
}

func (f *fakeStore) Complete(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(t)
	f.completed = append(f.completed, t.TaskID)
	return nil
}

func (f *fakeStore) Retry(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(t)
	f.retried = append(f.retried, t.TaskID)
	return nil
}

func (f *fakeStore) FailTerminal(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(t)
	f.terminal = append(f.terminal, t.TaskID)
	return nil
}

func queuedTask(id string) *task.Task {
	t := task.New("hi", "echo:1", "user-1", true)
	t.TaskID = id
	t.Status = task.StatusQueued
	return t
}

func newTestDispatcher(store *fakeStore, handlers map[string]HandlerFunc, maxRetries int) *Dispatcher {
	return NewDispatcher(store, nil, handlers, "worker:test", maxRetries, time.Millisecond)
}

func TestDispatcher_ProcessSuccess(t *testing.T) {
	store := newFakeStore()
	store.put(queuedTask("t1"))

	d := newTestDispatcher(store, map[string]HandlerFunc{"echo:1": okHandler}, 3)
	d.process(context.Background(), "t1")

	require.Equal(t, []string{"t1"}, store.completed)
	stored := store.get("t1")
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Equal(t, "hi", stored.Result.Text)
	assert.GreaterOrEqual(t, stored.WorkerProcessingTime, 0.0)
	assert.Empty(t, store.retried)
	assert.Empty(t, store.terminal)
}

func TestDispatcher_ProcessFailureRetries(t *testing.T) {
	store := newFakeStore()
	store.put(queuedTask("t1"))

	d := newTestDispatcher(store, map[string]HandlerFunc{"echo:1": failingHandler}, 3)
	d.process(context.Background(), "t1")

	require.Equal(t, []string{"t1"}, store.retried)
	stored := store.get("t1")
	assert.Equal(t, 1, stored.Retries)
	assert.Equal(t, task.StatusQueued, stored.Status)
	assert.Empty(t, store.terminal)
}

func TestDispatcher_RetryExhaustion(t *testing.T) {
	store := newFakeStore()
	store.put(queuedTask("t1"))

	const maxRetries = 3
	d := newTestDispatcher(store, map[string]HandlerFunc{"echo:1": failingHandler}, maxRetries)

	for i := 0; i < maxRetries; i++ {
		d.process(context.Background(), "t1")
	}

	stored := store.get("t1")
	assert.Equal(t, maxRetries, stored.Retries)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Equal(t, "boom", stored.Error.Text)
	assert.Equal(t, []string{"t1"}, store.terminal)
	assert.Len(t, store.retried, maxRetries-1)
}

func TestDispatcher_UnsupportedHandlerCountsAsFailure(t *testing.T) {
	store := newFakeStore()
	tk := queuedTask("t1")
	tk.HandlerID = "other:1"
	store.put(tk)

	d := newTestDispatcher(store, map[string]HandlerFunc{"echo:1": okHandler}, 3)
	d.process(context.Background(), "t1")

	stored := store.get("t1")
	assert.Equal(t, 1, stored.Retries)
	assert.Equal(t, []string{"t1"}, store.retried)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store, map[string]HandlerFunc{"echo:1": okHandler}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}

func TestDispatcher_RunProcessesClaimedTask(t *testing.T) {
	store := newFakeStore()
	store.put(queuedTask("t1"))
	store.claimQueue = []string{"t1"}

	d := newTestDispatcher(store, map[string]HandlerFunc{"echo:1": okHandler}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		return store.completedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	stored := store.get("t1")
	assert.Equal(t, task.StatusCompleted, stored.Status)
}

func TestDispatcher_FailureOnMissingRecord(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store, map[string]HandlerFunc{"echo:1": okHandler}, 3)

	// Claimed id whose record expired: resolution is a no-op.
	d.process(context.Background(), "ghost")
	assert.Empty(t, store.completed)
	assert.Empty(t, store.retried)
	assert.Empty(t, store.terminal)
}

