package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaus/dispatchq/internal/api/middleware"
	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/task"
)

func init() {
	logger.Init("error", false)
}

// fakeStore implements QueueStore in memory.
type fakeStore struct {
	tasks      map[string]*task.Task
	readyLen   int64
	ready      []string
	pending    []string
	enqueueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*task.Task)}
}

func (f *fakeStore) put(t *task.Task) {
	copied := *t
	f.tasks[t.TaskID] = &copied
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (*task.Task, error) {
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

func (f *fakeStore) ReadyLen(context.Context) (int64, error) {
	return f.readyLen, nil
}

func (f *fakeStore) EnqueueReady(_ context.Context, t *task.Task) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.put(t)
	f.ready = append(f.ready, t.TaskID)
	return nil
}

func (f *fakeStore) EnqueuePending(_ context.Context, t *task.Task) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.put(t)
	f.pending = append(f.pending, t.TaskID)
	return nil
}

func (f *fakeStore) UpdatePosition(_ context.Context, taskID string) (int, error) {
	if _, ok := f.tasks[taskID]; !ok {
		return 0, task.ErrTaskNotFound
	}
	return f.tasks[taskID].CurrentPosition, nil
}

func (f *fakeStore) ScanTasks(_ context.Context, visit func(*task.Task)) error {
	for _, t := range f.tasks {
		copied := *t
		visit(&copied)
	}
	return nil
}

// fakeAvailability is a static snapshot.
type fakeAvailability struct {
	handlers map[string]int
	configs  map[string]config.HandlerConfig
}

func (f *fakeAvailability) Snapshot() map[string]int {
	return f.handlers
}

func (f *fakeAvailability) HandlerConfigs() map[string]config.HandlerConfig {
	return f.configs
}

func testRouter(h *TaskHandler, userID string) *chi.Mux {
	r := chi.NewRouter()
	if userID != "" {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(middleware.WithUser(req.Context(), userID)))
			})
		})
	}
	r.Post("/enqueue", h.Enqueue)
	r.Post("/feedback/{taskID}", h.TaskFeedback)
	r.Get("/tasks", h.ListTasks)
	r.Get("/first-tasks", h.ListFirstTasks)
	r.Get("/subscribe/{taskID}", h.Subscribe)
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestEnqueue_InvalidHandlerID(t *testing.T) {
	store := newFakeStore()
	h := NewTaskHandler(store, &fakeAvailability{}, nil)
	router := testRouter(h, "user-1")

	for _, handlerID := range []string{"", "default"} {
		w := postJSON(t, router, "/enqueue", EnqueueRequest{Prompt: "hi", HandlerID: handlerID})
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	}
	assert.Empty(t, store.tasks, "no record is created for rejected requests")
}

func TestEnqueue_ReadyPlacement(t *testing.T) {
	store := newFakeStore()
	store.readyLen = 4
	availability := &fakeAvailability{handlers: map[string]int{"echo:1": 2}}
	h := NewTaskHandler(store, availability, nil)
	router := testRouter(h, "user-1")

	w := postJSON(t, router, "/enqueue", EnqueueRequest{Prompt: "  hi  ", HandlerID: "echo:1", IsFirst: true})
	require.Equal(t, http.StatusOK, w.Code)

	var res EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.TaskID)
	assert.Len(t, res.ShortTaskID, 3)

	require.Len(t, store.ready, 1)
	assert.Empty(t, store.pending)

	stored := store.tasks[res.TaskID]
	assert.Equal(t, task.StatusQueued, stored.Status)
	assert.Equal(t, 5, stored.StartPosition, "observed length + 1")
	assert.Equal(t, "hi", stored.Prompt)
	assert.Equal(t, "user-1", stored.UserID)
	assert.True(t, stored.IsFirst)
}

func TestEnqueue_PendingPlacement(t *testing.T) {
	store := newFakeStore()
	h := NewTaskHandler(store, &fakeAvailability{handlers: map[string]int{}}, nil)
	router := testRouter(h, "user-1")

	w := postJSON(t, router, "/enqueue", EnqueueRequest{Prompt: "hi", HandlerID: "echo:1"})
	require.Equal(t, http.StatusOK, w.Code)

	var res EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	require.Len(t, store.pending, 1)
	assert.Empty(t, store.ready)

	stored := store.tasks[res.TaskID]
	assert.Equal(t, task.StatusPending, stored.Status)
	assert.Equal(t, -1, stored.StartPosition)
}

func TestTaskFeedback_Forbidden(t *testing.T) {
	store := newFakeStore()
	owned := task.New("hi", "echo:1", "user-a", true)
	store.put(owned)

	h := NewTaskHandler(store, &fakeAvailability{}, nil)
	router := testRouter(h, "user-b")

	w := postJSON(t, router, "/feedback/"+owned.TaskID, FeedbackRequest{Feedback: task.FeedbackLike})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, task.FeedbackNeutral, store.tasks[owned.TaskID].Feedback.Feedback,
		"feedback stays unchanged")
}

func TestTaskFeedback_Owner(t *testing.T) {
	store := newFakeStore()
	owned := task.New("hi", "echo:1", "user-a", true)
	store.put(owned)

	h := NewTaskHandler(store, &fakeAvailability{}, nil)
	router := testRouter(h, "user-a")

	w := postJSON(t, router, "/feedback/"+owned.TaskID, FeedbackRequest{Feedback: task.FeedbackLike})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.FeedbackLike, store.tasks[owned.TaskID].Feedback.Feedback)
}

func TestTaskFeedback_InvalidValue(t *testing.T) {
	store := newFakeStore()
	owned := task.New("hi", "echo:1", "user-a", true)
	store.put(owned)

	h := NewTaskHandler(store, &fakeAvailability{}, nil)
	router := testRouter(h, "user-a")

	w := postJSON(t, router, "/feedback/"+owned.TaskID, map[string]string{"feedback": "meh"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskFeedback_NotFound(t *testing.T) {
	h := NewTaskHandler(newFakeStore(), &fakeAvailability{}, nil)
	router := testRouter(h, "user-a")

	w := postJSON(t, router, "/feedback/ghost", FeedbackRequest{Feedback: task.FeedbackLike})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTasks(t *testing.T) {
	store := newFakeStore()

	older := task.New("first", "echo:1", "user-a", true)
	older.QueuedAt = "2026-01-01T10:00:00Z"
	newer := task.New("second", "echo:1", "user-a", false)
	newer.QueuedAt = "2026-01-02T10:00:00Z"
	foreign := task.New("other", "echo:1", "user-b", true)
	store.put(older)
	store.put(newer)
	store.put(foreign)

	h := NewTaskHandler(store, &fakeAvailability{}, nil)
	router := testRouter(h, "user-a")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var encoded []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &encoded))
	require.Len(t, encoded, 2, "foreign tasks are filtered out")

	first, err := task.Unmarshal([]byte(encoded[0]))
	require.NoError(t, err)
	assert.Equal(t, "first", first.Prompt, "oldest first")
}

func TestListFirstTasks(t *testing.T) {
	store := newFakeStore()
	root := task.New("root", "echo:1", "user-a", true)
	child := task.New("child", "echo:1", "user-a", false)
	store.put(root)
	store.put(child)

	h := NewTaskHandler(store, &fakeAvailability{}, nil)
	router := testRouter(h, "user-a")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/first-tasks", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var encoded []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &encoded))
	require.Len(t, encoded, 1)

	got, err := task.Unmarshal([]byte(encoded[0]))
	require.NoError(t, err)
	assert.Equal(t, "root", got.Prompt)
}

func TestSubscribe_TerminalTask(t *testing.T) {
	store := newFakeStore()
	finished := task.New("hi", "echo:1", "user-a", true)
	finished.Status = task.StatusCompleted
	finished.Result = task.Answer{Text: "hi"}
	store.put(finished)

	h := NewTaskHandler(store, &fakeAvailability{}, nil)
	h.pollInterval = time.Millisecond
	router := testRouter(h, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscribe/"+finished.TaskID, nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	require.True(t, strings.Contains(body, "data: "), "one frame is emitted")

	frame := strings.TrimPrefix(strings.Split(strings.TrimSpace(body), "\n")[0], "data: ")
	got, err := task.Unmarshal([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	assert.NotEmpty(t, store.tasks[finished.TaskID].FinishedAt, "finished_at is stamped")
}

func TestSubscribe_MissingTaskEndsSilently(t *testing.T) {
	h := NewTaskHandler(newFakeStore(), &fakeAvailability{}, nil)
	h.pollInterval = time.Millisecond
	router := testRouter(h, "")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscribe/ghost", nil))

	assert.NotContains(t, w.Body.String(), "data: ", "stream ends with no frame")
}

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	respondError(w, http.StatusBadRequest, "invalid input")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var res ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "Bad Request", res.Error)
	assert.Equal(t, "invalid input", res.Message)
}
