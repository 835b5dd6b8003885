package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kmaus/dispatchq/internal/api/middleware"
	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/events"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/metrics"
	"github.com/kmaus/dispatchq/internal/queue"
	"github.com/kmaus/dispatchq/internal/task"
)

// QueueStore is the slice of the queue manager the API needs.
type QueueStore interface {
	GetTask(ctx context.Context, taskID string) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task, ttl time.Duration) error
	ReadyLen(ctx context.Context) (int64, error)
	EnqueueReady(ctx context.Context, t *task.Task) error
	EnqueuePending(ctx context.Context, t *task.Task) error
	UpdatePosition(ctx context.Context, taskID string) (int, error)
	ScanTasks(ctx context.Context, visit func(*task.Task)) error
}

// Availability exposes the reconciler's published snapshot.
type Availability interface {
	Snapshot() map[string]int
	HandlerConfigs() map[string]config.HandlerConfig
}

// TaskHandler serves the task-facing endpoints.
type TaskHandler struct {
	store        QueueStore
	availability Availability
	bus          events.Publisher
	pollInterval time.Duration
}

func NewTaskHandler(store QueueStore, availability Availability, bus events.Publisher) *TaskHandler {
	return &TaskHandler{
		store:        store,
		availability: availability,
		bus:          bus,
		pollInterval: time.Second,
	}
}

// EnqueueRequest is the POST /enqueue body.
type EnqueueRequest struct {
	Prompt    string `json:"prompt"`
	HandlerID string `json:"handler_id"`
	IsFirst   bool   `json:"is_first"`
}

// EnqueueResponse returns the ids a client needs to follow its task.
type EnqueueResponse struct {
	TaskID      string `json:"task_id"`
	ShortTaskID string `json:"short_task_id"`
}

// Enqueue handles POST /api/v1/enqueue. Placement: the ready queue when
// the handler is currently advertised, the pending queue otherwise.
func (h *TaskHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.HandlerID == "" || req.HandlerID == "default" {
		respondError(w, http.StatusMethodNotAllowed, "invalid handler_id")
		return
	}

	t := task.New(req.Prompt, req.HandlerID, userID, req.IsFirst)

	available := h.availability.Snapshot()
	if _, ok := available[req.HandlerID]; ok {
		// The length read and the push are separate commands, so
		// start_position is advisory under concurrent enqueue.
		length, err := h.store.ReadyLen(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to enqueue task")
			return
		}
		t.StartPosition = int(length) + 1
		t.Status = task.StatusQueued
		if err := h.store.EnqueueReady(r.Context(), t); err != nil {
			logger.WithTask(t.TaskID).Error().Err(err).Msg("failed to enqueue task")
			respondError(w, http.StatusInternalServerError, "failed to enqueue task")
			return
		}
		metrics.RecordEnqueue(req.HandlerID, "ready")
		h.announce(r.Context(), events.EventTaskQueued, t)
	} else {
		t.StartPosition = -1
		t.Status = task.StatusPending
		if err := h.store.EnqueuePending(r.Context(), t); err != nil {
			logger.WithTask(t.TaskID).Error().Err(err).Msg("failed to enqueue pending task")
			respondError(w, http.StatusInternalServerError, "failed to enqueue task")
			return
		}
		metrics.RecordEnqueue(req.HandlerID, "pending")
		h.announce(r.Context(), events.EventTaskPending, t)
	}

	logger.WithTask(t.TaskID).Info().
		Str("handler_id", t.HandlerID).
		Str("status", string(t.Status)).
		Msg("task enqueued")

	respondJSON(w, http.StatusOK, EnqueueResponse{
		TaskID:      t.TaskID,
		ShortTaskID: t.ShortTaskID,
	})
}

// Subscribe handles GET /api/v1/subscribe/{task_id}: an SSE stream
// emitting the full record whenever status or position changes,
// closing once the task is terminal or its record expired.
func (h *TaskHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	flusher, ok := sseHeaders(w)
	if !ok {
		return
	}

	metrics.SSESubscriptions.Inc()
	defer metrics.SSESubscriptions.Dec()

	ctx := r.Context()
	lastStatus := task.Status("")
	lastPosition := -1

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := h.store.UpdatePosition(ctx, taskID); err != nil && err != task.ErrTaskNotFound {
			logger.WithTask(taskID).Warn().Err(err).Msg("failed to update position")
		}

		t, err := h.store.GetTask(ctx, taskID)
		if err != nil {
			return // record expired or never existed: end with no frame
		}

		if t.Status != lastStatus || t.CurrentPosition != lastPosition {
			if err := sseEmit(w, flusher, t); err != nil {
				return
			}
			lastStatus = t.Status
			lastPosition = t.CurrentPosition
		}

		if t.Status.Terminal() {
			t.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
			if err := h.store.SaveTask(ctx, t, queue.TerminalTTL); err != nil {
				logger.WithTask(taskID).Error().Err(err).Msg("failed to stamp finished task")
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// FeedbackRequest is the POST /feedback/{task_id} body.
type FeedbackRequest struct {
	Feedback task.FeedbackType `json:"feedback"`
}

// TaskFeedback handles POST /api/v1/feedback/{task_id}; only the task
// owner may rate the answer.
func (h *TaskHandler) TaskFeedback(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	taskID := chi.URLParam(r, "taskID")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Feedback.Valid() {
		respondError(w, http.StatusBadRequest, "invalid feedback")
		return
	}

	t, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if t.UserID != userID {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	t.Feedback = task.Feedback{Feedback: req.Feedback}
	if err := h.store.SaveTask(r.Context(), t, queue.LiveTTL); err != nil {
		logger.WithTask(taskID).Error().Err(err).Msg("failed to save feedback")
		respondError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListTasks handles GET /api/v1/tasks: every live record owned by the
// caller, oldest first.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	h.listTasks(w, r, false)
}

// ListFirstTasks handles GET /api/v1/first-tasks: conversation roots
// only.
func (h *TaskHandler) ListFirstTasks(w http.ResponseWriter, r *http.Request) {
	h.listTasks(w, r, true)
}

func (h *TaskHandler) listTasks(w http.ResponseWriter, r *http.Request, firstOnly bool) {
	userID := middleware.UserID(r.Context())

	var tasks []*task.Task
	err := h.store.ScanTasks(r.Context(), func(t *task.Task) {
		if t.UserID != userID {
			return
		}
		if firstOnly && !t.IsFirst {
			return
		}
		tasks = append(tasks, t)
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to scan tasks")
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].QueuedAt < tasks[j].QueuedAt
	})

	// The frontend expects an array of JSON-encoded records.
	encoded := make([]string, 0, len(tasks))
	for _, t := range tasks {
		data, err := t.Marshal()
		if err != nil {
			continue
		}
		encoded = append(encoded, string(data))
	}
	respondJSON(w, http.StatusOK, encoded)
}

func (h *TaskHandler) announce(ctx context.Context, eventType events.EventType, t *task.Task) {
	if h.bus == nil {
		return
	}
	event := events.NewEvent(eventType, events.TaskEventData(t.TaskID, t.HandlerID, map[string]interface{}{
		"status": string(t.Status),
	}))
	if err := h.bus.Publish(ctx, event); err != nil {
		logger.WithTask(t.TaskID).Warn().Err(err).Msg("failed to publish task event")
	}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
