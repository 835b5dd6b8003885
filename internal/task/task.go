package task

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending" // no live handler for the task's handler_id
	StatusQueued    Status = "queued"  // waiting in the ready queue
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions is the allowed lifecycle graph. Migration moves
// ready<->pending; retry sends a running task back to queued.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusQueued},
	StatusQueued:    {StatusRunning, StatusPending},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusQueued, StatusPending},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransitionTo checks the lifecycle graph.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// FeedbackType is the user's verdict on a completed answer.
type FeedbackType string

const (
	FeedbackLike    FeedbackType = "like"
	FeedbackDislike FeedbackType = "dislike"
	FeedbackNeutral FeedbackType = "neutral"
)

func (f FeedbackType) Valid() bool {
	return f == FeedbackLike || f == FeedbackDislike || f == FeedbackNeutral
}

// Feedback wraps the verdict; the wire format nests it under a
// "feedback" key.
type Feedback struct {
	Feedback FeedbackType `json:"feedback"`
}

func NeutralFeedback() Feedback {
	return Feedback{Feedback: FeedbackNeutral}
}

// Answer is a handler's output: the response text plus the documents
// it considered relevant (title -> reference).
type Answer struct {
	Text         string            `json:"text"`
	RelevantDocs map[string]string `json:"relevant_docs,omitempty"`
}

// Task is the sole first-class entity moving through the queues.
type Task struct {
	TaskID      string `json:"task_id"`
	Prompt      string `json:"prompt"`
	Status      Status `json:"status"`
	HandlerID   string `json:"handler_id"`
	UserID      string `json:"user_id"`
	ShortTaskID string `json:"short_task_id"`
	QueuedAt    string `json:"queued_at"`
	FinishedAt  string `json:"finished_at"`
	IsFirst     bool   `json:"is_first"`

	// Conversation chaining metadata, opaque to the dispatcher.
	FirstID  string `json:"first_id"`
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
	Context  string `json:"context"`

	Retries int    `json:"retries"`
	Result  Answer `json:"result"`
	Error   Answer `json:"error"`

	// StartPosition is the ready-queue length observed at enqueue plus
	// one, -1 when enqueued to pending. CurrentPosition is 1-based in the
	// global ready queue, 0 when absent, -1 when pending.
	StartPosition   int `json:"start_position"`
	CurrentPosition int `json:"current_position"`

	Feedback             Feedback `json:"feedback"`
	WorkerProcessingTime float64  `json:"worker_processing_time"`
}

// MarshalJSON appends the derived task_type fields so the frontend and
// the cold store never split handler_id themselves.
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	return json.Marshal(struct {
		plain
		TaskType        string `json:"task_type"`
		TaskTypeVersion string `json:"task_type_version"`
	}{plain(t), t.TaskType(), t.TaskTypeVersion()})
}

// UnmarshalJSON drops the derived fields; handler_id is the source of
// truth.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Task(p)
	return nil
}

// TaskType is the handler family, the part of handler_id before the
// colon.
func (t *Task) TaskType() string {
	return strings.SplitN(t.HandlerID, ":", 2)[0]
}

// TaskTypeVersion is the handler version, empty if handler_id carries
// none.
func (t *Task) TaskTypeVersion() string {
	parts := strings.SplitN(t.HandlerID, ":", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Errors shared across the dispatcher.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTaskData   = errors.New("invalid task data")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// New builds a task at enqueue time. The prompt is trimmed; the short
// id is derived from (task_id, user_id).
func New(prompt, handlerID, userID string, isFirst bool) *Task {
	id := uuid.New().String()
	return &Task{
		TaskID:      id,
		Prompt:      strings.TrimSpace(prompt),
		Status:      StatusPending,
		HandlerID:   handlerID,
		UserID:      userID,
		ShortTaskID: ShortID(id, userID),
		QueuedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		IsFirst:     isFirst,
		Feedback:    NeutralFeedback(),
	}
}

// Transition moves the task along the lifecycle graph.
func (t *Task) Transition(target Status) error {
	if !t.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	t.Status = target
	return nil
}

// Validate rejects records that must not flow through the queues.
// Scans log and drop invalid records instead of failing the loop.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return ErrInvalidTaskData
	}
	if t.HandlerID == "" || t.HandlerID == "default" {
		return ErrInvalidTaskData
	}
	if !t.Status.Valid() {
		return ErrInvalidTaskData
	}
	return nil
}

// Marshal serializes the task for storage.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Unmarshal deserializes and validates a stored record.
func Unmarshal(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
