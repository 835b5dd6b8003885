package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Status("unknown").Valid())
	assert.False(t, Status("").Valid())
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, false},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusPending, true}, // migration: handler vanished
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, true},  // retry
		{StatusRunning, StatusPending, true}, // orphaned processing entry
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTask_Transition(t *testing.T) {
	tk := New("hi", "echo:1", "user-1", true)
	require.Equal(t, StatusPending, tk.Status)

	require.NoError(t, tk.Transition(StatusQueued))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NoError(t, tk.Transition(StatusCompleted))

	err := tk.Transition(StatusQueued)
	assert.Equal(t, ErrInvalidTransition, err)
	assert.Equal(t, StatusCompleted, tk.Status)
}

func TestNew(t *testing.T) {
	tk := New("  hi there  ", "echo:1", "user-1", true)

	assert.NotEmpty(t, tk.TaskID)
	assert.Equal(t, "hi there", tk.Prompt, "prompt is trimmed")
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, "echo:1", tk.HandlerID)
	assert.Equal(t, "user-1", tk.UserID)
	assert.Len(t, tk.ShortTaskID, 3)
	assert.Equal(t, ShortID(tk.TaskID, "user-1"), tk.ShortTaskID)
	assert.NotEmpty(t, tk.QueuedAt)
	assert.True(t, tk.IsFirst)
	assert.Equal(t, FeedbackNeutral, tk.Feedback.Feedback)
}

func TestTask_DerivedFields(t *testing.T) {
	tk := &Task{HandlerID: "rag:2"}
	assert.Equal(t, "rag", tk.TaskType())
	assert.Equal(t, "2", tk.TaskTypeVersion())

	tk.HandlerID = "bare"
	assert.Equal(t, "bare", tk.TaskType())
	assert.Equal(t, "", tk.TaskTypeVersion())
}

func TestTask_Validate(t *testing.T) {
	valid := New("hi", "echo:1", "user-1", false)
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing task_id", func(tk *Task) { tk.TaskID = "" }},
		{"empty handler_id", func(tk *Task) { tk.HandlerID = "" }},
		{"default handler_id", func(tk *Task) { tk.HandlerID = "default" }},
		{"unknown status", func(tk *Task) { tk.Status = "sleeping" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New("hi", "echo:1", "user-1", false)
			tt.mutate(tk)
			assert.Equal(t, ErrInvalidTaskData, tk.Validate())
		})
	}
}

func TestTask_MarshalIncludesDerivedFields(t *testing.T) {
	tk := New("hi", "echo:1", "user-1", true)
	data, err := tk.Marshal()
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "echo", wire["task_type"])
	assert.Equal(t, "1", wire["task_type_version"])
	assert.Equal(t, "pending", wire["status"])

	feedback, ok := wire["feedback"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "neutral", feedback["feedback"])
}

func TestTask_RoundTrip(t *testing.T) {
	tk := New("hi", "echo:1", "user-1", true)
	tk.Status = StatusCompleted
	tk.Result = Answer{Text: "hello", RelevantDocs: map[string]string{"doc": "ref"}}
	tk.Retries = 2
	tk.StartPosition = 4
	tk.CurrentPosition = 0
	tk.WorkerProcessingTime = 1.25

	first, err := tk.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(first)
	require.NoError(t, err)
	assert.Equal(t, tk, restored)

	// Re-serialization is byte-identical.
	second, err := restored.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"task_id":"","prompt":"x"}`))
	assert.Equal(t, ErrInvalidTaskData, err)
}

func TestFeedbackType_Valid(t *testing.T) {
	assert.True(t, FeedbackLike.Valid())
	assert.True(t, FeedbackDislike.Valid())
	assert.True(t, FeedbackNeutral.Valid())
	assert.False(t, FeedbackType("meh").Valid())
}
