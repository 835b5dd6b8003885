package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_RoundTrip(t *testing.T) {
	event := NewEvent(EventTaskCompleted, TaskEventData("t1", "echo:1", map[string]interface{}{
		"status": "completed",
	}))

	data, err := event.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, EventTaskCompleted, restored.Type)
	assert.Equal(t, "t1", restored.Data["task_id"])
	assert.Equal(t, "echo:1", restored.Data["handler_id"])
	assert.Equal(t, "completed", restored.Data["status"])
	assert.False(t, restored.Timestamp.IsZero())
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestTaskEventData(t *testing.T) {
	data := TaskEventData("t1", "echo:1", nil)
	assert.Equal(t, "t1", data["task_id"])
	assert.Equal(t, "echo:1", data["handler_id"])

	extra := TaskEventData("t1", "echo:1", map[string]interface{}{"retries": 2})
	assert.Equal(t, 2, extra["retries"])
}

func TestWorkerEventData(t *testing.T) {
	data := WorkerEventData("worker:1", []string{"echo:1", "rag:2"})
	assert.Equal(t, "worker:1", data["worker_id"])
	assert.Equal(t, []string{"echo:1", "rag:2"}, data["handler_ids"])
}
