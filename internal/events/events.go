package events

import (
	"context"
	"encoding/json"
	"time"
)

// EventType labels a lifecycle event on the bus.
type EventType string

const (
	// Task events
	EventTaskQueued    EventType = "task.queued"
	EventTaskPending   EventType = "task.pending"
	EventTaskRunning   EventType = "task.running"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetrying  EventType = "task.retrying"

	// Worker / availability events
	EventWorkerJoined    EventType = "worker.joined"
	EventWorkerLeft      EventType = "worker.left"
	EventHandlersChanged EventType = "handlers.changed"
)

// Event is the unit published on the bus. The bus is advisory: losing
// an event never affects the task path.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Publisher is the bus seen by producers and the observer hub.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	SubscribeAll(ctx context.Context) (<-chan *Event, error)
	Close() error
}

// TaskEventData shapes the payload for task lifecycle events.
func TaskEventData(taskID, handlerID string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"task_id":    taskID,
		"handler_id": handlerID,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// WorkerEventData shapes the payload for worker membership events.
func WorkerEventData(workerID string, handlerIDs []string) map[string]interface{} {
	return map[string]interface{}{
		"worker_id":   workerID,
		"handler_ids": handlerIDs,
	}
}
