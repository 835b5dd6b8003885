package client

// Answer is a handler's output as seen on the wire.
type Answer struct {
	Text         string            `json:"text"`
	RelevantDocs map[string]string `json:"relevant_docs,omitempty"`
}

// Feedback wraps the user's verdict.
type Feedback struct {
	Feedback string `json:"feedback"`
}

// Task is the wire representation of a task record.
type Task struct {
	TaskID               string   `json:"task_id"`
	Prompt               string   `json:"prompt"`
	Status               string   `json:"status"`
	HandlerID            string   `json:"handler_id"`
	UserID               string   `json:"user_id"`
	ShortTaskID          string   `json:"short_task_id"`
	QueuedAt             string   `json:"queued_at"`
	FinishedAt           string   `json:"finished_at"`
	IsFirst              bool     `json:"is_first"`
	FirstID              string   `json:"first_id"`
	ParentID             string   `json:"parent_id"`
	ChildID              string   `json:"child_id"`
	Context              string   `json:"context"`
	Retries              int      `json:"retries"`
	Result               Answer   `json:"result"`
	Error                Answer   `json:"error"`
	StartPosition        int      `json:"start_position"`
	CurrentPosition      int      `json:"current_position"`
	Feedback             Feedback `json:"feedback"`
	WorkerProcessingTime float64  `json:"worker_processing_time"`
	TaskType             string   `json:"task_type"`
	TaskTypeVersion      string   `json:"task_type_version"`
}

// Terminal reports whether the task finished.
func (t *Task) Terminal() bool {
	return t.Status == "completed" || t.Status == "failed"
}
