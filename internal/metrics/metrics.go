package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchq_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"handler_id", "placement"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchq_tasks_completed_total",
			Help: "Total number of task outcomes: completed, failed (terminal), error (each failed attempt)",
		},
		[]string{"handler_id", "status"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchq_task_retries_total",
			Help: "Total number of task retries",
		},
		[]string{"handler_id"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatchq_handler_duration_seconds",
			Help:    "Handler invocation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"handler_id"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatchq_queue_depth",
			Help: "Current length of the global queues",
		},
		[]string{"queue"},
	)

	TasksMigrated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchq_tasks_migrated_total",
			Help: "Tasks moved between ready and pending by the reconciler",
		},
		[]string{"direction"},
	)

	DeadLettersTrimmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchq_dead_letters_trimmed_total",
			Help: "Dead-letter entries removed by the janitor",
		},
	)

	// Worker metrics
	LiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchq_live_workers",
			Help: "Workers with a fresh heartbeat",
		},
	)

	AvailableHandlers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchq_available_handlers",
			Help: "Distinct handler ids currently advertised",
		},
	)

	// API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	SSESubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchq_sse_subscriptions",
			Help: "Open SSE status streams",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchq_websocket_connections",
			Help: "Connected WebSocket observers",
		},
	)
)

// RecordEnqueue records a placement decision ("ready" or "pending").
func RecordEnqueue(handlerID, placement string) {
	TasksEnqueued.WithLabelValues(handlerID, placement).Inc()
}

// RecordCompletion records one handler outcome and its invocation
// duration.
func RecordCompletion(handlerID, status string, seconds float64) {
	TasksCompleted.WithLabelValues(handlerID, status).Inc()
	HandlerDuration.WithLabelValues(handlerID).Observe(seconds)
}

func RecordRetry(handlerID string) {
	TaskRetries.WithLabelValues(handlerID).Inc()
}

func RecordMigration(direction string, count int) {
	TasksMigrated.WithLabelValues(direction).Add(float64(count))
}

func RecordDeadLettersTrimmed(count int) {
	DeadLettersTrimmed.Add(float64(count))
}

func SetQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

func SetLiveWorkers(count float64) {
	LiveWorkers.Set(count)
}

func SetAvailableHandlers(count float64) {
	AvailableHandlers.Set(count)
}

func RecordHTTPRequest(method, path, status string) {
	HTTPRequests.WithLabelValues(method, path, status).Inc()
}

func SetSSESubscriptions(count float64) {
	SSESubscriptions.Set(count)
}

func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}
