package warning

import "time"

// Severity levels for warnings
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// Common warning categories
const (
	CategoryQueueBacklog   = "QUEUE_BACKLOG"
	CategoryQueueGrowing   = "QUEUE_GROWING"
	CategoryMediation      = "MEDIATION"
	CategoryConfiguration  = "CONFIGURATION"
	CategoryPoolLimit      = "POOL_LIMIT"
	CategoryCircuitBreaker = "CIRCUIT_BREAKER"
	CategoryHealth         = "HEALTH"
	CategoryLeader         = "LEADER_ELECTION"

	// CategoryQueueFull fires when a pool rejects a sub-batch because it
	// has no room for it (routing phase 2).
	CategoryQueueFull = "QUEUE_FULL"

	// CategoryRouting fires when a message has no poolCode and is routed
	// to the default pool instead. A non-empty poolCode that names no
	// existing pool does not fire it; a pool of that code is created.
	CategoryRouting = "ROUTING"

	// CategoryGroupThreadRestart fires when a per-group worker goroutine
	// is found dead and is relaunched.
	CategoryGroupThreadRestart = "GROUP_THREAD_RESTART"

	// CategoryConsumerRestart fires when a stalled consumer is stopped
	// and recreated.
	CategoryConsumerRestart = "CONSUMER_RESTART"

	// CategoryConsumerRestartFailed fires when a consumer exceeds its
	// restart attempt budget and is left stopped.
	CategoryConsumerRestartFailed = "CONSUMER_RESTART_FAILED"

	// CategoryMediatorNullResult fires when the mediator returns a nil
	// outcome and the pool defensively treats it as a processing error.
	CategoryMediatorNullResult = "MEDIATOR_NULL_RESULT"

	// CategoryShutdownCleanupErrors fires when a pool's group workers do
	// not all exit within the pool shutdown timeout.
	CategoryShutdownCleanupErrors = "SHUTDOWN_CLEANUP_ERRORS"

	// CategoryPipelineMapLeak fires when tracked in-flight messages exceed
	// total pool capacity across all pools.
	CategoryPipelineMapLeak = "PIPELINE_MAP_LEAK"

	// CategorySemaphoreReleaseFailed fires when a pool worker cannot
	// release its concurrency permit back to the semaphore.
	CategorySemaphoreReleaseFailed = "SEMAPHORE_RELEASE_FAILED"
)

// Warning represents a system warning or error notification
type Warning struct {
	// ID is the unique warning identifier (UUID)
	ID string `json:"id"`

	// Category is the warning category (e.g., QUEUE_BACKLOG, MEDIATION)
	Category string `json:"category"`

	// Severity is the severity level (CRITICAL, ERROR, WARNING, INFO)
	Severity string `json:"severity"`

	// Message describes the issue
	Message string `json:"message"`

	// Timestamp is when the warning was created
	Timestamp time.Time `json:"timestamp"`

	// Source is the component that generated the warning
	Source string `json:"source"`

	// Acknowledged indicates if the warning has been acknowledged
	Acknowledged bool `json:"acknowledged"`
}
