package tracing

// Span attribute keys used across the orchestration service.
const (
	AttrExecutionID = "execution.id"
	AttrTaskID      = "task.id"
	AttrProjectID   = "project.id"
	AttrUserID      = "user.id"
	AttrAgent       = "task.agent"
	AttrStatus      = "status"
	AttrTopic       = "bus.topic"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixOrchestrator = "orchestrator."
	SpanPrefixGateway      = "gateway."
	SpanPrefixStream       = "stream."
)

// Event names for span events.
const (
	EventNotificationPublished = "notification.published"
	EventCacheInvalidated      = "cache.invalidated"
	EventStreamReconnect       = "stream.reconnect"
)
