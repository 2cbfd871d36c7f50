package schema

// Stream event types published on the runtime event hub.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowTimedOut  = "workflow_timed_out"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventCircuitBreakerOpen = "circuit_breaker_open"

	EventScriptEvent = "script_event"

	EventDebugStopped   = "debug_stopped"
	EventDebugContinued = "debug_continued"

	EventConfigChanged = "config_changed"
)
