package api

// Lifecycle event types emitted on the bus. These are the contract
// surface for external observers; payload shapes are documented on the
// emitting component.
const (
	TopicWorkflowCreated       = "workflow.created"
	TopicWorkflowStarted       = "workflow.started"
	TopicWorkflowStepCompleted = "workflow.step_completed"
	TopicWorkflowStepFailed    = "workflow.step_failed"
	TopicWorkflowCompleted     = "workflow.completed"
	TopicWorkflowFailed        = "workflow.failed"
	TopicWorkflowCancelled     = "workflow.cancelled"

	TopicMeshMessageSent   = "mesh.message_sent"
	TopicMeshMessageFailed = "mesh.message_failed"
	TopicMeshCircuitOpened = "mesh.circuit_opened"
	TopicMeshCircuitClosed = "mesh.circuit_closed"
	TopicMeshHealthChanged = "mesh.health_changed"

	TopicBusSubscriptionCreated = "bus.subscription_created"
	TopicBusSubscriptionError   = "bus.subscription_error"
	TopicBusEventsReplayed      = "bus.events_replayed"
)
