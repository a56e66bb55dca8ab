package eventbus

// Event types published on the bus.
const (
	TypeCircuitOpened = "circuit.opened"
	TypeCircuitReset  = "circuit.reset"

	TypeDeliveryFailed = "delivery.failed"
	TypeFallbackUsed   = "delivery.fallback"

	TypeBatchExtracted = "batch.extracted"

	TypeScheduleEnqueueFailed = "schedule.enqueue_failed"

	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskDropped  = "task.dropped"

	TypeConfigReload = "config.reloaded"
)

// CircuitEvent is the Data of circuit events.
type CircuitEvent struct {
	Failures  int64
	DeadUntil int64 // unix millis; 0 when closed
}
