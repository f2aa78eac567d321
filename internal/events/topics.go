package events

const (
	// TopicTelemetry carries protocol.Event values as they are classified.
	TopicTelemetry = "telemetry.event"

	// TopicProcessing carries bool values, emitted only when the ambient
	// processing latch actually changes.
	TopicProcessing = "telemetry.processing"

	// TopicStream carries bool values reflecting ambient channel health:
	// true on connect, false on close.
	TopicStream = "stream.connected"
)
