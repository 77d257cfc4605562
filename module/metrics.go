package module

// EngineMetrics counts messages flowing through the event-loop engines.
type EngineMetrics interface {
	MessageSent(engine string, message string)
	MessageReceived(engine string, message string)
	MessageHandled(engine string, message string)
	InboundMessageDropped(engine string, message string)
	OutboundMessageDropped(engine string, message string)
}
