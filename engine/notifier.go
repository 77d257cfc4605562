package engine

// Notifier is a level-triggered wake-up signal for worker routines. It
// behaves like a channel of capacity one: notifying an already notified
// Notifier is a no-op, and a single receive consumes the pending signal.
// Notifiers can be passed by value; copies share the same internal state.
type Notifier struct {
	notifier chan struct{}
}

func NewNotifier() Notifier {
	return Notifier{notifier: make(chan struct{}, 1)}
}

// Notify wakes one waiting worker. It never blocks: if a signal is already
// pending the call is dropped, which is fine because the worker drains all
// available work per wake-up.
func (n Notifier) Notify() {
	select {
	case n.notifier <- struct{}{}:
	default:
	}
}

// Channel returns the channel to receive wake-up signals on.
func (n Notifier) Channel() <-chan struct{} {
	return n.notifier
}
