package module

// ReadyDoneAware is implemented by components with a single start-stop
// lifecycle. Ready starts the component and closes once startup completed;
// Done begins shutdown and closes once all internal routines exited. Both
// are idempotent, and a component does not restart after shutdown.
type ReadyDoneAware interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
}
