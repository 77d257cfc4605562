package engine

import (
	"sync"
	"time"
)

// Unit handles the lifecycle of an engine's goroutines: launching them,
// signalling shutdown, and waiting for them to finish. It also provides a
// mutex for the engine's shared state.
type Unit struct {
	sync.Mutex
	wg   sync.WaitGroup
	once sync.Once
	quit chan struct{}
}

func NewUnit() *Unit {
	return &Unit{
		quit: make(chan struct{}),
	}
}

// Launch runs the given function in a goroutine tracked by the unit. After
// shutdown began, new launches are dropped.
func (u *Unit) Launch(f func()) {
	select {
	case <-u.quit:
		return
	default:
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		f()
	}()
}

// LaunchPeriodically runs the given function every interval, after an
// initial delay, until the unit shuts down.
func (u *Unit) LaunchPeriodically(f func(), interval time.Duration, delay time.Duration) {
	u.Launch(func() {
		select {
		case <-u.quit:
			return
		case <-time.After(delay):
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-u.quit:
				return
			case <-ticker.C:
				f()
			}
		}
	})
}

// Ready runs the given startup checks and returns a channel that closes
// once all of them returned.
func (u *Unit) Ready(checks ...func()) <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		for _, check := range checks {
			check()
		}
		close(ready)
	}()
	return ready
}

// Quit returns a channel that closes when the unit begins shutdown.
func (u *Unit) Quit() <-chan struct{} {
	return u.quit
}

// Done initiates shutdown, runs the given teardown actions, and returns a
// channel that closes once all launched goroutines have finished.
func (u *Unit) Done(actions ...func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		u.once.Do(func() {
			close(u.quit)
		})
		for _, action := range actions {
			action()
		}
		u.wg.Wait()
		close(done)
	}()
	return done
}
