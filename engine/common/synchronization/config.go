package synchronization

import (
	"time"

	"github.com/karstlabs/karst/module/chainsync"
)

type Config struct {

	// PollInterval is how often the engine logs sync progress and refreshes
	// the status metrics.
	PollInterval time.Duration

	// ScanInterval is how often the engine drains the core's pending
	// actions even when no event arrived, which catches requests that
	// became possible through the passage of time (retry timeouts).
	ScanInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		PollInterval: 8 * time.Second,
		ScanInterval: 2 * time.Second,
	}
}

type OptionFunc func(*Engine)

// WithPollInterval sets a custom interval for progress reporting.
func WithPollInterval(interval time.Duration) OptionFunc {
	return func(e *Engine) {
		e.pollInterval = interval
	}
}

// WithScanInterval sets a custom interval for draining pending actions.
func WithScanInterval(interval time.Duration) OptionFunc {
	return func(e *Engine) {
		e.scanInterval = interval
	}
}

// WithWarpSyncHandler installs a callback invoked once warp sync secures
// its target block.
func WithWarpSyncHandler(handler func(chainsync.WarpSyncResult)) OptionFunc {
	return func(e *Engine) {
		e.onWarpSyncFinished = handler
	}
}
