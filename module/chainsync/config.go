package chainsync

import "errors"

// SyncMode selects the bootstrap strategy.
type SyncMode int

const (
	// ModeFull downloads and imports every block from the common ancestor.
	ModeFull SyncMode = iota
	// ModeWarp first downloads finality proofs up to a recent block and
	// only then switches to full sync from there.
	ModeWarp
)

func (m SyncMode) String() string {
	if m == ModeWarp {
		return "warp"
	}
	return "full"
}

// Config tunes the sync engine. Defaults follow the protocol limits; only
// MaxParallelDownloads and MaxBlocksPerRequest are commonly adjusted.
type Config struct {

	// Mode is the bootstrap strategy for this node.
	Mode SyncMode

	// MaxBlocksPerRequest caps the length of one block range request.
	MaxBlocksPerRequest uint32

	// MaxParallelDownloads caps the number of ranges downloading at once.
	MaxParallelDownloads uint32

	// MaxQueuedBlocks is the import queue high-water mark; above it no new
	// range requests are issued.
	MaxQueuedBlocks uint64

	// MaxDownloadAhead bounds how far past the common number we download.
	MaxDownloadAhead uint32

	// MajorSyncThreshold is the number of blocks behind the best known
	// chain above which the node reports a major sync in progress.
	MajorSyncThreshold uint64

	// MinPeersForWarpSync is the number of connected peers required before
	// warp sync picks a target, to avoid trusting a lone peer's view.
	MinPeersForWarpSync int

	// AnnounceCacheSize is the per-peer capacity of the recently announced
	// block cache.
	AnnounceCacheSize int
}

// DefaultConfig returns the protocol default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeFull,
		MaxBlocksPerRequest:  64,
		MaxParallelDownloads: 5,
		MaxQueuedBlocks:      2048,
		MaxDownloadAhead:     2048,
		MajorSyncThreshold:   5,
		MinPeersForWarpSync:  3,
		AnnounceCacheSize:    64,
	}
}

func (c Config) valid() error {
	if c.MaxBlocksPerRequest == 0 {
		return errors.New("max blocks per request must be positive")
	}
	if c.MaxParallelDownloads == 0 {
		return errors.New("max parallel downloads must be positive")
	}
	if c.AnnounceCacheSize <= 0 {
		return errors.New("announce cache size must be positive")
	}
	return nil
}

// maxBlocksToLookBackwards is how far behind the best queued number a peer's
// common number may fall before we rerun the ancestor search for it.
func (c Config) maxBlocksToLookBackwards() uint64 {
	return uint64(c.MaxDownloadAhead) / 2
}
