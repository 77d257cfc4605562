package module

import (
	"github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
)

// AnnounceValidation is the verdict on a single block announcement.
type AnnounceValidation int

const (
	// AnnounceNothing means the announcement is valid but carries no fork
	// sync hints.
	AnnounceNothing AnnounceValidation = iota
	// AnnounceBest means the announcement is valid and the sender treats
	// the block as its best.
	AnnounceBest
	// AnnounceFailure means the announcement failed validation.
	AnnounceFailure
)

// BlockAnnounceValidator performs consensus-specific validation of block
// announcements before they reach the sync engine.
type BlockAnnounceValidator interface {

	// Validate checks the announced header together with any associated
	// data. A returned error indicates an internal failure, not a bad
	// announcement.
	Validate(announce *chainsync.BlockAnnounce) (AnnounceValidation, error)
}

// WarpProofVerification is the result of verifying one warp proof fragment.
type WarpProofVerification struct {

	// Complete indicates the proof chain reached the current authority set.
	Complete bool

	// SetID and Authorities describe the authority set proven so far; only
	// meaningful for partial proofs.
	SetID       uint64
	Authorities []byte

	// LastHash is the highest finalized block covered by the proof.
	LastHash   karst.Hash
	LastNumber uint64

	// Header is the final proven header; only set on complete proofs. It
	// becomes the target block of the remaining sync.
	Header *karst.Header
}

// WarpSyncProvider verifies warp sync proofs against the finality gadget.
type WarpSyncProvider interface {

	// CurrentAuthorities returns the authority set at genesis, encoded.
	CurrentAuthorities() []byte

	// Verify checks a proof fragment against the given authority set and
	// returns the resulting progress.
	Verify(proof chainsync.EncodedProof, setID uint64, authorities []byte) (*WarpProofVerification, error)
}

// ImportQueue accepts downloaded blocks for verification and import. The
// queue reports results back asynchronously through the engine.
type ImportQueue interface {

	// ImportBlocks submits a batch of blocks with the given origin.
	ImportBlocks(origin karst.BlockOrigin, blocks []chainsync.IncomingBlock)

	// ImportJustifications submits the justifications of a single block.
	ImportJustifications(peer karst.PeerID, hash karst.Hash, number uint64, justifications karst.Justifications)
}

// ChainSyncMetrics exposes counters and gauges describing sync progress.
type ChainSyncMetrics interface {

	// RangeRequested records an outbound block range request of the given
	// length.
	RangeRequested(length uint32)

	// JustificationRequested records an outbound justification request.
	JustificationRequested()

	// BlocksQueued sets the current number of blocks queued for import.
	BlocksQueued(count int)

	// BestQueuedNumber sets the highest queued block number.
	BestQueuedNumber(number uint64)

	// ImportOutcome records one block import result.
	ImportOutcome(outcome string)

	// PeerBanned records a fatal reputation penalty.
	PeerBanned(reason string)

	// WarpPhase sets the current warp sync phase.
	WarpPhase(phase string)
}
