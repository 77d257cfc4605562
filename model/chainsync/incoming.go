package chainsync

import (
	"fmt"
	"math"

	"github.com/karstlabs/karst/model/karst"
)

// Reputation deltas applied to peers for protocol violations. All are
// negative; the magnitude reflects severity. A delta of math.MinInt32 is an
// immediate ban.
const (
	// ReputationGenesisMismatch is applied when a peer is on a different
	// chain entirely.
	ReputationGenesisMismatch int32 = math.MinInt32

	// ReputationBadBlock is applied when a peer sent a block that failed
	// import.
	ReputationBadBlock int32 = -(1 << 29)

	// ReputationVerificationFailed is applied when a block from the peer
	// failed verification.
	ReputationVerificationFailed int32 = -(1 << 29)

	// ReputationNoBlock is applied when a peer failed to answer a request it
	// should have been able to answer.
	ReputationNoBlock int32 = -(1 << 29)

	// ReputationNotRequested is applied when a peer sent a response that
	// does not correspond to any outstanding request.
	ReputationNotRequested int32 = -(1 << 29)

	// ReputationIncompleteHeader is applied when a header is missing pieces.
	ReputationIncompleteHeader int32 = -(1 << 20)

	// ReputationBadJustification is applied for invalid justifications.
	ReputationBadJustification int32 = -(1 << 16)

	// ReputationUnknownAncestor is applied when ancestry probing hits an
	// inconsistent answer.
	ReputationUnknownAncestor int32 = -(1 << 16)

	// ReputationBlockchainReadError is applied when our own database failed
	// while serving the interaction; mild, the peer may be innocent.
	ReputationBlockchainReadError int32 = -(1 << 16)

	// ReputationBadResponse is applied for responses that are well-formed
	// but wrong in content.
	ReputationBadResponse int32 = -(1 << 12)

	// ReputationBadWarpProof is applied when a warp proof fails
	// verification.
	ReputationBadWarpProof int32 = -(1 << 29)
)

// BadPeer reports that a peer misbehaved and should be penalized and
// disconnected. It implements error so it can flow through fallible
// operations.
type BadPeer struct {
	Peer       karst.PeerID
	Reputation int32
	Reason     string
}

func (b *BadPeer) Error() string {
	return fmt.Sprintf("bad peer %s (%d): %s", b.Peer, b.Reputation, b.Reason)
}

// IncomingBlock is a block handed to the import queue, annotated with where
// it came from.
type IncomingBlock struct {
	Hash           karst.Hash
	Header         *karst.Header
	Body           []karst.Extrinsic
	Justifications karst.Justifications

	// Origin is the peer the block was downloaded from, nil for locally
	// produced blocks.
	Origin *karst.PeerID

	// AllowMissingState permits import even when the parent state is not
	// available, used for stale fork blocks.
	AllowMissingState bool

	// ImportExisting forces re-import of a block already in the database.
	ImportExisting bool

	// SkipExecution imports the block without executing its extrinsics.
	SkipExecution bool
}
