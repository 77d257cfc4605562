package chainsync

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
	"github.com/karstlabs/karst/module"
)

// WarpPhase is the current stage of a warp sync.
type WarpPhase int

const (
	// WarpWaitingForPeers delays the start until enough peers are known, so
	// the target is not dictated by a lone peer.
	WarpWaitingForPeers WarpPhase = iota
	// WarpDownloadingProofs walks the finality proof chain.
	WarpDownloadingProofs
	// WarpDownloadingTarget fetches the proven target block.
	WarpDownloadingTarget
	// WarpPendingTarget waits for an externally supplied target header.
	WarpPendingTarget
	// WarpComplete means the target block is available.
	WarpComplete
)

func (p WarpPhase) String() string {
	switch p {
	case WarpWaitingForPeers:
		return "waiting for peers"
	case WarpDownloadingProofs:
		return "downloading proofs"
	case WarpDownloadingTarget:
		return "downloading target block"
	case WarpPendingTarget:
		return "awaiting target block"
	case WarpComplete:
		return "complete"
	default:
		return "invalid"
	}
}

// WarpSyncResult is the block warp sync converged on. The node imports it
// with state download disabled and continues full sync from there.
type WarpSyncResult struct {
	TargetHeader         *karst.Header
	TargetBody           []karst.Extrinsic
	TargetJustifications karst.Justifications
}

// WarpSync drives the finality proof bootstrap. It shares the peer arena
// with the orchestrator: peer records are passed into every method, and the
// in-flight proof or target request is encoded in the peer's sync state, so
// at most one of each is outstanding at a time.
type WarpSync struct {
	log      zerolog.Logger
	provider module.WarpSyncProvider
	minPeers int

	phase WarpPhase

	// Authority set and finality watermark proven so far.
	setID       uint64
	authorities []byte
	lastHash    karst.Hash
	lastNumber  uint64

	// targetHeader is set once the proof chain is complete.
	targetHeader *karst.Header

	result *WarpSyncResult
}

// NewWarpSync prepares a warp sync starting from the genesis authority set.
// When the chain already has finalized state there is nothing to bootstrap
// and the sync starts complete.
func NewWarpSync(
	log zerolog.Logger,
	provider module.WarpSyncProvider,
	genesisHash karst.Hash,
	minPeers int,
	finalizedStateAvailable bool,
) *WarpSync {
	w := &WarpSync{
		log:         log.With().Str("component", "warp_sync").Logger(),
		provider:    provider,
		minPeers:    minPeers,
		phase:       WarpWaitingForPeers,
		authorities: provider.CurrentAuthorities(),
		lastHash:    genesisHash,
	}
	if finalizedStateAvailable {
		w.log.Warn().Msg("finalized state already available, skipping warp sync")
		w.phase = WarpComplete
		w.result = &WarpSyncResult{}
	}
	return w
}

// NewWarpSyncWithTarget prepares a warp sync that skips proof download and
// waits for an external party (for example a trusted RPC) to provide the
// target header.
func NewWarpSyncWithTarget(log zerolog.Logger, provider module.WarpSyncProvider) *WarpSync {
	return &WarpSync{
		log:      log.With().Str("component", "warp_sync").Logger(),
		provider: provider,
		phase:    WarpPendingTarget,
	}
}

// Phase returns the current stage.
func (w *WarpSync) Phase() WarpPhase {
	return w.phase
}

// IsComplete reports whether the target block has been secured.
func (w *WarpSync) IsComplete() bool {
	return w.phase == WarpComplete
}

// Result returns the outcome of a complete warp sync.
func (w *WarpSync) Result() *WarpSyncResult {
	return w.result
}

// SetTarget installs an externally supplied target header. Only legal while
// the sync is waiting for one.
func (w *WarpSync) SetTarget(header *karst.Header) bool {
	if w.phase != WarpPendingTarget {
		return false
	}
	w.targetHeader = header
	w.phase = WarpDownloadingTarget
	return true
}

// Requests produces the next warp request, if any is due. The chosen peer's
// state is updated in place, which is what enforces the single in-flight
// request per kind.
func (w *WarpSync) Requests(peers map[karst.PeerID]*PeerSync, nextRequestID func() uint64) []Action {

	switch w.phase {
	case WarpWaitingForPeers:
		if len(peers) < w.minPeers {
			return nil
		}
		w.phase = WarpDownloadingProofs
		w.log.Info().Int("peers", len(peers)).Msg("starting warp proof download")
		return w.proofRequest(peers)

	case WarpDownloadingProofs:
		return w.proofRequest(peers)

	case WarpDownloadingTarget:
		return w.targetRequest(peers, nextRequestID)

	default:
		return nil
	}
}

func (w *WarpSync) proofRequest(peers map[karst.PeerID]*PeerSync) []Action {
	if w.requestInFlight(peers, PeerDownloadingWarpProof) {
		return nil
	}
	peer := schedulePeer(peers, 0)
	if peer == nil {
		return nil
	}
	peer.State = PeerSyncState{Kind: PeerDownloadingWarpProof}
	w.log.Trace().
		Str("peer", peer.Peer.String()).
		Str("begin", w.lastHash.String()).
		Msg("requesting warp proof")
	return []Action{SendWarpProofRequest{
		Peer:    peer.Peer,
		Request: chainsync.WarpProofRequest{Begin: w.lastHash},
	}}
}

func (w *WarpSync) targetRequest(peers map[karst.PeerID]*PeerSync, nextRequestID func() uint64) []Action {
	if w.requestInFlight(peers, PeerDownloadingWarpTarget) {
		return nil
	}
	peer := schedulePeer(peers, w.targetHeader.Number)
	if peer == nil {
		return nil
	}
	peer.State = PeerSyncState{Kind: PeerDownloadingWarpTarget}
	targetHash := w.targetHeader.ID()
	w.log.Trace().
		Str("peer", peer.Peer.String()).
		Str("block", targetHash.String()).
		Msg("requesting warp target block")
	return []Action{SendBlockRequest{
		Peer: peer.Peer,
		Request: chainsync.BlockRequest{
			ID:        nextRequestID(),
			Fields:    chainsync.AttributeHeader | chainsync.AttributeBody | chainsync.AttributeJustification,
			From:      chainsync.FromHash(targetHash),
			Direction: chainsync.Ascending,
			Max:       1,
		},
	}}
}

func (w *WarpSync) requestInFlight(peers map[karst.PeerID]*PeerSync, kind PeerSyncStateKind) bool {
	for _, peer := range peers {
		if peer.State.Kind == kind {
			return true
		}
	}
	return false
}

// schedulePeer picks an available peer that is at least as synced as the
// peer majority and knows blocks up to minBest.
func schedulePeer(peers map[karst.PeerID]*PeerSync, minBest uint64) *PeerSync {
	if len(peers) == 0 {
		return nil
	}
	bests := make([]uint64, 0, len(peers))
	for _, peer := range peers {
		bests = append(bests, peer.BestNumber)
	}
	sort.Slice(bests, func(i, j int) bool { return bests[i] < bests[j] })
	threshold := bests[len(bests)/2]
	if minBest > threshold {
		threshold = minBest
	}
	for _, peer := range peers {
		if peer.State.Kind == PeerAvailable && peer.BestNumber >= threshold {
			return peer
		}
	}
	return nil
}

// OnProofResponse processes a warp proof fragment from the peer. A proof
// that fails verification drops the peer without advancing the phase; the
// fragment will be re-requested from another peer.
func (w *WarpSync) OnProofResponse(peer *PeerSync, proof chainsync.EncodedProof) ([]Action, *chainsync.BadPeer) {

	if w.phase != WarpDownloadingProofs || peer.State.Kind != PeerDownloadingWarpProof {
		return nil, &chainsync.BadPeer{
			Peer:       peer.Peer,
			Reputation: chainsync.ReputationNotRequested,
			Reason:     "unexpected warp proof response",
		}
	}
	peer.State = available()

	verification, err := w.provider.Verify(proof, w.setID, w.authorities)
	if err != nil {
		w.log.Debug().Err(err).Str("peer", peer.Peer.String()).Msg("bad warp proof")
		return nil, &chainsync.BadPeer{
			Peer:       peer.Peer,
			Reputation: chainsync.ReputationBadWarpProof,
			Reason:     "warp proof verification failed",
		}
	}

	w.setID = verification.SetID
	w.authorities = verification.Authorities
	w.lastHash = verification.LastHash
	w.lastNumber = verification.LastNumber

	if !verification.Complete {
		w.log.Debug().
			Uint64("set_id", w.setID).
			Uint64("finalized", w.lastNumber).
			Msg("verified partial warp proof")
		return nil, nil
	}

	w.targetHeader = verification.Header
	w.phase = WarpDownloadingTarget
	w.log.Info().
		Uint64("target", verification.Header.Number).
		Msg("warp proof chain complete")
	return nil, nil
}

// OnTargetBlockResponse processes the response to the target block request.
func (w *WarpSync) OnTargetBlockResponse(peer *PeerSync, blocks []chainsync.BlockData) ([]Action, *chainsync.BadPeer) {

	if w.phase != WarpDownloadingTarget || peer.State.Kind != PeerDownloadingWarpTarget {
		return nil, &chainsync.BadPeer{
			Peer:       peer.Peer,
			Reputation: chainsync.ReputationNotRequested,
			Reason:     "unexpected warp target response",
		}
	}
	peer.State = available()

	if len(blocks) == 0 {
		return nil, &chainsync.BadPeer{
			Peer:       peer.Peer,
			Reputation: chainsync.ReputationNoBlock,
			Reason:     "empty warp target response",
		}
	}
	if len(blocks) > 1 {
		return nil, &chainsync.BadPeer{
			Peer:       peer.Peer,
			Reputation: chainsync.ReputationNotRequested,
			Reason:     "too many blocks in warp target response",
		}
	}

	block := blocks[0]
	targetHash := w.targetHeader.ID()
	if block.Header == nil || block.Header.ID() != targetHash {
		return nil, &chainsync.BadPeer{
			Peer:       peer.Peer,
			Reputation: chainsync.ReputationVerificationFailed,
			Reason:     "warp target header mismatch",
		}
	}
	if block.Body == nil {
		return nil, &chainsync.BadPeer{
			Peer:       peer.Peer,
			Reputation: chainsync.ReputationVerificationFailed,
			Reason:     "warp target body missing",
		}
	}

	result := WarpSyncResult{
		TargetHeader: block.Header,
		TargetBody:   block.Body,
	}
	if block.Justification != nil {
		result.TargetJustifications = *block.Justification
	}
	w.result = &result
	w.phase = WarpComplete
	w.log.Info().
		Uint64("target", block.Header.Number).
		Str("block", targetHash.String()).
		Msg("warp sync complete")
	return []Action{WarpSyncFinished{Result: result}}, nil
}
