// Package chainsync implements the block download state machine that brings
// a node from its current best block to the best block advertised by its
// peers. The core is IO-free: network sends, peer penalties, and import
// queue submissions are emitted as actions for the surrounding engine to
// execute.
package chainsync

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
	"github.com/karstlabs/karst/module"
)

// ForkTarget is a known fork head that some peers have and we want.
type ForkTarget struct {
	Number     uint64
	ParentHash *karst.Hash
	Peers      map[karst.PeerID]struct{}
}

// allowedRequests tracks which peers may be sent a new block request. It is
// the idle detection of the scheduler: when the set is empty nothing has
// changed since the last scheduling pass, so there is nothing new to send.
type allowedRequests struct {
	all bool
	set map[karst.PeerID]struct{}
}

func emptyAllowedRequests() allowedRequests {
	return allowedRequests{set: make(map[karst.PeerID]struct{})}
}

func (a *allowedRequests) add(peer karst.PeerID) {
	if a.all {
		return
	}
	a.set[peer] = struct{}{}
}

func (a *allowedRequests) setAll() {
	a.all = true
	a.set = make(map[karst.PeerID]struct{})
}

func (a *allowedRequests) isEmpty() bool {
	return !a.all && len(a.set) == 0
}

func (a *allowedRequests) take() allowedRequests {
	taken := *a
	*a = emptyAllowedRequests()
	return taken
}

func (a allowedRequests) contains(peer karst.PeerID) bool {
	if a.all {
		return true
	}
	_, ok := a.set[peer]
	return ok
}

// SyncStateKind classifies overall sync progress.
type SyncStateKind int

const (
	// SyncIdle means we are at most a few blocks behind the peer majority.
	SyncIdle SyncStateKind = iota
	// SyncDownloading means we are fetching a significant number of blocks.
	SyncDownloading
	// SyncImporting means downloads have caught up but the import queue is
	// still working through the backlog.
	SyncImporting
)

// SyncStatus is a snapshot of sync progress for reporting.
type SyncStatus struct {
	State SyncStateKind

	// Target is the median best block of our peers, when syncing.
	Target uint64

	// BestSeenBlock is the median peer best when it is ahead of us.
	BestSeenBlock *uint64

	NumPeers     int
	QueuedBlocks int

	// WarpPhase describes warp sync progress, empty when not warping.
	WarpPhase string
}

// IsMajorSyncing reports whether the node is far behind the network.
func (s SyncStatus) IsMajorSyncing() bool {
	return s.State != SyncIdle
}

// ChainSync is the sync orchestrator. All methods are safe for concurrent
// use; internally a single mutex serializes every event, so the state
// machine observes a strict event order.
type ChainSync struct {
	mu sync.Mutex

	log     zerolog.Logger
	config  Config
	metrics module.ChainSyncMetrics
	chain   module.ChainStatus

	mode SyncMode
	warp *WarpSync

	peers       map[karst.PeerID]*PeerSync
	blocks      *BlockCollection
	forkTargets map[karst.Hash]*ForkTarget
	extras      *ExtraRequests

	queuedBlocks     map[karst.Hash]struct{}
	bestQueuedHash   karst.Hash
	bestQueuedNumber uint64
	genesisHash      karst.Hash

	allowed   allowedRequests
	actions   []Action
	requestID atomic.Uint64
}

// New initializes the sync state machine against the current chain heads.
// In warp mode with finalized state already present the warp phase is
// skipped entirely.
func New(
	log zerolog.Logger,
	config Config,
	chain module.ChainStatus,
	warpProvider module.WarpSyncProvider,
	metrics module.ChainSyncMetrics,
) (*ChainSync, error) {

	if err := config.valid(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}

	info, err := chain.Info()
	if err != nil {
		return nil, fmt.Errorf("could not read chain info: %w", err)
	}

	cs := &ChainSync{
		log:              log.With().Str("component", "chain_sync").Logger(),
		config:           config,
		metrics:          metrics,
		chain:            chain,
		mode:             config.Mode,
		peers:            make(map[karst.PeerID]*PeerSync),
		blocks:           NewBlockCollection(),
		forkTargets:      make(map[karst.Hash]*ForkTarget),
		extras:           NewExtraRequests(log),
		queuedBlocks:     make(map[karst.Hash]struct{}),
		bestQueuedHash:   info.BestHash,
		bestQueuedNumber: info.BestNumber,
		genesisHash:      info.GenesisHash,
		allowed:          emptyAllowedRequests(),
	}

	if cs.mode == ModeWarp {
		if warpProvider == nil {
			return nil, fmt.Errorf("warp sync requires a warp proof provider")
		}
		cs.warp = NewWarpSync(cs.log, warpProvider, info.GenesisHash, config.MinPeersForWarpSync, info.FinalizedStateAvailable)
		if cs.warp.IsComplete() {
			cs.mode = ModeFull
			cs.warp = nil
		}
	}

	cs.log.Info().
		Str("mode", cs.mode.String()).
		Uint64("best", cs.bestQueuedNumber).
		Msg("chain sync initialized")

	return cs, nil
}

func (cs *ChainSync) nextRequestID() uint64 {
	return cs.requestID.Inc()
}

// warping reports whether the warp bootstrap is still in progress.
func (cs *ChainSync) warping() bool {
	return cs.warp != nil && !cs.warp.IsComplete()
}

// RegisterPeer adds a newly connected peer. A returned BadPeer error means
// the peer should be penalized and dropped; the caller is responsible for
// the disconnect.
func (cs *ChainSync) RegisterPeer(peer karst.PeerID, bestHash karst.Hash, bestNumber uint64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	request, err := cs.registerPeerInner(peer, bestHash, bestNumber)
	if err != nil {
		return err
	}
	if request != nil {
		cs.actions = append(cs.actions, SendBlockRequest{Peer: peer, Request: *request})
	}
	return nil
}

// registerPeerInner classifies the peer and returns the initial ancestry
// request, if one is needed.
func (cs *ChainSync) registerPeerInner(peer karst.PeerID, bestHash karst.Hash, bestNumber uint64) (*chainsync.BlockRequest, error) {

	status, err := cs.chain.BlockStatus(bestHash)
	if err != nil {
		return nil, &chainsync.BadPeer{
			Peer:       peer,
			Reputation: chainsync.ReputationBlockchainReadError,
			Reason:     "could not check best block status",
		}
	}

	switch status {
	case karst.StatusKnownBad:
		cs.log.Info().
			Str("peer", peer.String()).
			Str("best", bestHash.String()).
			Msg("new peer with known bad best block")
		return nil, &chainsync.BadPeer{
			Peer:       peer,
			Reputation: chainsync.ReputationBadBlock,
			Reason:     "best block is known bad",
		}

	case karst.StatusUnknown:
		if bestNumber == 0 {
			// An unknown block at height zero is a different genesis, so
			// the peer is on a different chain entirely.
			cs.log.Info().
				Str("peer", peer.String()).
				Str("best", bestHash.String()).
				Msg("new peer with unknown genesis hash")
			return nil, &chainsync.BadPeer{
				Peer:       peer,
				Reputation: chainsync.ReputationGenesisMismatch,
				Reason:     "genesis mismatch",
			}
		}

		// With a large import backlog an ancestor search is not worth it;
		// assume the common block is our best queued and revisit later.
		if len(cs.queuedBlocks) > int(cs.config.MajorSyncThreshold) {
			p := newPeerSync(peer, bestHash, bestNumber, cs.config.AnnounceCacheSize)
			p.CommonNumber = cs.bestQueuedNumber
			cs.peers[peer] = p
			return nil, nil
		}

		p := newPeerSync(peer, bestHash, bestNumber, cs.config.AnnounceCacheSize)
		var request *chainsync.BlockRequest

		// During warp bootstrap the peer only serves warp requests; the
		// common ancestor is found after the target block is installed.
		if cs.bestQueuedNumber == 0 || cs.warping() {
			cs.log.Debug().
				Str("peer", peer.String()).
				Uint64("best", bestNumber).
				Msg("new peer available for sync")
		} else {
			common := min64(cs.bestQueuedNumber, bestNumber)
			p.State = PeerSyncState{
				Kind:            PeerAncestorSearch,
				AncestorCurrent: common,
				AncestorStart:   cs.bestQueuedNumber,
				Ancestor:        newAncestorSearch(),
			}
			cs.log.Debug().
				Str("peer", peer.String()).
				Uint64("probe", common).
				Msg("new peer, searching common ancestor")
			req := cs.ancestryRequest(common)
			request = &req
		}
		cs.allowed.add(peer)
		cs.peers[peer] = p
		return request, nil

	default:
		// Queued, InChain, InChainPruned: we already know their best.
		p := newPeerSync(peer, bestHash, bestNumber, cs.config.AnnounceCacheSize)
		p.CommonNumber = min64(cs.bestQueuedNumber, bestNumber)
		cs.peers[peer] = p
		cs.allowed.add(peer)
		return nil, nil
	}
}

// PeerDisconnected removes all per-peer state and requeues whatever the
// peer was serving.
func (cs *ChainSync) PeerDisconnected(peer karst.PeerID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.blocks.ClearPeerDownload(peer)
	delete(cs.peers, peer)
	cs.extras.PeerDisconnected(peer)
	cs.allowed.setAll()
	for hash, target := range cs.forkTargets {
		delete(target.Peers, peer)
		if len(target.Peers) == 0 {
			delete(cs.forkTargets, hash)
		}
	}

	// The disconnect may have unblocked a contiguous run of downloads.
	ready := cs.blocks.Drain(cs.bestQueuedNumber)
	if len(ready) > 0 {
		cs.queueBlocks(cs.toIncoming(ready))
	}
}

// ancestryRequest probes the peer's block at the given number.
func (cs *ChainSync) ancestryRequest(number uint64) chainsync.BlockRequest {
	return chainsync.BlockRequest{
		ID:        cs.nextRequestID(),
		Fields:    chainsync.AttributeHeader | chainsync.AttributeJustification,
		From:      chainsync.FromNumber(number),
		Direction: chainsync.Ascending,
		Max:       1,
	}
}

func (cs *ChainSync) blockAttributes() chainsync.BlockAttributes {
	return chainsync.AttributeHeader | chainsync.AttributeBody
}

// OnBlockData processes a block response. The request must be the one the
// response answers; descending responses are re-ordered ascending before
// validation. A returned BadPeer error means the peer misbehaved and has
// already been removed from the sync state.
func (cs *ChainSync) OnBlockData(peer karst.PeerID, request *chainsync.BlockRequest, blocks []chainsync.BlockData) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	p, exists := cs.peers[peer]
	if !exists {
		return cs.dropInternal(peer, chainsync.ReputationNotRequested, "block response from unknown peer")
	}

	if request != nil && request.Direction == chainsync.Descending {
		reversed := make([]chainsync.BlockData, len(blocks))
		for i, b := range blocks {
			reversed[len(blocks)-1-i] = b
		}
		blocks = reversed
	}

	cs.allowed.add(peer)

	var newBlocks []readyBlock
	stale := p.State.Kind == PeerDownloadingStale

	switch p.State.Kind {
	case PeerDownloadingNew:
		start := p.State.StartNumber
		cs.blocks.ClearPeerDownload(peer)
		p.State = available()
		validatedStart, bad := cs.validateBlocks(peer, request, blocks)
		if bad != nil {
			return cs.dropPeerLocked(p, bad)
		}
		if validatedStart != nil {
			start = *validatedStart
		}
		cs.blocks.Insert(start, blocks, peer)
		newBlocks = cs.blocks.Drain(cs.bestQueuedNumber)

	case PeerDownloadingStale:
		p.State = available()
		if len(blocks) == 0 {
			return cs.dropPeerLocked(p, &chainsync.BadPeer{
				Peer:       peer,
				Reputation: chainsync.ReputationNoBlock,
				Reason:     "empty response for stale fork request",
			})
		}
		if _, bad := cs.validateBlocks(peer, request, blocks); bad != nil {
			return cs.dropPeerLocked(p, bad)
		}
		for _, b := range blocks {
			newBlocks = append(newBlocks, readyBlock{Block: b, Origin: peer})
		}

	case PeerAncestorSearch:
		return cs.onAncestorSearchResponse(p, blocks)

	case PeerDownloadingWarpTarget:
		if cs.warp == nil {
			return cs.dropPeerLocked(p, &chainsync.BadPeer{
				Peer:       peer,
				Reputation: chainsync.ReputationNotRequested,
				Reason:     "warp target response without warp sync",
			})
		}
		actions, bad := cs.warp.OnTargetBlockResponse(p, blocks)
		if bad != nil {
			return cs.dropPeerLocked(p, bad)
		}
		cs.actions = append(cs.actions, actions...)
		if cs.warp.IsComplete() {
			cs.finishWarpSync(peer)
		}
		return nil

	default:
		// Stray response; tolerate an empty one, which peers send when
		// they cannot serve a request we may have already given up on.
		if len(blocks) == 0 {
			return nil
		}
		return cs.dropPeerLocked(p, &chainsync.BadPeer{
			Peer:       peer,
			Reputation: chainsync.ReputationNotRequested,
			Reason:     "unexpected block response",
		})
	}

	if len(newBlocks) > 0 {
		incoming := cs.toIncoming(newBlocks)
		if stale {
			// Stale fork blocks may import without the parent state.
			for i := range incoming {
				incoming[i].AllowMissingState = true
			}
		}
		cs.queueBlocks(incoming)
	}
	return nil
}

func (cs *ChainSync) toIncoming(ready []readyBlock) []chainsync.IncomingBlock {
	incoming := make([]chainsync.IncomingBlock, 0, len(ready))
	for _, rb := range ready {
		origin := rb.Origin
		block := chainsync.IncomingBlock{
			Hash:   rb.Block.Hash,
			Header: rb.Block.Header,
			Body:   rb.Block.Body,
			Origin: &origin,
		}
		if rb.Block.Justification != nil {
			block.Justifications = *rb.Block.Justification
		}
		incoming = append(incoming, block)
	}
	return incoming
}

// onAncestorSearchResponse advances the ancestor search with the probe
// outcome carried by the response.
func (cs *ChainSync) onAncestorSearchResponse(p *PeerSync, blocks []chainsync.BlockData) error {

	current := p.State.AncestorCurrent
	start := p.State.AncestorStart

	if len(blocks) == 0 {
		// The peer advertised a chain at least this long, so it must be
		// able to answer the probe.
		return cs.dropPeerLocked(p, &chainsync.BadPeer{
			Peer:       p.Peer,
			Reputation: chainsync.ReputationUnknownAncestor,
			Reason:     "empty ancestry probe response",
		})
	}

	ourHash, err := cs.chain.HashByNumber(current)
	if err != nil {
		return cs.dropPeerLocked(p, &chainsync.BadPeer{
			Peer:       p.Peer,
			Reputation: chainsync.ReputationBlockchainReadError,
			Reason:     "could not read canonical hash",
		})
	}
	hashMatch := ourHash != nil && *ourHash == blocks[0].Hash

	if hashMatch {
		if start < cs.bestQueuedNumber && cs.bestQueuedNumber <= p.BestNumber {
			// Our chain advanced past the search start while probing, and
			// the peer covers the new best as well.
			p.CommonNumber = cs.bestQueuedNumber
		} else if p.CommonNumber < current {
			p.CommonNumber = current
		}
	}

	if !hashMatch && current == 0 {
		cs.log.Info().
			Str("peer", p.Peer.String()).
			Msg("ancestry search: genesis mismatch")
		return cs.dropPeerLocked(p, &chainsync.BadPeer{
			Peer:       p.Peer,
			Reputation: chainsync.ReputationGenesisMismatch,
			Reason:     "genesis mismatch during ancestry search",
		})
	}

	next, probe, done := handleAncestorSearch(p.State.Ancestor, current, hashMatch)
	if !done {
		p.State = PeerSyncState{
			Kind:            PeerAncestorSearch,
			AncestorCurrent: probe,
			AncestorStart:   start,
			Ancestor:        next,
		}
		cs.actions = append(cs.actions, SendBlockRequest{Peer: p.Peer, Request: cs.ancestryRequest(probe)})
		return nil
	}

	// Search concluded. A peer whose best sits below ours but off our
	// chain is on a fork we want.
	if p.CommonNumber < p.BestNumber && p.BestNumber < cs.bestQueuedNumber {
		cs.log.Debug().
			Str("peer", p.Peer.String()).
			Uint64("number", p.BestNumber).
			Msg("added fork target from ancestry search")
		target, exists := cs.forkTargets[p.BestHash]
		if !exists {
			target = &ForkTarget{Number: p.BestNumber, Peers: make(map[karst.PeerID]struct{})}
			cs.forkTargets[p.BestHash] = target
		}
		target.Peers[p.Peer] = struct{}{}
	}
	p.State = available()
	return nil
}

// OnBlockJustification processes the response to a justification request.
func (cs *ChainSync) OnBlockJustification(peer karst.PeerID, blocks []chainsync.BlockData) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	p, exists := cs.peers[peer]
	if !exists {
		return cs.dropInternal(peer, chainsync.ReputationNotRequested, "justification response from unknown peer")
	}
	if p.State.Kind != PeerDownloadingJustification {
		return cs.dropPeerLocked(p, &chainsync.BadPeer{
			Peer:       peer,
			Reputation: chainsync.ReputationNotRequested,
			Reason:     "unexpected justification response",
		})
	}
	requested := p.State.Target
	p.State = available()

	var justifications karst.Justifications
	if len(blocks) > 0 {
		block := blocks[0]
		if block.Hash != requested {
			return cs.dropPeerLocked(p, &chainsync.BadPeer{
				Peer:       peer,
				Reputation: chainsync.ReputationBadJustification,
				Reason:     "justification for wrong block",
			})
		}
		if block.Justification != nil {
			justifications = *block.Justification
		}
	}

	// An empty response is allowed: the peer may not have the proof yet.
	hash, number, ok := cs.extras.OnResponse(peer, len(justifications) > 0)
	if ok {
		cs.actions = append(cs.actions, ImportJustifications{
			Peer:           peer,
			Hash:           hash,
			Number:         number,
			Justifications: justifications,
		})
	}
	cs.allowed.add(peer)
	return nil
}

// OnWarpProofResponse processes a warp proof fragment.
func (cs *ChainSync) OnWarpProofResponse(peer karst.PeerID, proof chainsync.EncodedProof) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	p, exists := cs.peers[peer]
	if !exists {
		return cs.dropInternal(peer, chainsync.ReputationNotRequested, "warp proof from unknown peer")
	}
	if cs.warp == nil {
		return cs.dropPeerLocked(p, &chainsync.BadPeer{
			Peer:       peer,
			Reputation: chainsync.ReputationNotRequested,
			Reason:     "warp proof without warp sync",
		})
	}
	actions, bad := cs.warp.OnProofResponse(p, proof)
	if bad != nil {
		return cs.dropPeerLocked(p, bad)
	}
	cs.actions = append(cs.actions, actions...)
	cs.metrics.WarpPhase(cs.warp.Phase().String())
	return nil
}

// finishWarpSync installs the warp target block as the new sync start and
// switches to full sync.
func (cs *ChainSync) finishWarpSync(from karst.PeerID) {
	result := cs.warp.Result()
	header := result.TargetHeader
	hash := header.ID()

	cs.metrics.WarpPhase(cs.warp.Phase().String())

	origin := from
	incoming := chainsync.IncomingBlock{
		Hash:              hash,
		Header:            header,
		Body:              result.TargetBody,
		Justifications:    result.TargetJustifications,
		Origin:            &origin,
		AllowMissingState: true,
		SkipExecution:     true,
	}
	cs.queuedBlocks[hash] = struct{}{}
	cs.actions = append(cs.actions, ImportBlocks{
		Origin: karst.OriginNetworkInitialSync,
		Blocks: []chainsync.IncomingBlock{incoming},
	})

	cs.mode = ModeFull
	cs.onBlockQueued(hash, header.Number)
	cs.log.Info().
		Uint64("target", header.Number).
		Msg("warp sync finished, switching to full sync")
}

// validateBlocks sanity checks a response against its request and returns
// the number of the first (lowest) block, when known.
func (cs *ChainSync) validateBlocks(peer karst.PeerID, request *chainsync.BlockRequest, blocks []chainsync.BlockData) (*uint64, *chainsync.BadPeer) {

	if request != nil {
		if uint32(len(blocks)) > request.MaxOrDefault(cs.config.MaxBlocksPerRequest) {
			return nil, &chainsync.BadPeer{
				Peer:       peer,
				Reputation: chainsync.ReputationNotRequested,
				Reason:     "response longer than requested",
			}
		}

		// The block answering request.From sits at the end after the
		// descending response was reversed, at the front otherwise.
		var boundary *chainsync.BlockData
		if len(blocks) > 0 {
			if request.Direction == chainsync.Descending {
				boundary = &blocks[len(blocks)-1]
			} else {
				boundary = &blocks[0]
			}
		}
		expected := false
		if boundary != nil && boundary.Header != nil {
			if request.From.Hash != nil {
				expected = boundary.Header.ID() == *request.From.Hash
			} else {
				expected = boundary.Header.Number == request.From.Number
			}
		}
		if !expected {
			return nil, &chainsync.BadPeer{
				Peer:       peer,
				Reputation: chainsync.ReputationNotRequested,
				Reason:     "response does not start at requested block",
			}
		}

		if request.Fields.Contains(chainsync.AttributeHeader) {
			for _, b := range blocks {
				if b.Header == nil {
					return nil, &chainsync.BadPeer{
						Peer:       peer,
						Reputation: chainsync.ReputationBadResponse,
						Reason:     "requested header missing from response",
					}
				}
			}
		}
		if request.Fields.Contains(chainsync.AttributeBody) {
			for _, b := range blocks {
				if b.Body == nil {
					return nil, &chainsync.BadPeer{
						Peer:       peer,
						Reputation: chainsync.ReputationBadResponse,
						Reason:     "requested body missing from response",
					}
				}
			}
		}
	}

	for _, b := range blocks {
		if b.Header == nil {
			continue
		}
		if b.Header.ID() != b.Hash {
			cs.log.Debug().
				Str("peer", peer.String()).
				Str("block", b.Hash.String()).
				Msg("block header hash mismatch")
			return nil, &chainsync.BadPeer{
				Peer:       peer,
				Reputation: chainsync.ReputationBadBlock,
				Reason:     "header does not hash to advertised block hash",
			}
		}
	}

	if len(blocks) > 0 && blocks[0].Header != nil {
		number := blocks[0].Header.Number
		return &number, nil
	}
	return nil, nil
}

// queueBlocks hands validated blocks to the import queue and advances the
// best queued cursor.
func (cs *ChainSync) queueBlocks(blocks []chainsync.IncomingBlock) {

	filtered := blocks[:0]
	for _, b := range blocks {
		if _, queued := cs.queuedBlocks[b.Hash]; !queued {
			filtered = append(filtered, b)
		}
	}
	if len(filtered) == 0 {
		return
	}

	// Blocks the network gossiped to us get the broadcast origin, which
	// verifiers treat with full scrutiny; bulk downloads do not.
	origin := karst.OriginNetworkInitialSync
	if cs.recentlyAnnounced(filtered[0].Hash) {
		origin = karst.OriginNetworkBroadcast
	}

	for _, b := range filtered {
		cs.queuedBlocks[b.Hash] = struct{}{}
	}
	last := filtered[len(filtered)-1]
	if last.Header != nil {
		cs.onBlockQueued(last.Hash, last.Header.Number)
	}

	cs.metrics.BlocksQueued(len(cs.queuedBlocks))
	cs.log.Trace().
		Int("count", len(filtered)).
		Str("origin", origin.String()).
		Msg("queueing blocks for import")

	cs.actions = append(cs.actions, ImportBlocks{Origin: origin, Blocks: filtered})
}

func (cs *ChainSync) recentlyAnnounced(hash karst.Hash) bool {
	for _, peer := range cs.peers {
		if peer.RecentlyAnnounced(hash) {
			return true
		}
	}
	return false
}

// onBlockQueued advances the best queued cursor and refreshes the common
// numbers of all peers that plausibly share the new best.
func (cs *ChainSync) onBlockQueued(hash karst.Hash, number uint64) {

	if _, isFork := cs.forkTargets[hash]; isFork {
		delete(cs.forkTargets, hash)
		cs.log.Debug().Str("block", hash.String()).Msg("completed fork sync")
	}

	if number > cs.bestQueuedNumber {
		cs.bestQueuedNumber = number
		cs.bestQueuedHash = hash
		cs.metrics.BestQueuedNumber(number)

		for _, peer := range cs.peers {
			if peer.State.Kind == PeerAncestorSearch {
				// The search will settle the common number itself.
				continue
			}
			if peer.BestNumber >= number {
				peer.CommonNumber = number
			} else {
				peer.CommonNumber = peer.BestNumber
			}
		}
	}
	cs.allowed.setAll()
}

// OnBlocksProcessed ingests a batch of import results. Fatal block errors
// penalize the responsible peer and restart the sync from the database
// heads.
func (cs *ChainSync) OnBlocksProcessed(imported int, count int, results []chainsync.ImportResult) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.log.Trace().Int("imported", imported).Int("count", count).Msg("blocks processed")

	for _, result := range results {
		delete(cs.queuedBlocks, result.Hash)
		cs.blocks.ClearQueued(result.Hash)
	}
	cs.metrics.BlocksQueued(len(cs.queuedBlocks))

	hasError := false
	for _, result := range results {
		if hasError {
			// After the first fatal error the rest of the batch is noise:
			// the restart below already invalidated it.
			break
		}
		cs.metrics.ImportOutcome(result.Outcome.String())

		switch result.Outcome {
		case chainsync.ImportedKnown:
			if result.Origin != nil {
				cs.updatePeerCommonNumber(*result.Origin, result.Number)
			}

		case chainsync.ImportedUnknown:
			aux := result.Aux
			if aux.ClearJustificationRequests {
				cs.extras.Reset()
			}
			if aux.NeedsJustification {
				cs.extras.Schedule(result.Hash, result.Number)
			}
			if aux.BadJustification && result.Origin != nil {
				cs.log.Warn().
					Str("peer", result.Origin.String()).
					Str("block", result.Hash.String()).
					Msg("sent block with bad justification")
				cs.dropPeerByID(*result.Origin, chainsync.ReputationBadJustification, "bad justification attached to block")
			}
			if result.Origin != nil {
				cs.updatePeerCommonNumber(*result.Origin, result.Number)
			}

		case chainsync.ImportIncompleteHeader:
			hasError = true
			if result.Origin != nil {
				cs.log.Warn().
					Str("peer", result.Origin.String()).
					Msg("peer sent block with incomplete header")
				cs.dropPeerByID(*result.Origin, chainsync.ReputationIncompleteHeader, "incomplete header")
			}
			cs.restart()

		case chainsync.ImportVerificationFailed:
			hasError = true
			if result.Origin != nil {
				cs.log.Warn().
					Str("peer", result.Origin.String()).
					Str("block", result.Hash.String()).
					Msg("block verification failed")
				cs.dropPeerByID(*result.Origin, chainsync.ReputationVerificationFailed, "block verification failed")
			}
			cs.restart()

		case chainsync.ImportBadBlock:
			hasError = true
			if result.Origin != nil {
				cs.log.Warn().
					Str("peer", result.Origin.String()).
					Str("block", result.Hash.String()).
					Msg("block has been blacklisted")
				cs.dropPeerByID(*result.Origin, chainsync.ReputationBadBlock, "bad block")
			}
			cs.restart()

		case chainsync.ImportMissingState:
			// Obsolete: the parent state was pruned while the block sat in
			// the queue. It will not be re-requested.
			cs.log.Trace().Str("block", result.Hash.String()).Msg("obsolete block, missing parent state")

		case chainsync.ImportUnknownParent, chainsync.ImportCancelled, chainsync.ImportOtherError:
			hasError = true
			cs.log.Warn().
				Str("block", result.Hash.String()).
				Str("outcome", result.Outcome.String()).
				Msg("error importing block")
			cs.restart()
		}
	}

	cs.allowed.setAll()
}

func (cs *ChainSync) updatePeerCommonNumber(peer karst.PeerID, number uint64) {
	if p, exists := cs.peers[peer]; exists {
		p.UpdateCommonNumber(number)
	}
}

// OnJustificationImport records the outcome of a justification import.
func (cs *ChainSync) OnJustificationImport(hash karst.Hash, number uint64, success bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.extras.OnImportResult(hash, number, success)
	cs.allowed.setAll()
}

// OnBlockFinalized prunes sync state the new finalized block obsoletes.
func (cs *ChainSync) OnBlockFinalized(hash karst.Hash, number uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	err := cs.extras.OnBlockFinalized(hash, number, cs.chain.IsDescendantOf)
	if err != nil {
		cs.log.Warn().Err(err).Msg("could not prune justification requests")
	}
	for forkHash, target := range cs.forkTargets {
		if target.Number <= number {
			delete(cs.forkTargets, forkHash)
		}
	}
}

// RequestJustification asks the network for a finality proof of the given
// block.
func (cs *ChainSync) RequestJustification(hash karst.Hash, number uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.extras.Schedule(hash, number)
	cs.allowed.setAll()
}

// ClearJustificationRequests drops all pending justification requests.
func (cs *ChainSync) ClearJustificationRequests() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.extras.Reset()
}

// SetWarpSyncTarget installs an externally provided warp target header.
func (cs *ChainSync) SetWarpSyncTarget(header *karst.Header) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.warp == nil || !cs.warp.SetTarget(header) {
		cs.log.Debug().Msg("ignoring warp sync target, no warp sync waiting for one")
		return
	}
	cs.allowed.setAll()
}

// OnValidatedBlockAnnounce ingests a block announcement that already passed
// consensus validation.
func (cs *ChainSync) OnValidatedBlockAnnounce(peer karst.PeerID, announce *chainsync.BlockAnnounce, isBest bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	header := announce.Header
	number := header.Number
	hash := header.ID()

	p, exists := cs.peers[peer]
	if !exists {
		return
	}

	p.RememberAnnounce(hash)
	if isBest {
		p.BestNumber = number
		p.BestHash = hash
	}

	if p.State.Kind == PeerAncestorSearch {
		// The best was updated above; the running search settles the rest.
		return
	}

	known := cs.isKnown(hash)
	parentStatus := karst.StatusUnknown
	if status, err := cs.chain.BlockStatus(header.ParentHash); err == nil {
		parentStatus = status
	}
	knownParent := parentStatus != karst.StatusUnknown || cs.isKnown(header.ParentHash)

	// If the announced best is not ahead of us, the common block moved up
	// to it (or to its parent, when only the parent is shared).
	if isBest {
		if known && cs.bestQueuedNumber >= number {
			p.UpdateCommonNumber(number)
		} else if header.ParentHash == cs.bestQueuedHash || (knownParent && cs.bestQueuedNumber >= number) {
			if number > 0 {
				p.UpdateCommonNumber(number - 1)
			}
		}
	}
	cs.allowed.add(peer)

	if known {
		return
	}
	if parentStatus == karst.StatusInChainPruned {
		cs.log.Trace().
			Str("peer", peer.String()).
			Str("block", hash.String()).
			Msg("ignored announce with ancient parent")
		return
	}

	// A new head at or below our best is a fork we should fetch.
	if number <= cs.bestQueuedNumber {
		parent := header.ParentHash
		target, tracked := cs.forkTargets[hash]
		if !tracked {
			target = &ForkTarget{
				Number:     number,
				ParentHash: &parent,
				Peers:      make(map[karst.PeerID]struct{}),
			}
			cs.forkTargets[hash] = target
		}
		target.Peers[peer] = struct{}{}
	}
}

func (cs *ChainSync) isKnown(hash karst.Hash) bool {
	if _, queued := cs.queuedBlocks[hash]; queued {
		return true
	}
	status, err := cs.chain.BlockStatus(hash)
	return err == nil && status != karst.StatusUnknown
}

// SetForkSyncRequest explicitly asks for a fork head to be downloaded. With
// no peers given, all peers that claim to have the block are candidates.
func (cs *ChainSync) SetForkSyncRequest(hash karst.Hash, number uint64, peers ...karst.PeerID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if len(peers) == 0 {
		for id, p := range cs.peers {
			if p.BestNumber >= number {
				peers = append(peers, id)
			}
		}
		cs.log.Debug().
			Str("block", hash.String()).
			Int("peers", len(peers)).
			Msg("explicit fork sync request with no peers specified")
	}
	if cs.isKnown(hash) {
		return
	}
	target, tracked := cs.forkTargets[hash]
	if !tracked {
		target = &ForkTarget{Number: number, Peers: make(map[karst.PeerID]struct{})}
		cs.forkTargets[hash] = target
	}
	for _, peer := range peers {
		target.Peers[peer] = struct{}{}
	}
	cs.allowed.setAll()
}

// restart clears all download state and re-registers every peer against the
// chain heads. Peers serving justification requests keep them.
func (cs *ChainSync) restart() {
	cs.blocks.Clear()
	cs.resetSyncStartPoint()
	cs.allowed.setAll()

	cs.log.Debug().
		Uint64("best", cs.bestQueuedNumber).
		Str("hash", cs.bestQueuedHash.String()).
		Msg("restarted sync")

	old := cs.peers
	cs.peers = make(map[karst.PeerID]*PeerSync)
	for id, p := range old {
		if p.State.Kind == PeerDownloadingJustification {
			p.CommonNumber = cs.bestQueuedNumber
			cs.peers[id] = p
			continue
		}
		request, err := cs.registerPeerInner(id, p.BestHash, p.BestNumber)
		if err != nil {
			var bad *chainsync.BadPeer
			if errors.As(err, &bad) {
				cs.actions = append(cs.actions, DropPeer{Peer: *bad})
				cs.metrics.PeerBanned(bad.Reason)
			}
			continue
		}
		if request != nil {
			cs.actions = append(cs.actions, SendBlockRequest{Peer: id, Request: *request})
		} else {
			// No follow-up request; whatever the peer was serving before the
			// restart is no longer expected.
			cs.actions = append(cs.actions, CancelBlockRequest{Peer: id})
		}
	}
}

// resetSyncStartPoint re-reads the chain heads. A warp bootstrap against a
// partially synced database makes no sense, so it falls back to full sync.
func (cs *ChainSync) resetSyncStartPoint() {
	info, err := cs.chain.Info()
	if err != nil {
		cs.log.Warn().Err(err).Msg("could not reset sync start point")
		return
	}
	if cs.mode == ModeWarp && info.FinalizedStateAvailable {
		cs.log.Warn().Msg("database already has finalized state, reverting to full sync mode")
		cs.mode = ModeFull
		cs.warp = nil
	}
	cs.bestQueuedHash = info.BestHash
	cs.bestQueuedNumber = info.BestNumber
}

// dropPeerLocked removes the peer and registers the penalty, then returns
// the BadPeer as an error for the caller.
func (cs *ChainSync) dropPeerLocked(p *PeerSync, bad *chainsync.BadPeer) error {
	cs.blocks.ClearPeerDownload(p.Peer)
	delete(cs.peers, p.Peer)
	cs.extras.PeerDisconnected(p.Peer)
	cs.metrics.PeerBanned(bad.Reason)
	return bad
}

func (cs *ChainSync) dropInternal(peer karst.PeerID, reputation int32, reason string) error {
	bad := &chainsync.BadPeer{Peer: peer, Reputation: reputation, Reason: reason}
	cs.metrics.PeerBanned(reason)
	return bad
}

// dropPeerByID emits a DropPeer action for an import-time offender.
func (cs *ChainSync) dropPeerByID(peer karst.PeerID, reputation int32, reason string) {
	bad := chainsync.BadPeer{Peer: peer, Reputation: reputation, Reason: reason}
	cs.blocks.ClearPeerDownload(peer)
	delete(cs.peers, peer)
	cs.extras.PeerDisconnected(peer)
	cs.metrics.PeerBanned(reason)
	cs.actions = append(cs.actions, DropPeer{Peer: bad})
}

// medianSeen is the median best block advertised by our peers.
func (cs *ChainSync) medianSeen() (uint64, bool) {
	if len(cs.peers) == 0 {
		return 0, false
	}
	bests := make([]uint64, 0, len(cs.peers))
	for _, p := range cs.peers {
		bests = append(bests, p.BestNumber)
	}
	sort.Slice(bests, func(i, j int) bool { return bests[i] < bests[j] })
	return bests[len(bests)/2], true
}

// Status reports overall sync progress.
func (cs *ChainSync) Status() SyncStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.statusLocked()
}

func (cs *ChainSync) statusLocked() SyncStatus {
	status := SyncStatus{
		State:        SyncIdle,
		NumPeers:     len(cs.peers),
		QueuedBlocks: len(cs.queuedBlocks),
	}
	if cs.warp != nil {
		status.WarpPhase = cs.warp.Phase().String()
	}

	median, ok := cs.medianSeen()
	if !ok {
		return status
	}
	if median > cs.bestQueuedNumber {
		best := median
		status.BestSeenBlock = &best
	}

	info, err := cs.chain.Info()
	if err != nil {
		return status
	}
	if median > info.BestNumber && median-info.BestNumber > cs.config.MajorSyncThreshold {
		status.Target = median
		if median > cs.bestQueuedNumber {
			status.State = SyncDownloading
		} else {
			status.State = SyncImporting
		}
	}
	return status
}

// PeersInfo summarizes the peer arena for diagnostics.
func (cs *ChainSync) PeersInfo() []PeerInfo {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	infos := make([]PeerInfo, 0, len(cs.peers))
	for _, p := range cs.peers {
		infos = append(infos, PeerInfo{
			Peer:         p.Peer,
			BestHash:     p.BestHash,
			BestNumber:   p.BestNumber,
			CommonNumber: p.CommonNumber,
			State:        p.State.String(),
		})
	}
	return infos
}

// Actions drains the pending actions, including freshly scheduled block,
// justification, and warp requests. The caller must execute every returned
// action.
func (cs *ChainSync) Actions() []Action {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.warping() {
		cs.actions = append(cs.actions, cs.warp.Requests(cs.peers, cs.nextRequestID)...)
		cs.metrics.WarpPhase(cs.warp.Phase().String())
	} else {
		cs.scheduleBlockRequests()
		cs.scheduleJustificationRequests()
	}

	out := cs.actions
	cs.actions = nil
	return out
}

// scheduleBlockRequests assigns work to every allowed available peer.
func (cs *ChainSync) scheduleBlockRequests() {
	if cs.allowed.isEmpty() {
		return
	}
	if len(cs.queuedBlocks) > int(cs.config.MaxQueuedBlocks) {
		cs.log.Trace().Int("queued", len(cs.queuedBlocks)).Msg("too many blocks in the queue")
		return
	}

	majorSyncing := cs.statusLocked().IsMajorSyncing()
	maxParallel := cs.config.MaxParallelDownloads
	if majorSyncing {
		maxParallel = 1
	}

	info, err := cs.chain.Info()
	if err != nil {
		cs.log.Warn().Err(err).Msg("could not read chain info for scheduling")
		return
	}
	lastFinalized := min64(cs.bestQueuedNumber, info.FinalizedNumber)

	allowed := cs.allowed.take()

	for id, peer := range cs.peers {
		if peer.State.Kind != PeerAvailable || !allowed.contains(id) {
			continue
		}

		// A common number fallen too far behind means our view of the
		// shared chain went stale; search for a better common block before
		// downloading from this peer again.
		if sub64(cs.bestQueuedNumber, peer.CommonNumber) > cs.config.maxBlocksToLookBackwards() &&
			cs.bestQueuedNumber < peer.BestNumber &&
			peer.CommonNumber < lastFinalized &&
			len(cs.queuedBlocks) <= int(cs.config.MajorSyncThreshold) {

			current := min64(peer.BestNumber, cs.bestQueuedNumber)
			cs.log.Trace().
				Str("peer", id.String()).
				Uint64("common", peer.CommonNumber).
				Uint64("best", cs.bestQueuedNumber).
				Msg("common block too far behind, restarting ancestry search")
			peer.State = PeerSyncState{
				Kind:            PeerAncestorSearch,
				AncestorCurrent: current,
				AncestorStart:   cs.bestQueuedNumber,
				Ancestor:        newAncestorSearch(),
			}
			cs.actions = append(cs.actions, SendBlockRequest{Peer: id, Request: cs.ancestryRequest(current)})
			continue
		}

		if request, start, ok := cs.peerBlockRequest(peer, maxParallel); ok {
			peer.State = PeerSyncState{Kind: PeerDownloadingNew, StartNumber: start}
			cs.metrics.RangeRequested(request.Max)
			cs.log.Trace().
				Str("peer", id.String()).
				Uint64("best", peer.BestNumber).
				Uint64("common", peer.CommonNumber).
				Str("from", request.From.String()).
				Uint32("max", request.Max).
				Msg("new block request")
			cs.actions = append(cs.actions, SendBlockRequest{Peer: id, Request: request})
			continue
		}

		if request, hash, ok := cs.forkSyncRequest(id, lastFinalized); ok {
			peer.State = PeerSyncState{Kind: PeerDownloadingStale, Target: hash}
			cs.log.Trace().
				Str("peer", id.String()).
				Str("fork", hash.String()).
				Msg("downloading fork")
			cs.actions = append(cs.actions, SendBlockRequest{Peer: id, Request: request})
		}
	}
}

// peerBlockRequest allocates the next forward-sync range for the peer. The
// request is descending from the range end so that truncated responses
// still connect to the blocks we have.
func (cs *ChainSync) peerBlockRequest(peer *PeerSync, maxParallel uint32) (chainsync.BlockRequest, uint64, bool) {

	if cs.bestQueuedNumber >= peer.BestNumber {
		// Anything this peer has for us is on a fork.
		return chainsync.BlockRequest{}, 0, false
	}

	start, count, ok := cs.blocks.NeededBlocks(
		peer.Peer,
		cs.config.MaxBlocksPerRequest,
		peer.BestNumber,
		peer.CommonNumber,
		maxParallel,
		cs.config.MaxDownloadAhead,
	)
	if !ok {
		return chainsync.BlockRequest{}, 0, false
	}

	last := start + uint64(count) - 1
	var from chainsync.FromBlock
	if last == peer.BestNumber {
		from = chainsync.FromHash(peer.BestHash)
	} else {
		from = chainsync.FromNumber(last)
	}
	request := chainsync.BlockRequest{
		ID:        cs.nextRequestID(),
		Fields:    cs.blockAttributes(),
		From:      from,
		Direction: chainsync.Descending,
		Max:       count,
	}
	return request, start, true
}

// forkSyncRequest finds a fork target the peer can serve. Expired and
// already-known targets are pruned on the way.
func (cs *ChainSync) forkSyncRequest(peer karst.PeerID, finalized uint64) (chainsync.BlockRequest, karst.Hash, bool) {

	for hash, target := range cs.forkTargets {
		if target.Number <= finalized {
			cs.log.Trace().
				Str("block", hash.String()).
				Uint64("number", target.Number).
				Msg("removed expired fork sync request")
			delete(cs.forkTargets, hash)
			continue
		}
		if cs.isKnown(hash) {
			cs.log.Trace().
				Str("block", hash.String()).
				Msg("removed obsolete fork sync request")
			delete(cs.forkTargets, hash)
			continue
		}
	}

	for hash, target := range cs.forkTargets {
		if _, has := target.Peers[peer]; !has {
			continue
		}
		// Forks too far ahead of the tip belong to forward sync instead.
		if target.Number > cs.bestQueuedNumber &&
			target.Number-cs.bestQueuedNumber >= uint64(cs.config.MaxBlocksPerRequest) {
			cs.log.Trace().
				Str("block", hash.String()).
				Uint64("number", target.Number).
				Msg("fork too far in the future")
			continue
		}

		// With an unknown parent the whole branch down to the finalized
		// block may be missing; otherwise the head alone suffices.
		count := uint32(1)
		parentKnown := false
		if target.ParentHash != nil {
			parentKnown = cs.isKnown(*target.ParentHash)
		}
		if !parentKnown {
			gap := target.Number - finalized
			if gap > uint64(cs.config.MaxBlocksPerRequest) {
				gap = uint64(cs.config.MaxBlocksPerRequest)
			}
			count = uint32(gap)
		}

		request := chainsync.BlockRequest{
			ID:        cs.nextRequestID(),
			Fields:    cs.blockAttributes(),
			From:      chainsync.FromHash(hash),
			Direction: chainsync.Descending,
			Max:       count,
		}
		return request, hash, true
	}
	return chainsync.BlockRequest{}, karst.ZeroHash, false
}

// scheduleJustificationRequests dispatches pending justification requests
// to suitable peers.
func (cs *ChainSync) scheduleJustificationRequests() {
	for {
		peer, hash, _, ok := cs.extras.Next(cs.peers)
		if !ok {
			return
		}
		p := cs.peers[peer]
		p.State = PeerSyncState{Kind: PeerDownloadingJustification, Target: hash}
		cs.metrics.JustificationRequested()
		request := chainsync.BlockRequest{
			ID:        cs.nextRequestID(),
			Fields:    chainsync.AttributeJustification,
			From:      chainsync.FromHash(hash),
			Direction: chainsync.Ascending,
			Max:       1,
		}
		cs.actions = append(cs.actions, SendBlockRequest{Peer: peer, Request: request})
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func sub64(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
