package chainsync

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/karstlabs/karst/model/karst"
)

// PeerSyncStateKind enumerates what a peer is currently doing for us.
type PeerSyncStateKind int

const (
	// PeerAvailable means the peer has no outstanding request.
	PeerAvailable PeerSyncStateKind = iota
	// PeerAncestorSearch means we are probing for a common ancestor.
	PeerAncestorSearch
	// PeerDownloadingNew means the peer is downloading a fresh range above
	// our best queued block.
	PeerDownloadingNew
	// PeerDownloadingStale means the peer is downloading a known stale fork
	// block and its ancestors.
	PeerDownloadingStale
	// PeerDownloadingJustification means the peer is serving a
	// justification request.
	PeerDownloadingJustification
	// PeerDownloadingWarpProof means the peer is serving a warp proof
	// request.
	PeerDownloadingWarpProof
	// PeerDownloadingWarpTarget means the peer is serving the warp sync
	// target block.
	PeerDownloadingWarpTarget
)

func (k PeerSyncStateKind) String() string {
	switch k {
	case PeerAvailable:
		return "available"
	case PeerAncestorSearch:
		return "ancestor search"
	case PeerDownloadingNew:
		return "downloading new"
	case PeerDownloadingStale:
		return "downloading stale"
	case PeerDownloadingJustification:
		return "downloading justification"
	case PeerDownloadingWarpProof:
		return "downloading warp proof"
	case PeerDownloadingWarpTarget:
		return "downloading warp target"
	default:
		return "invalid"
	}
}

// PeerSyncState is the tagged state of a peer. Only the fields relevant to
// the kind are set.
type PeerSyncState struct {
	Kind PeerSyncStateKind

	// StartNumber is the first block of the range for PeerDownloadingNew.
	StartNumber uint64

	// Target is the block hash for PeerDownloadingStale and
	// PeerDownloadingJustification.
	Target karst.Hash

	// AncestorCurrent is the number currently being probed and
	// AncestorStart our best queued number when the search began, for
	// PeerAncestorSearch.
	AncestorCurrent uint64
	AncestorStart   uint64
	Ancestor        AncestorSearchState
}

func (s PeerSyncState) String() string {
	switch s.Kind {
	case PeerDownloadingNew:
		return fmt.Sprintf("%s from #%d", s.Kind, s.StartNumber)
	case PeerDownloadingStale, PeerDownloadingJustification:
		return fmt.Sprintf("%s %s", s.Kind, s.Target)
	case PeerAncestorSearch:
		return fmt.Sprintf("%s at #%d", s.Kind, s.AncestorCurrent)
	default:
		return s.Kind.String()
	}
}

func available() PeerSyncState {
	return PeerSyncState{Kind: PeerAvailable}
}

// PeerSync tracks the sync relationship with a single peer. Records are
// owned by the ChainSync arena; callers only ever see copies of the exported
// fields through Status.
type PeerSync struct {
	Peer         karst.PeerID
	CommonNumber uint64
	BestHash     karst.Hash
	BestNumber   uint64
	State        PeerSyncState

	// recentlyAnnounced remembers the last block hashes this peer
	// announced, to classify the origin of downloaded blocks.
	recentlyAnnounced *lru.Cache
}

func newPeerSync(peer karst.PeerID, bestHash karst.Hash, bestNumber uint64, cacheSize int) *PeerSync {
	cache, _ := lru.New(cacheSize)
	return &PeerSync{
		Peer:              peer,
		BestHash:          bestHash,
		BestNumber:        bestNumber,
		State:             available(),
		recentlyAnnounced: cache,
	}
}

// UpdateCommonNumber raises the common number; it never lowers it.
func (p *PeerSync) UpdateCommonNumber(number uint64) {
	if number > p.CommonNumber {
		p.CommonNumber = number
	}
}

// RememberAnnounce records an announced block hash.
func (p *PeerSync) RememberAnnounce(hash karst.Hash) {
	p.recentlyAnnounced.Add(hash, struct{}{})
}

// RecentlyAnnounced checks whether the peer announced the given hash
// recently.
func (p *PeerSync) RecentlyAnnounced(hash karst.Hash) bool {
	return p.recentlyAnnounced.Contains(hash)
}

// PeerInfo is the externally visible summary of a peer record.
type PeerInfo struct {
	Peer         karst.PeerID
	BestHash     karst.Hash
	BestNumber   uint64
	CommonNumber uint64
	State        string
}
