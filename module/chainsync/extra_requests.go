package chainsync

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/karstlabs/karst/model/karst"
)

// retryWait is how long a failed justification request stays pinned to the
// peer that failed it before we ask that peer again.
const retryWait = 10 * time.Second

// extraRequest identifies one block we want a justification for.
type extraRequest struct {
	hash   karst.Hash
	number uint64
}

// isDescendentOf decides ancestry between two blocks, mirroring the chain
// oracle. Injected so that the tracker stays free of database access.
type isDescendentOf func(base, block karst.Hash) (bool, error)

// ExtraRequests schedules justification downloads for blocks that need
// finality proofs. Requests move pending -> active -> importing; failures
// re-queue the request at the front so it is retried with a different peer.
type ExtraRequests struct {
	log           zerolog.Logger
	pending       []extraRequest
	active        map[karst.PeerID]extraRequest
	importing     map[extraRequest]struct{}
	failedFor     map[extraRequest]map[karst.PeerID]time.Time
	bestFinalized uint64
}

func NewExtraRequests(log zerolog.Logger) *ExtraRequests {
	return &ExtraRequests{
		log:       log.With().Str("requests", "justification").Logger(),
		active:    make(map[karst.PeerID]extraRequest),
		importing: make(map[extraRequest]struct{}),
		failedFor: make(map[extraRequest]map[karst.PeerID]time.Time),
	}
}

// Reset drops all state except the finalized watermark.
func (e *ExtraRequests) Reset() {
	e.pending = nil
	e.active = make(map[karst.PeerID]extraRequest)
	e.importing = make(map[extraRequest]struct{})
	e.failedFor = make(map[extraRequest]map[karst.PeerID]time.Time)
}

// Schedule queues a justification request for the given block unless it is
// already tracked or below the finalized watermark.
func (e *ExtraRequests) Schedule(hash karst.Hash, number uint64) {
	if number <= e.bestFinalized {
		return
	}
	req := extraRequest{hash: hash, number: number}
	if e.tracked(req) {
		return
	}
	e.pending = append(e.pending, req)
	e.log.Trace().Str("block", hash.String()).Uint64("number", number).Msg("scheduled justification request")
}

func (e *ExtraRequests) tracked(req extraRequest) bool {
	for _, p := range e.pending {
		if p == req {
			return true
		}
	}
	for _, a := range e.active {
		if a == req {
			return true
		}
	}
	_, importing := e.importing[req]
	return importing
}

// Next assigns the oldest pending request to a suitable peer: one that is
// available, knows the block (best number at or above it), and has not
// recently failed this same request. Returns ok=false when nothing can be
// dispatched.
func (e *ExtraRequests) Next(peers map[karst.PeerID]*PeerSync) (karst.PeerID, karst.Hash, uint64, bool) {
	now := time.Now()
	for i, req := range e.pending {
		for id, peer := range peers {
			if peer.State.Kind != PeerAvailable {
				continue
			}
			if peer.BestNumber < req.number {
				continue
			}
			if failedAt, failed := e.failedFor[req][id]; failed && now.Sub(failedAt) < retryWait {
				continue
			}
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			e.active[id] = req
			return id, req.hash, req.number, true
		}
	}
	return "", karst.ZeroHash, 0, false
}

// OnResponse resolves the active request of the peer. With a justification
// attached the request moves to importing and ok=true is returned; an empty
// response re-queues the request and remembers the failure.
func (e *ExtraRequests) OnResponse(peer karst.PeerID, hasJustification bool) (karst.Hash, uint64, bool) {
	req, exists := e.active[peer]
	if !exists {
		return karst.ZeroHash, 0, false
	}
	delete(e.active, peer)
	if !hasJustification {
		if e.failedFor[req] == nil {
			e.failedFor[req] = make(map[karst.PeerID]time.Time)
		}
		e.failedFor[req][peer] = time.Now()
		e.pending = append([]extraRequest{req}, e.pending...)
		return karst.ZeroHash, 0, false
	}
	e.importing[req] = struct{}{}
	return req.hash, req.number, true
}

// OnImportResult resolves an importing request. A failed import re-queues
// the request for another attempt.
func (e *ExtraRequests) OnImportResult(hash karst.Hash, number uint64, success bool) {
	req := extraRequest{hash: hash, number: number}
	if _, importing := e.importing[req]; !importing {
		return
	}
	delete(e.importing, req)
	if success {
		if number > e.bestFinalized {
			e.bestFinalized = number
		}
		return
	}
	e.pending = append([]extraRequest{req}, e.pending...)
}

// OnBlockFinalized prunes every tracked request that the finalized block
// makes obsolete: anything at or below the finalized number that is not on
// the finalized chain can never be finalized itself.
func (e *ExtraRequests) OnBlockFinalized(finalized karst.Hash, number uint64, isDescendent isDescendentOf) error {
	if number > e.bestFinalized {
		e.bestFinalized = number
	}
	keep := e.pending[:0]
	for _, req := range e.pending {
		obsolete, err := e.isObsolete(req, finalized, number, isDescendent)
		if err != nil {
			return err
		}
		if !obsolete {
			keep = append(keep, req)
		}
	}
	e.pending = keep
	for id, req := range e.active {
		obsolete, err := e.isObsolete(req, finalized, number, isDescendent)
		if err != nil {
			return err
		}
		if obsolete {
			delete(e.active, id)
		}
	}
	return nil
}

func (e *ExtraRequests) isObsolete(req extraRequest, finalized karst.Hash, number uint64, isDescendent isDescendentOf) (bool, error) {
	// At or below the finalized number the request is settled either way:
	// on the finalized chain the proof we just imported covers it, off the
	// chain it can never be finalized.
	if req.number <= number {
		return true, nil
	}
	descendant, err := isDescendent(finalized, req.hash)
	if err != nil {
		return false, err
	}
	return !descendant, nil
}

// PeerDisconnected re-queues the active request of a vanished peer.
func (e *ExtraRequests) PeerDisconnected(peer karst.PeerID) {
	req, exists := e.active[peer]
	if !exists {
		return
	}
	delete(e.active, peer)
	e.pending = append([]extraRequest{req}, e.pending...)
}

// ActiveRequest returns the request currently assigned to the peer.
func (e *ExtraRequests) ActiveRequest(peer karst.PeerID) (karst.Hash, uint64, bool) {
	req, exists := e.active[peer]
	if !exists {
		return karst.ZeroHash, 0, false
	}
	return req.hash, req.number, true
}

// PendingCount returns the number of requests not yet dispatched.
func (e *ExtraRequests) PendingCount() int {
	return len(e.pending)
}
