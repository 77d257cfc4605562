package chainsync

import (
	"sort"

	"github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
)

type rangeStatus int

const (
	rangeDownloading rangeStatus = iota
	rangeComplete
	rangeQueued
)

// blockRange is one contiguous run of block numbers tracked by the
// collection, keyed by its start number.
type blockRange struct {
	start  uint64
	length uint32
	status rangeStatus

	// peer downloads the range while status is rangeDownloading.
	peer karst.PeerID

	// blocks holds the downloaded data while status is rangeComplete.
	blocks []chainsync.BlockData

	// remaining counts blocks of a queued range still awaiting an import
	// verdict.
	remaining uint32
}

// readyBlock pairs a drained block with the peer that delivered it.
type readyBlock struct {
	Block  chainsync.BlockData
	Origin karst.PeerID
}

// BlockCollection assigns forward-sync block ranges to peers and assembles
// the results into a contiguous run ready for import. Every tracked range is
// held by at most one peer; a range stays tracked after draining until the
// import queue has ruled on all its blocks, so it is never requested twice.
type BlockCollection struct {
	ranges       map[uint64]*blockRange
	peerRequests map[karst.PeerID]uint64
	queuedHashes map[karst.Hash]uint64
}

func NewBlockCollection() *BlockCollection {
	return &BlockCollection{
		ranges:       make(map[uint64]*blockRange),
		peerRequests: make(map[karst.PeerID]uint64),
		queuedHashes: make(map[karst.Hash]uint64),
	}
}

// Clear forgets all tracked ranges and assignments.
func (c *BlockCollection) Clear() {
	c.ranges = make(map[uint64]*blockRange)
	c.peerRequests = make(map[karst.PeerID]uint64)
	c.queuedHashes = make(map[karst.Hash]uint64)
}

func (c *BlockCollection) sortedStarts() []uint64 {
	starts := make([]uint64, 0, len(c.ranges))
	for start := range c.ranges {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

func (c *BlockCollection) downloadingCount() int {
	count := 0
	for _, r := range c.ranges {
		if r.status == rangeDownloading {
			count++
		}
	}
	return count
}

// NeededBlocks picks the next range for the given peer, or returns ok=false
// when there is nothing useful for it to download. The returned range is
// [start, start+count) and is exclusively assigned to the peer until
// Insert or ClearPeerDownload.
//
// commonNumber is the highest block known to be shared with the peer,
// peerBest the peer's advertised best. maxParallel caps the number of ranges
// downloading at once; maxAhead bounds how far past the common number we
// download.
func (c *BlockCollection) NeededBlocks(
	peer karst.PeerID,
	maxCount uint32,
	peerBest uint64,
	commonNumber uint64,
	maxParallel uint32,
	maxAhead uint32,
) (start uint64, count uint32, ok bool) {

	if _, busy := c.peerRequests[peer]; busy {
		return 0, 0, false
	}
	if c.downloadingCount() >= int(maxParallel) {
		return 0, 0, false
	}

	// First block we could possibly need from this peer.
	first := commonNumber + 1

	// Walk tracked ranges in order to find the first gap at or above first.
	for _, s := range c.sortedStarts() {
		r := c.ranges[s]
		end := s + uint64(r.length)
		if end <= first {
			continue
		}
		if s > first {
			// Gap before this range.
			gap := s - first
			if uint64(maxCount) < gap {
				gap = uint64(maxCount)
			}
			count = uint32(gap)
			start = first
			return c.grant(peer, start, count, peerBest, commonNumber, maxAhead)
		}
		first = end
	}

	// Nothing tracked past first; open a fresh range.
	return c.grant(peer, first, maxCount, peerBest, commonNumber, maxAhead)
}

func (c *BlockCollection) grant(
	peer karst.PeerID,
	start uint64,
	count uint32,
	peerBest uint64,
	commonNumber uint64,
	maxAhead uint32,
) (uint64, uint32, bool) {

	if start > peerBest {
		return 0, 0, false
	}
	if start > commonNumber+uint64(maxAhead) {
		return 0, 0, false
	}
	if start+uint64(count)-1 > peerBest {
		count = uint32(peerBest - start + 1)
	}
	if count == 0 {
		return 0, 0, false
	}
	c.ranges[start] = &blockRange{
		start:  start,
		length: count,
		status: rangeDownloading,
		peer:   peer,
	}
	c.peerRequests[peer] = start
	return start, count, true
}

// Insert stores the blocks downloaded by the peer as a complete range at
// start, releasing whatever range the peer still held. A short response
// leaves the missing blocks as a gap to be granted again. Blocks that would
// overlap an already tracked range are discarded.
func (c *BlockCollection) Insert(start uint64, blocks []chainsync.BlockData, peer karst.PeerID) {
	if granted, busy := c.peerRequests[peer]; busy {
		if r, exists := c.ranges[granted]; exists && r.status == rangeDownloading && r.peer == peer {
			delete(c.ranges, granted)
		}
		delete(c.peerRequests, peer)
	}
	if len(blocks) == 0 {
		return
	}
	length := uint32(len(blocks))
	if c.overlapsTracked(start, length) {
		return
	}
	c.ranges[start] = &blockRange{
		start:  start,
		length: length,
		status: rangeComplete,
		peer:   peer,
		blocks: blocks,
	}
}

func (c *BlockCollection) overlapsTracked(start uint64, length uint32) bool {
	end := start + uint64(length)
	for s, r := range c.ranges {
		if s < end && s+uint64(r.length) > start {
			return true
		}
	}
	return false
}

// ClearPeerDownload releases the range assigned to the peer, turning it back
// into a gap.
func (c *BlockCollection) ClearPeerDownload(peer karst.PeerID) {
	start, exists := c.peerRequests[peer]
	if !exists {
		return
	}
	delete(c.peerRequests, peer)
	r, exists := c.ranges[start]
	if exists && r.status == rangeDownloading {
		delete(c.ranges, start)
	}
}

// Drain removes and returns the maximal run of complete blocks starting
// right above the given number. Drained ranges remain tracked as queued
// until ClearQueued has been called for each of their blocks.
func (c *BlockCollection) Drain(from uint64) []readyBlock {
	var ready []readyBlock
	next := from + 1
	for {
		r, exists := c.ranges[next]
		if !exists || r.status != rangeComplete {
			break
		}
		for _, b := range r.blocks {
			ready = append(ready, readyBlock{Block: b, Origin: r.peer})
			c.queuedHashes[b.Hash] = r.start
		}
		r.status = rangeQueued
		r.remaining = r.length
		r.blocks = nil
		next = r.start + uint64(r.length)
	}
	return ready
}

// ClearQueued acknowledges the import verdict for a drained block. Once all
// blocks of a queued range are acknowledged the range is forgotten.
func (c *BlockCollection) ClearQueued(hash karst.Hash) {
	start, exists := c.queuedHashes[hash]
	if !exists {
		return
	}
	delete(c.queuedHashes, hash)
	r, exists := c.ranges[start]
	if !exists || r.status != rangeQueued {
		return
	}
	r.remaining--
	if r.remaining == 0 {
		delete(c.ranges, start)
	}
}
