package chainsync

import (
	"fmt"

	"github.com/karstlabs/karst/model/karst"
)

// BlockAttributes is a bitmask selecting which parts of a block a request
// wants returned.
type BlockAttributes uint8

const (
	AttributeHeader        BlockAttributes = 1 << 0
	AttributeBody          BlockAttributes = 1 << 1
	AttributeJustification BlockAttributes = 1 << 4
)

// Contains checks whether all bits of the given attributes are set.
func (a BlockAttributes) Contains(other BlockAttributes) bool {
	return a&other == other
}

// Direction indicates whether a block request walks towards or away from
// genesis.
type Direction uint8

const (
	// Ascending enumerates blocks parent-to-child.
	Ascending Direction = iota
	// Descending enumerates blocks child-to-parent.
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// FromBlock is the starting point of a block request, either a concrete hash
// or a block number.
type FromBlock struct {
	Hash   *karst.Hash
	Number uint64
}

// FromHash starts a request at a specific block hash.
func FromHash(hash karst.Hash) FromBlock {
	return FromBlock{Hash: &hash}
}

// FromNumber starts a request at a block number.
func FromNumber(number uint64) FromBlock {
	return FromBlock{Number: number}
}

func (f FromBlock) String() string {
	if f.Hash != nil {
		return f.Hash.String()
	}
	return fmt.Sprintf("#%d", f.Number)
}

// BlockRequest asks a peer for a run of consecutive blocks.
type BlockRequest struct {

	// ID correlates the response with this request.
	ID uint64

	// Fields selects which block parts to return.
	Fields BlockAttributes

	// From is the first block of the run.
	From FromBlock

	// Direction determines whether the run walks towards the tip or towards
	// genesis.
	Direction Direction

	// Max caps the number of returned blocks; zero means no explicit cap.
	Max uint32
}

// MaxOrDefault resolves the effective cap of the request.
func (r *BlockRequest) MaxOrDefault(fallback uint32) uint32 {
	if r.Max == 0 {
		return fallback
	}
	return r.Max
}

// BlockData is a single entry of a block response. Fields that were not
// requested, or that the peer does not have, are nil.
type BlockData struct {
	Hash          karst.Hash
	Header        *karst.Header
	Body          []karst.Extrinsic
	Justification *karst.Justifications
}

// BlockResponse carries the blocks answering a BlockRequest, in the order
// the request asked for.
type BlockResponse struct {
	ID     uint64
	Blocks []BlockData
}

// BlockAnnounce is the gossip message advertising a newly produced or newly
// learned block.
type BlockAnnounce struct {
	Header *karst.Header

	// IsBest indicates the sender considers this block its best.
	IsBest bool
}

// WarpProofRequest asks a peer for a chain of finality proofs beginning at
// the given block.
type WarpProofRequest struct {
	Begin karst.Hash
}

// EncodedProof is an opaque, encoded warp sync proof fragment.
type EncodedProof []byte

// WarpProofResponse carries one proof fragment answering a
// WarpProofRequest.
type WarpProofResponse struct {
	Proof EncodedProof
}
