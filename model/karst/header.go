package karst

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// Header contains the consensus-relevant fields of a block. The engine never
// interprets state or extrinsics roots; they only participate in the header
// hash.
type Header struct {

	// ParentHash is the hash of the parent block.
	ParentHash Hash

	// Number is the distance of the block from genesis.
	Number uint64

	// StateRoot commits to the state after executing this block.
	StateRoot Hash

	// ExtrinsicsRoot commits to the block body.
	ExtrinsicsRoot Hash

	// Digest carries opaque consensus engine items.
	Digest [][]byte
}

// ID computes the canonical hash of the header.
func (h *Header) ID() Hash {
	hasher := sha3.New256()
	_, _ = hasher.Write(h.ParentHash[:])
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], h.Number)
	_, _ = hasher.Write(num[:])
	_, _ = hasher.Write(h.StateRoot[:])
	_, _ = hasher.Write(h.ExtrinsicsRoot[:])
	for _, item := range h.Digest {
		_, _ = hasher.Write(item)
	}
	var id Hash
	copy(id[:], hasher.Sum(nil))
	return id
}
