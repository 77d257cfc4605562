package module

import (
	"github.com/karstlabs/karst/model/karst"
)

// ChainInfo is a snapshot of the local chain heads.
type ChainInfo struct {
	BestHash        karst.Hash
	BestNumber      uint64
	GenesisHash     karst.Hash
	FinalizedHash   karst.Hash
	FinalizedNumber uint64

	// FinalizedStateAvailable indicates state is attached to the finalized
	// block, which is what warp sync bootstraps.
	FinalizedStateAvailable bool
}

// ChainStatus answers read-only questions about the local chain database.
// The sync engine consults it for classification and never writes through
// it; imports go through the ImportQueue.
type ChainStatus interface {

	// Info returns the current chain heads.
	Info() (*ChainInfo, error)

	// BlockStatus reports how the given block relates to the database.
	BlockStatus(hash karst.Hash) (karst.BlockStatus, error)

	// HashByNumber returns the canonical hash at the given number, or nil
	// if the chain has not reached it.
	HashByNumber(number uint64) (*karst.Hash, error)

	// HeaderByHash returns the header with the given hash, or nil if it is
	// not known.
	HeaderByHash(hash karst.Hash) (*karst.Header, error)

	// IsDescendantOf checks whether block is equal to or a descendant of
	// base.
	IsDescendantOf(base karst.Hash, block karst.Hash) (bool, error)
}
