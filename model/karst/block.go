package karst

// Extrinsic is an opaque, encoded transaction. The sync engine moves bodies
// around without decoding them.
type Extrinsic []byte

// Justification is an encoded finality proof for a single block, tagged with
// the consensus engine that produced it.
type Justification struct {
	ConsensusEngineID [4]byte
	Data              []byte
}

// Justifications is the set of justifications attached to a block, at most
// one per consensus engine.
type Justifications []Justification

// IntoJustification returns the raw proof for the given engine, if present.
func (j Justifications) IntoJustification(engineID [4]byte) ([]byte, bool) {
	for _, just := range j {
		if just.ConsensusEngineID == engineID {
			return just.Data, true
		}
	}
	return nil, false
}

// Block combines a header with its body and any attached justifications.
type Block struct {
	Header         *Header
	Body           []Extrinsic
	Justifications Justifications
}

// ID returns the hash of the block header.
func (b *Block) ID() Hash {
	return b.Header.ID()
}

// BlockStatus describes how a block relates to the local chain database.
type BlockStatus int

const (
	// StatusUnknown indicates the block has never been seen.
	StatusUnknown BlockStatus = iota
	// StatusQueued indicates the block sits in the import queue.
	StatusQueued
	// StatusInChain indicates the block is part of the canonical chain with
	// state attached.
	StatusInChain
	// StatusInChainPruned indicates the block is in the chain but its state
	// has been pruned.
	StatusInChainPruned
	// StatusKnownBad indicates the block previously failed import.
	StatusKnownBad
)

func (s BlockStatus) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusQueued:
		return "QUEUED"
	case StatusInChain:
		return "IN_CHAIN"
	case StatusInChainPruned:
		return "IN_CHAIN_PRUNED"
	case StatusKnownBad:
		return "KNOWN_BAD"
	default:
		return "INVALID"
	}
}

// InChain returns true for both pruned and unpruned in-chain statuses.
func (s BlockStatus) InChain() bool {
	return s == StatusInChain || s == StatusInChainPruned
}

// BlockOrigin describes how a block arrived at the import queue. Verifiers
// apply stricter checks to broadcast blocks than to bulk-synced ones.
type BlockOrigin int

const (
	// OriginNetworkInitialSync marks blocks downloaded during bulk sync.
	OriginNetworkInitialSync BlockOrigin = iota
	// OriginNetworkBroadcast marks blocks that were announced on gossip.
	OriginNetworkBroadcast
	// OriginConsensusBroadcast marks blocks handed over by a local authority.
	OriginConsensusBroadcast
)

func (o BlockOrigin) String() string {
	switch o {
	case OriginNetworkInitialSync:
		return "NETWORK_INITIAL_SYNC"
	case OriginNetworkBroadcast:
		return "NETWORK_BROADCAST"
	case OriginConsensusBroadcast:
		return "CONSENSUS_BROADCAST"
	default:
		return "INVALID"
	}
}
