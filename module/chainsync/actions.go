package chainsync

import (
	"github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
)

// Action is an output of the sync state machine, to be executed by the
// surrounding engine. The core never performs IO itself.
type Action interface {
	isAction()
}

// SendBlockRequest instructs the engine to send a block request to a peer.
type SendBlockRequest struct {
	Peer    karst.PeerID
	Request chainsync.BlockRequest
}

// CancelBlockRequest instructs the engine to stop waiting for the peer's
// outstanding block request; the restart that re-registered the peer made
// any in-flight response obsolete.
type CancelBlockRequest struct {
	Peer karst.PeerID
}

// SendWarpProofRequest instructs the engine to request a warp proof
// fragment.
type SendWarpProofRequest struct {
	Peer    karst.PeerID
	Request chainsync.WarpProofRequest
}

// DropPeer instructs the engine to report and disconnect a misbehaving
// peer.
type DropPeer struct {
	Peer chainsync.BadPeer
}

// ImportBlocks hands a batch of downloaded blocks to the import queue.
type ImportBlocks struct {
	Origin karst.BlockOrigin
	Blocks []chainsync.IncomingBlock
}

// ImportJustifications hands a downloaded justification to the import
// queue.
type ImportJustifications struct {
	Peer           karst.PeerID
	Hash           karst.Hash
	Number         uint64
	Justifications karst.Justifications
}

// WarpSyncFinished reports the warp sync target block so the node can
// install the finalized state and continue with full sync.
type WarpSyncFinished struct {
	Result WarpSyncResult
}

func (SendBlockRequest) isAction()     {}
func (CancelBlockRequest) isAction()   {}
func (SendWarpProofRequest) isAction() {}
func (DropPeer) isAction()             {}
func (ImportBlocks) isAction()         {}
func (ImportJustifications) isAction() {}
func (WarpSyncFinished) isAction()     {}
