package chainsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
	"github.com/karstlabs/karst/module"
	"github.com/karstlabs/karst/module/metrics"
	"github.com/karstlabs/karst/utils/unittest"
)

// chainLength is the height of the local test chain in every suite test.
const chainLength = 100

func TestChainSync(t *testing.T) {
	suite.Run(t, new(SyncSuite))
}

type SyncSuite struct {
	suite.Suite
	chain *unittest.TestChain
	core  *ChainSync
}

func (s *SyncSuite) SetupTest() {
	s.chain = unittest.NewTestChain(chainLength)
	core, err := New(unittest.Logger(), DefaultConfig(), s.chain, nil, metrics.NewNoopCollector())
	s.Require().NoError(err)
	s.core = core
}

// blockRequests filters the block requests out of an action batch.
func blockRequests(actions []Action) []SendBlockRequest {
	var requests []SendBlockRequest
	for _, action := range actions {
		if send, ok := action.(SendBlockRequest); ok {
			requests = append(requests, send)
		}
	}
	return requests
}

func importBatches(actions []Action) []ImportBlocks {
	var batches []ImportBlocks
	for _, action := range actions {
		if imp, ok := action.(ImportBlocks); ok {
			batches = append(batches, imp)
		}
	}
	return batches
}

func droppedPeers(actions []Action) []DropPeer {
	var drops []DropPeer
	for _, action := range actions {
		if drop, ok := action.(DropPeer); ok {
			drops = append(drops, drop)
		}
	}
	return drops
}

func canceledRequests(actions []Action) []CancelBlockRequest {
	var cancels []CancelBlockRequest
	for _, action := range actions {
		if cancel, ok := action.(CancelBlockRequest); ok {
			cancels = append(cancels, cancel)
		}
	}
	return cancels
}

// connectKnownPeer registers a peer whose best block is our canonical block
// at the given height, which skips the ancestor search.
func (s *SyncSuite) connectKnownPeer(height uint64) karst.PeerID {
	peer := unittest.PeerIDFixture()
	err := s.core.RegisterPeer(peer, s.chain.HeaderAt(height).ID(), height)
	s.Require().NoError(err)
	return peer
}

// connectAheadPeer registers a peer claiming the given tip and walks it
// through the ancestor search, which settles at our best block.
func (s *SyncSuite) connectAheadPeer(bestHash karst.Hash, bestNumber uint64) karst.PeerID {
	peer := unittest.PeerIDFixture()
	err := s.core.RegisterPeer(peer, bestHash, bestNumber)
	s.Require().NoError(err)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	probe := requests[0].Request
	s.Require().Equal(uint32(1), probe.Max)

	ours := s.chain.HeaderAt(probe.From.Number)
	s.Require().NotNil(ours)
	err = s.core.OnBlockData(peer, &probe, []chainsync.BlockData{{Hash: ours.ID(), Header: ours}})
	s.Require().NoError(err)
	return peer
}

// peerInfo looks up the diagnostic record of a peer.
func (s *SyncSuite) peerInfo(peer karst.PeerID) *PeerInfo {
	for _, info := range s.core.PeersInfo() {
		if info.Peer == peer {
			return &info
		}
	}
	return nil
}

func (s *SyncSuite) TestRegisterPeer_KnownBadBest() {
	bad := unittest.HeaderFixture()
	s.chain.AddHeader(bad)
	s.chain.MarkBad(bad.ID())

	err := s.core.RegisterPeer(unittest.PeerIDFixture(), bad.ID(), bad.Number)
	var badPeer *chainsync.BadPeer
	s.Require().ErrorAs(err, &badPeer)
	s.Assert().Equal(chainsync.ReputationBadBlock, badPeer.Reputation)
	s.Assert().Empty(s.core.PeersInfo())
}

func (s *SyncSuite) TestRegisterPeer_GenesisMismatch() {
	err := s.core.RegisterPeer(unittest.PeerIDFixture(), unittest.HashFixture(), 0)
	var badPeer *chainsync.BadPeer
	s.Require().ErrorAs(err, &badPeer)
	s.Assert().Equal(chainsync.ReputationGenesisMismatch, badPeer.Reputation)
}

func (s *SyncSuite) TestRegisterPeer_KnownBest() {
	peer := s.connectKnownPeer(50)

	info := s.peerInfo(peer)
	s.Require().NotNil(info)
	s.Assert().Equal(uint64(50), info.CommonNumber)

	// Nothing to request: the peer is behind us.
	s.Assert().Empty(blockRequests(s.core.Actions()))
}

func (s *SyncSuite) TestRegisterPeer_UnknownBestStartsAncestorSearch() {
	err := s.core.RegisterPeer(unittest.PeerIDFixture(), unittest.HashFixture(), 120)
	s.Require().NoError(err)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	probe := requests[0].Request
	s.Assert().Equal(uint64(chainLength), probe.From.Number)
	s.Assert().Equal(uint32(1), probe.Max)
	s.Assert().Equal(chainsync.Ascending, probe.Direction)
}

func (s *SyncSuite) TestAncestorSearch_EmptyProbeResponse() {
	peer := unittest.PeerIDFixture()
	s.Require().NoError(s.core.RegisterPeer(peer, unittest.HashFixture(), 120))

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)

	err := s.core.OnBlockData(peer, &requests[0].Request, nil)
	var badPeer *chainsync.BadPeer
	s.Require().ErrorAs(err, &badPeer)
	s.Assert().Equal(chainsync.ReputationUnknownAncestor, badPeer.Reputation)
	s.Assert().Empty(s.core.PeersInfo())
}

func (s *SyncSuite) TestAncestorSearch_GenesisMismatch() {
	peer := unittest.PeerIDFixture()
	s.Require().NoError(s.core.RegisterPeer(peer, unittest.HashFixture(), 120))

	// Answer every probe with a hash we do not have, all the way down.
	for i := 0; i < 100; i++ {
		requests := blockRequests(s.core.Actions())
		s.Require().Len(requests, 1)
		probe := requests[0].Request

		stranger := unittest.HeaderFixture(unittest.WithNumber(probe.From.Number))
		err := s.core.OnBlockData(peer, &probe, []chainsync.BlockData{{Hash: stranger.ID(), Header: stranger}})
		if err != nil {
			var badPeer *chainsync.BadPeer
			s.Require().ErrorAs(err, &badPeer)
			s.Assert().Equal(chainsync.ReputationGenesisMismatch, badPeer.Reputation)
			s.Assert().Equal(uint64(0), probe.From.Number)
			return
		}
	}
	s.FailNow("ancestor search did not reach genesis")
}

// TestForwardSync walks the full happy path: ancestor search, range
// request, response validation, and handing the blocks to the import queue.
func (s *SyncSuite) TestForwardSync() {
	extension := unittest.HeaderChainFixture(s.chain.BestHeader(), 20)
	tip := extension[len(extension)-1]

	peer := s.connectAheadPeer(tip.ID(), tip.Number)
	info := s.peerInfo(peer)
	s.Require().NotNil(info)
	s.Assert().Equal(uint64(chainLength), info.CommonNumber)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	request := requests[0].Request
	s.Assert().Equal(chainsync.Descending, request.Direction)
	s.Assert().Equal(uint32(20), request.Max)
	s.Require().NotNil(request.From.Hash)
	s.Assert().Equal(tip.ID(), *request.From.Hash)

	// The peer answers child to parent; the core restores chain order.
	blocks := unittest.Reversed(unittest.BlockDataChain(extension))
	s.Require().NoError(s.core.OnBlockData(peer, &request, blocks))

	batches := importBatches(s.core.Actions())
	s.Require().Len(batches, 1)
	s.Require().Len(batches[0].Blocks, 20)
	s.Assert().Equal(extension[0].ID(), batches[0].Blocks[0].Hash)
	s.Assert().Equal(karst.OriginNetworkInitialSync, batches[0].Origin)

	status := s.core.Status()
	s.Assert().Equal(20, status.QueuedBlocks)
}

func (s *SyncSuite) TestResponseValidation() {
	cases := []struct {
		name       string
		mangle     func([]chainsync.BlockData) []chainsync.BlockData
		reputation int32
	}{
		{
			name: "longer than requested",
			mangle: func(blocks []chainsync.BlockData) []chainsync.BlockData {
				extra := unittest.BlockDataFixture(unittest.HeaderFixture())
				return append([]chainsync.BlockData{extra}, blocks...)
			},
			reputation: chainsync.ReputationNotRequested,
		},
		{
			name: "wrong starting block",
			mangle: func(blocks []chainsync.BlockData) []chainsync.BlockData {
				return blocks[1:]
			},
			reputation: chainsync.ReputationNotRequested,
		},
		{
			name: "missing body",
			mangle: func(blocks []chainsync.BlockData) []chainsync.BlockData {
				blocks[0].Body = nil
				return blocks
			},
			reputation: chainsync.ReputationBadResponse,
		},
		{
			name: "header hash mismatch",
			mangle: func(blocks []chainsync.BlockData) []chainsync.BlockData {
				blocks[0].Hash = unittest.HashFixture()
				return blocks
			},
			reputation: chainsync.ReputationBadBlock,
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.SetupTest()

			extension := unittest.HeaderChainFixture(s.chain.BestHeader(), 20)
			tip := extension[len(extension)-1]
			peer := s.connectAheadPeer(tip.ID(), tip.Number)

			requests := blockRequests(s.core.Actions())
			s.Require().Len(requests, 1)
			request := requests[0].Request

			blocks := tc.mangle(unittest.Reversed(unittest.BlockDataChain(extension)))
			err := s.core.OnBlockData(peer, &request, blocks)
			var badPeer *chainsync.BadPeer
			s.Require().ErrorAs(err, &badPeer)
			s.Assert().Equal(tc.reputation, badPeer.Reputation)
			s.Assert().Empty(s.core.PeersInfo())
		})
	}
}

func (s *SyncSuite) TestUnsolicitedResponses() {
	// A response from a stranger is penalized.
	err := s.core.OnBlockData(unittest.PeerIDFixture(), nil, nil)
	var badPeer *chainsync.BadPeer
	s.Require().ErrorAs(err, &badPeer)
	s.Assert().Equal(chainsync.ReputationNotRequested, badPeer.Reputation)

	// An idle peer may send an empty response for a request we forgot.
	peer := s.connectKnownPeer(50)
	s.Require().NoError(s.core.OnBlockData(peer, nil, nil))

	// A non-empty one it may not.
	err = s.core.OnBlockData(peer, nil, []chainsync.BlockData{unittest.BlockDataFixture(unittest.HeaderFixture())})
	s.Require().ErrorAs(err, &badPeer)
	s.Assert().Equal(chainsync.ReputationNotRequested, badPeer.Reputation)
}

func (s *SyncSuite) TestImportFeedback_CommonNumberAdvances() {
	peer := s.connectKnownPeer(50)
	origin := peer

	s.core.OnBlocksProcessed(1, 1, []chainsync.ImportResult{{
		Outcome: chainsync.ImportedKnown,
		Hash:    unittest.HashFixture(),
		Number:  80,
		Origin:  &origin,
	}})

	info := s.peerInfo(peer)
	s.Require().NotNil(info)
	s.Assert().Equal(uint64(80), info.CommonNumber)
}

func (s *SyncSuite) TestImportFeedback_BadBlockRestarts() {
	extension := unittest.HeaderChainFixture(s.chain.BestHeader(), 20)
	tip := extension[len(extension)-1]
	peer := s.connectAheadPeer(tip.ID(), tip.Number)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	blocks := unittest.Reversed(unittest.BlockDataChain(extension))
	s.Require().NoError(s.core.OnBlockData(peer, &requests[0].Request, blocks))
	s.core.Actions()

	origin := peer
	s.core.OnBlocksProcessed(0, 1, []chainsync.ImportResult{{
		Outcome: chainsync.ImportBadBlock,
		Hash:    extension[0].ID(),
		Number:  extension[0].Number,
		Origin:  &origin,
	}})

	drops := droppedPeers(s.core.Actions())
	s.Require().Len(drops, 1)
	s.Assert().Equal(peer, drops[0].Peer.Peer)
	s.Assert().Equal(chainsync.ReputationBadBlock, drops[0].Peer.Reputation)
	s.Assert().Empty(s.core.PeersInfo())
}

func (s *SyncSuite) TestImportFeedback_FirstErrorShortCircuits() {
	peerA := s.connectKnownPeer(50)
	peerB := s.connectKnownPeer(60)
	originA, originB := peerA, peerB

	// Both results blame a peer, but only the first one counts: the restart
	// it triggers invalidates the rest of the batch.
	s.core.OnBlocksProcessed(0, 2, []chainsync.ImportResult{
		{Outcome: chainsync.ImportVerificationFailed, Hash: unittest.HashFixture(), Number: 101, Origin: &originA},
		{Outcome: chainsync.ImportBadBlock, Hash: unittest.HashFixture(), Number: 102, Origin: &originB},
	})

	drops := droppedPeers(s.core.Actions())
	s.Require().Len(drops, 1)
	s.Assert().Equal(peerA, drops[0].Peer.Peer)
	s.Assert().Equal(chainsync.ReputationVerificationFailed, drops[0].Peer.Reputation)

	// The second peer survived the restart.
	s.Require().NotNil(s.peerInfo(peerB))
}

// TestImportFeedback_RestartCancelsObsoleteRequests verifies that a peer
// re-registered by a restart without a follow-up request gets its in-flight
// request canceled instead of left dangling.
func (s *SyncSuite) TestImportFeedback_RestartCancelsObsoleteRequests() {
	peer := s.connectKnownPeer(50)
	s.core.Actions()

	s.core.OnBlocksProcessed(0, 1, []chainsync.ImportResult{{
		Outcome: chainsync.ImportOtherError,
		Hash:    unittest.HashFixture(),
		Number:  101,
	}})

	cancels := canceledRequests(s.core.Actions())
	s.Require().Len(cancels, 1)
	s.Assert().Equal(peer, cancels[0].Peer)
}

// TestImportFeedback_RestartIdempotent verifies that restarting twice with
// no peer activity in between lands in the same state as restarting once.
func (s *SyncSuite) TestImportFeedback_RestartIdempotent() {
	s.connectKnownPeer(50)
	s.connectKnownPeer(80)

	restart := func() {
		s.core.OnBlocksProcessed(0, 1, []chainsync.ImportResult{{
			Outcome: chainsync.ImportOtherError,
			Hash:    unittest.HashFixture(),
			Number:  101,
		}})
		s.core.Actions()
	}

	restart()
	snapshot := func() map[karst.PeerID]PeerInfo {
		infos := make(map[karst.PeerID]PeerInfo)
		for _, info := range s.core.PeersInfo() {
			infos[info.Peer] = info
		}
		return infos
	}
	once := snapshot()
	onceStatus := s.core.Status()

	restart()
	s.Assert().Equal(once, snapshot())
	s.Assert().Equal(onceStatus, s.core.Status())
}

func (s *SyncSuite) TestImportFeedback_BadJustification() {
	peer := s.connectKnownPeer(50)
	origin := peer

	s.core.OnBlocksProcessed(1, 1, []chainsync.ImportResult{{
		Outcome: chainsync.ImportedUnknown,
		Hash:    unittest.HashFixture(),
		Number:  80,
		Origin:  &origin,
		Aux:     chainsync.ImportedAux{BadJustification: true},
	}})

	drops := droppedPeers(s.core.Actions())
	s.Require().Len(drops, 1)
	s.Assert().Equal(chainsync.ReputationBadJustification, drops[0].Peer.Reputation)
}

func (s *SyncSuite) TestJustificationRoundtrip() {
	peer := s.connectKnownPeer(chainLength)
	target := s.chain.HeaderAt(50)

	s.core.RequestJustification(target.ID(), target.Number)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	request := requests[0].Request
	s.Assert().Equal(chainsync.AttributeJustification, request.Fields)
	s.Require().NotNil(request.From.Hash)
	s.Assert().Equal(target.ID(), *request.From.Hash)

	justifications := karst.Justifications{{
		ConsensusEngineID: [4]byte{'F', 'R', 'N', 'K'},
		Data:              []byte("finality proof"),
	}}
	err := s.core.OnBlockJustification(peer, []chainsync.BlockData{{
		Hash:          target.ID(),
		Justification: &justifications,
	}})
	s.Require().NoError(err)

	var imports []ImportJustifications
	for _, action := range s.core.Actions() {
		if imp, ok := action.(ImportJustifications); ok {
			imports = append(imports, imp)
		}
	}
	s.Require().Len(imports, 1)
	s.Assert().Equal(target.ID(), imports[0].Hash)
	s.Assert().Equal(justifications, imports[0].Justifications)

	// A successful import settles the request for good.
	s.core.OnJustificationImport(target.ID(), target.Number, true)
	s.Assert().Empty(blockRequests(s.core.Actions()))
}

func (s *SyncSuite) TestJustification_WrongBlock() {
	peer := s.connectKnownPeer(chainLength)
	target := s.chain.HeaderAt(50)

	s.core.RequestJustification(target.ID(), target.Number)
	s.Require().Len(blockRequests(s.core.Actions()), 1)

	err := s.core.OnBlockJustification(peer, []chainsync.BlockData{{Hash: unittest.HashFixture()}})
	var badPeer *chainsync.BadPeer
	s.Require().ErrorAs(err, &badPeer)
	s.Assert().Equal(chainsync.ReputationBadJustification, badPeer.Reputation)
}

func (s *SyncSuite) TestAnnounce_ForkDownload() {
	peer := s.connectKnownPeer(chainLength)

	// A fork head three blocks deep, branching off our canonical chain.
	branch := unittest.HeaderChainFixture(s.chain.HeaderAt(92), 3)
	head := branch[len(branch)-1]

	s.core.OnValidatedBlockAnnounce(peer, &chainsync.BlockAnnounce{Header: head, IsBest: true}, true)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	request := requests[0].Request
	s.Assert().Equal(chainsync.Descending, request.Direction)
	s.Require().NotNil(request.From.Hash)
	s.Assert().Equal(head.ID(), *request.From.Hash)

	// The peer serves the whole branch; fork blocks may import without
	// their parent state being present.
	blocks := unittest.Reversed(unittest.BlockDataChain(branch))
	s.Require().NoError(s.core.OnBlockData(peer, &request, blocks))

	batches := importBatches(s.core.Actions())
	s.Require().Len(batches, 1)
	s.Require().Len(batches[0].Blocks, 3)
	for _, b := range batches[0].Blocks {
		s.Assert().True(b.AllowMissingState)
	}
}

func (s *SyncSuite) TestAnnounce_KnownBlockMovesCommonNumber() {
	peer := s.connectKnownPeer(50)

	known := s.chain.HeaderAt(80)
	s.core.OnValidatedBlockAnnounce(peer, &chainsync.BlockAnnounce{Header: known, IsBest: true}, true)

	info := s.peerInfo(peer)
	s.Require().NotNil(info)
	s.Assert().Equal(uint64(80), info.CommonNumber)
	s.Assert().Equal(uint64(80), info.BestNumber)
}

func (s *SyncSuite) TestAnnouncedBlocksGetBroadcastOrigin() {
	extension := unittest.HeaderChainFixture(s.chain.BestHeader(), 1)
	head := extension[0]

	peer := s.connectAheadPeer(head.ID(), head.Number)
	s.core.OnValidatedBlockAnnounce(peer, &chainsync.BlockAnnounce{Header: head, IsBest: true}, true)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	blocks := unittest.Reversed(unittest.BlockDataChain(extension))
	s.Require().NoError(s.core.OnBlockData(peer, &requests[0].Request, blocks))

	batches := importBatches(s.core.Actions())
	s.Require().Len(batches, 1)
	s.Assert().Equal(karst.OriginNetworkBroadcast, batches[0].Origin)
}

func (s *SyncSuite) TestSetForkSyncRequest() {
	peer := s.connectKnownPeer(chainLength)

	fork := unittest.HeaderFixture(unittest.WithNumber(95))
	s.core.SetForkSyncRequest(fork.ID(), fork.Number, peer)

	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	s.Require().NotNil(requests[0].Request.From.Hash)
	s.Assert().Equal(fork.ID(), *requests[0].Request.From.Hash)

	// Finalizing past the fork expires the target.
	s.core.OnBlockFinalized(s.chain.HeaderAt(96).ID(), 96)
	s.core.PeerDisconnected(peer)
	s.connectKnownPeer(chainLength)
	s.Assert().Empty(blockRequests(s.core.Actions()))
}

func (s *SyncSuite) TestPeerDisconnected_ReleasesWork() {
	extension := unittest.HeaderChainFixture(s.chain.BestHeader(), 20)
	tip := extension[len(extension)-1]

	peerA := s.connectAheadPeer(tip.ID(), tip.Number)
	requests := blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)

	// The downloading peer vanishes; its range reopens for the next peer.
	s.core.PeerDisconnected(peerA)
	s.Assert().Empty(s.core.PeersInfo())

	peerB := s.connectAheadPeer(tip.ID(), tip.Number)
	requests = blockRequests(s.core.Actions())
	s.Require().Len(requests, 1)
	s.Require().NotNil(s.peerInfo(peerB))
	s.Require().NotNil(requests[0].Request.From.Hash)
	s.Assert().Equal(tip.ID(), *requests[0].Request.From.Hash)
}

func (s *SyncSuite) TestStatus() {
	status := s.core.Status()
	s.Assert().Equal(SyncIdle, status.State)
	s.Assert().False(status.IsMajorSyncing())
	s.Assert().Equal(0, status.NumPeers)

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.core.RegisterPeer(unittest.PeerIDFixture(), unittest.HashFixture(), 200))
	}

	status = s.core.Status()
	s.Assert().Equal(SyncDownloading, status.State)
	s.Assert().True(status.IsMajorSyncing())
	s.Assert().Equal(uint64(200), status.Target)
	s.Require().NotNil(status.BestSeenBlock)
	s.Assert().Equal(uint64(200), *status.BestSeenBlock)
	s.Assert().Equal(3, status.NumPeers)
}

func (s *SyncSuite) TestNew_RejectsInvalidConfig() {
	config := DefaultConfig()
	config.MaxBlocksPerRequest = 0
	_, err := New(unittest.Logger(), config, s.chain, nil, metrics.NewNoopCollector())
	s.Require().Error(err)

	config = DefaultConfig()
	config.Mode = ModeWarp
	_, err = New(unittest.Logger(), config, s.chain, nil, metrics.NewNoopCollector())
	s.Require().Error(err, "warp mode requires a provider")
}

// TestWarpBootstrap drives the warp sync from an empty database through the
// proof chain, the target block, and the switch to full sync.
func (s *SyncSuite) TestWarpBootstrap() {
	target := unittest.HeaderFixture(unittest.WithNumber(5000))
	provider := &fakeWarpProvider{
		verify: func(chainsync.EncodedProof, uint64, []byte) (*module.WarpProofVerification, error) {
			return &module.WarpProofVerification{
				Complete:   true,
				LastHash:   target.ID(),
				LastNumber: target.Number,
				Header:     target,
			}, nil
		},
	}

	chain := unittest.NewTestChain(0)
	config := DefaultConfig()
	config.Mode = ModeWarp
	config.MinPeersForWarpSync = 1
	core, err := New(unittest.Logger(), config, chain, provider, metrics.NewNoopCollector())
	s.Require().NoError(err)

	peer := unittest.PeerIDFixture()
	s.Require().NoError(core.RegisterPeer(peer, unittest.HashFixture(), 6000))

	// First a proof request, no ancestry probing during the bootstrap.
	actions := core.Actions()
	s.Require().Len(actions, 1)
	proofRequest, ok := actions[0].(SendWarpProofRequest)
	s.Require().True(ok)
	s.Assert().Equal(peer, proofRequest.Peer)

	s.Require().NoError(core.OnWarpProofResponse(peer, chainsync.EncodedProof("complete")))

	// Then the target block.
	requests := blockRequests(core.Actions())
	s.Require().Len(requests, 1)
	request := requests[0].Request
	s.Assert().Equal(uint32(1), request.Max)

	s.Require().NoError(core.OnBlockData(peer, &request, []chainsync.BlockData{unittest.BlockDataFixture(target)}))

	actions = core.Actions()
	var finished *WarpSyncFinished
	for _, action := range actions {
		if f, ok := action.(WarpSyncFinished); ok {
			finished = &f
		}
	}
	s.Require().NotNil(finished)
	s.Assert().Equal(target, finished.Result.TargetHeader)

	batches := importBatches(actions)
	s.Require().Len(batches, 1)
	s.Require().Len(batches[0].Blocks, 1)
	s.Assert().True(batches[0].Blocks[0].SkipExecution)
	s.Assert().True(batches[0].Blocks[0].AllowMissingState)
	s.Assert().Equal("complete", core.Status().WarpPhase)

	// Full sync continues right above the target.
	requests = blockRequests(actions)
	s.Require().Len(requests, 1)
	s.Assert().Equal(uint64(5064), requests[0].Request.From.Number)
	s.Assert().Equal(uint32(64), requests[0].Request.Max)
}

func (s *SyncSuite) TestRestartKeepsJustificationDownloads() {
	peer := s.connectKnownPeer(chainLength)
	target := s.chain.HeaderAt(50)
	s.core.RequestJustification(target.ID(), target.Number)
	s.Require().Len(blockRequests(s.core.Actions()), 1)

	// An import error restarts the sync, but the peer keeps serving the
	// justification request.
	s.core.OnBlocksProcessed(0, 1, []chainsync.ImportResult{{
		Outcome: chainsync.ImportOtherError,
		Hash:    unittest.HashFixture(),
		Number:  101,
	}})

	info := s.peerInfo(peer)
	s.Require().NotNil(info)
	s.Assert().Contains(info.State, "justification")

	justifications := karst.Justifications{{Data: []byte("proof")}}
	err := s.core.OnBlockJustification(peer, []chainsync.BlockData{{
		Hash:          target.ID(),
		Justification: &justifications,
	}})
	s.Require().NoError(err)
}

// errorInfoChain fails the Info call to exercise constructor error paths.
type errorInfoChain struct {
	*unittest.TestChain
}

func (e *errorInfoChain) Info() (*module.ChainInfo, error) {
	return nil, errors.New("database closed")
}

func (s *SyncSuite) TestNew_ChainInfoError() {
	broken := &errorInfoChain{TestChain: s.chain}
	_, err := New(unittest.Logger(), DefaultConfig(), broken, nil, metrics.NewNoopCollector())
	s.Require().Error(err)
}
