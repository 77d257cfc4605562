package synchronization

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	modelsync "github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
	"github.com/karstlabs/karst/module"
	"github.com/karstlabs/karst/module/chainsync"
	"github.com/karstlabs/karst/module/metrics"
	"github.com/karstlabs/karst/utils/unittest"
)

type sentMessage struct {
	target karst.PeerID
	event  interface{}
}

type fakeConduit struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (c *fakeConduit) Unicast(event interface{}, target karst.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{target: target, event: event})
	return nil
}

func (c *fakeConduit) Close() error {
	return nil
}

// drainRequests returns and clears the block requests sent so far.
func (c *fakeConduit) drainRequests() []*modelsync.BlockRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var requests []*modelsync.BlockRequest
	for _, msg := range c.sent {
		if request, ok := msg.event.(*modelsync.BlockRequest); ok {
			requests = append(requests, request)
		}
	}
	c.sent = nil
	return requests
}

type reputationChange struct {
	peer   karst.PeerID
	change int32
	reason string
}

type fakeReporter struct {
	mu           sync.Mutex
	reports      []reputationChange
	disconnected []karst.PeerID
}

func (r *fakeReporter) ReportPeer(peer karst.PeerID, change int32, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, reputationChange{peer: peer, change: change, reason: reason})
}

func (r *fakeReporter) DisconnectPeer(peer karst.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, peer)
}

type fakeValidator struct {
	mu        sync.Mutex
	verdict   module.AnnounceValidation
	validated int
}

func (v *fakeValidator) Validate(*modelsync.BlockAnnounce) (module.AnnounceValidation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.validated++
	return v.verdict, nil
}

func (v *fakeValidator) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validated
}

type importedJustification struct {
	peer   karst.PeerID
	hash   karst.Hash
	number uint64
}

type fakeImportQueue struct {
	mu             sync.Mutex
	batches        [][]modelsync.IncomingBlock
	justifications []importedJustification
}

func (q *fakeImportQueue) ImportBlocks(origin karst.BlockOrigin, blocks []modelsync.IncomingBlock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, blocks)
}

func (q *fakeImportQueue) ImportJustifications(peer karst.PeerID, hash karst.Hash, number uint64, justifications karst.Justifications) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.justifications = append(q.justifications, importedJustification{peer: peer, hash: hash, number: number})
}

func TestSyncEngine(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

type EngineSuite struct {
	suite.Suite
	chain       *unittest.TestChain
	core        *chainsync.ChainSync
	engine      *Engine
	conduit     *fakeConduit
	reporter    *fakeReporter
	validator   *fakeValidator
	importQueue *fakeImportQueue
}

func (s *EngineSuite) SetupTest() {
	s.chain = unittest.NewTestChain(100)
	core, err := chainsync.New(unittest.Logger(), chainsync.DefaultConfig(), s.chain, nil, metrics.NewNoopCollector())
	s.Require().NoError(err)
	s.core = core

	s.conduit = &fakeConduit{}
	s.reporter = &fakeReporter{}
	s.validator = &fakeValidator{}
	s.importQueue = &fakeImportQueue{}

	eng, err := New(
		unittest.Logger(),
		metrics.NewNoopCollector(),
		s.conduit,
		s.reporter,
		s.validator,
		s.importQueue,
		core,
	)
	s.Require().NoError(err)
	s.engine = eng
}

// connectAheadPeer registers a peer and answers its ancestry probe, leaving
// an outstanding range request on the wire.
func (s *EngineSuite) connectAheadPeer() (karst.PeerID, *modelsync.BlockRequest) {
	extension := unittest.HeaderChainFixture(s.chain.BestHeader(), 20)
	tip := extension[len(extension)-1]

	peer := unittest.PeerIDFixture()
	s.engine.PeerUp(peer, tip.ID(), tip.Number)

	probes := s.conduit.drainRequests()
	s.Require().Len(probes, 1)

	ours := s.chain.HeaderAt(probes[0].From.Number)
	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{
		ID:     probes[0].ID,
		Blocks: []modelsync.BlockData{{Hash: ours.ID(), Header: ours}},
	})

	requests := s.conduit.drainRequests()
	s.Require().Len(requests, 1)
	return peer, requests[0]
}

func (s *EngineSuite) TestPeerUp_SendsProbe() {
	peer := unittest.PeerIDFixture()
	s.engine.PeerUp(peer, unittest.HashFixture(), 120)

	requests := s.conduit.drainRequests()
	s.Require().Len(requests, 1)
	s.Assert().Equal(uint32(1), requests[0].Max)
}

func (s *EngineSuite) TestPeerUp_BadPeerDisconnected() {
	peer := unittest.PeerIDFixture()
	s.engine.PeerUp(peer, unittest.HashFixture(), 0)

	s.Require().Len(s.reporter.reports, 1)
	s.Assert().Equal(modelsync.ReputationGenesisMismatch, s.reporter.reports[0].change)
	s.Require().Len(s.reporter.disconnected, 1)
	s.Assert().Equal(peer, s.reporter.disconnected[0])
}

func (s *EngineSuite) TestUnsolicitedResponsePenalized() {
	peer := unittest.PeerIDFixture()
	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{ID: 42})

	s.Require().Len(s.reporter.reports, 1)
	s.Assert().Equal(modelsync.ReputationNotRequested, s.reporter.reports[0].change)
	// An unsolicited response is suspicious but not worth a disconnect.
	s.Assert().Empty(s.reporter.disconnected)
}

func (s *EngineSuite) TestResponseCorrelation() {
	peer, request := s.connectAheadPeer()

	// Another peer answering our request is treated as unsolicited.
	stranger := unittest.PeerIDFixture()
	s.engine.onBlockResponse(stranger, &modelsync.BlockResponse{ID: request.ID})
	s.Require().Len(s.reporter.reports, 1)
	s.Assert().Equal(stranger, s.reporter.reports[0].peer)

	// The correlation entry is consumed, so the real peer is now
	// unsolicited too. It answers with an empty response, which the core
	// tolerates.
	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{ID: request.ID})
	s.Require().Len(s.reporter.reports, 2)
}

func (s *EngineSuite) TestBlockDownloadReachesImportQueue() {
	extension := unittest.HeaderChainFixture(s.chain.BestHeader(), 20)
	tip := extension[len(extension)-1]

	peer := unittest.PeerIDFixture()
	s.engine.PeerUp(peer, tip.ID(), tip.Number)

	probes := s.conduit.drainRequests()
	s.Require().Len(probes, 1)
	ours := s.chain.HeaderAt(probes[0].From.Number)
	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{
		ID:     probes[0].ID,
		Blocks: []modelsync.BlockData{{Hash: ours.ID(), Header: ours}},
	})

	requests := s.conduit.drainRequests()
	s.Require().Len(requests, 1)
	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{
		ID:     requests[0].ID,
		Blocks: unittest.Reversed(unittest.BlockDataChain(extension)),
	})

	s.Require().Len(s.importQueue.batches, 1)
	s.Assert().Len(s.importQueue.batches[0], 20)
}

func (s *EngineSuite) TestJustificationRouting() {
	peer := unittest.PeerIDFixture()
	best := s.chain.BestHeader()
	s.engine.PeerUp(peer, best.ID(), best.Number)
	s.conduit.drainRequests()

	target := s.chain.HeaderAt(50)
	s.engine.RequestJustification(target.ID(), target.Number)

	requests := s.conduit.drainRequests()
	s.Require().Len(requests, 1)
	s.Require().Equal(modelsync.AttributeJustification, requests[0].Fields)

	justifications := karst.Justifications{{Data: []byte("proof")}}
	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{
		ID: requests[0].ID,
		Blocks: []modelsync.BlockData{{
			Hash:          target.ID(),
			Justification: &justifications,
		}},
	})

	s.Require().Len(s.importQueue.justifications, 1)
	s.Assert().Equal(target.ID(), s.importQueue.justifications[0].hash)
	s.Assert().Equal(uint64(50), s.importQueue.justifications[0].number)
}

func (s *EngineSuite) TestAnnounceValidationFailure() {
	peer := unittest.PeerIDFixture()
	best := s.chain.BestHeader()
	s.engine.PeerUp(peer, best.ID(), best.Number)

	s.validator.verdict = module.AnnounceFailure
	announce := &modelsync.BlockAnnounce{Header: unittest.HeaderFixture()}
	s.engine.onBlockAnnounce(peer, announce)

	s.Require().Len(s.reporter.reports, 1)
	s.Assert().Equal(modelsync.ReputationBadResponse, s.reporter.reports[0].change)
}

func (s *EngineSuite) TestAnnounceBestUpdatesPeer() {
	peer := unittest.PeerIDFixture()
	s.engine.PeerUp(peer, s.chain.HeaderAt(50).ID(), 50)

	// The validator promotes the announce to best even though the flag is
	// unset.
	s.validator.verdict = module.AnnounceBest
	known := s.chain.HeaderAt(80)
	s.engine.onBlockAnnounce(peer, &modelsync.BlockAnnounce{Header: known})

	infos := s.core.PeersInfo()
	s.Require().Len(infos, 1)
	s.Assert().Equal(uint64(80), infos[0].BestNumber)
}

// TestRestartSupersedesStaleRequest verifies the correlation map does not
// leak entries across a restart: the fresh request replaces the old one,
// and a late answer to the old request is unsolicited.
func (s *EngineSuite) TestRestartSupersedesStaleRequest() {
	peer, request := s.connectAheadPeer()

	s.engine.OnBlocksProcessed(0, 1, []modelsync.ImportResult{{
		Outcome: modelsync.ImportOtherError,
		Hash:    unittest.HashFixture(),
		Number:  120,
	}})

	// The restart re-registered the peer with a fresh probe.
	probes := s.conduit.drainRequests()
	s.Require().Len(probes, 1)

	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{ID: request.ID})
	s.Require().Len(s.reporter.reports, 1)
	s.Assert().Equal(modelsync.ReputationNotRequested, s.reporter.reports[0].change)
}

func (s *EngineSuite) TestPeerDownForgetsRequests() {
	peer, request := s.connectAheadPeer()
	s.engine.PeerDown(peer)

	s.engine.onBlockResponse(peer, &modelsync.BlockResponse{ID: request.ID})
	s.Require().Len(s.reporter.reports, 1)
	s.Assert().Equal(modelsync.ReputationNotRequested, s.reporter.reports[0].change)
}

// TestWorkerLifecycle pushes a message through the queue and verifies a
// worker picks it up before shutdown.
func (s *EngineSuite) TestWorkerLifecycle() {
	<-s.engine.Ready()
	defer func() {
		<-s.engine.Done()
	}()

	peer := unittest.PeerIDFixture()
	best := s.chain.BestHeader()
	s.engine.PeerUp(peer, best.ID(), best.Number)

	err := s.engine.Process(peer, &modelsync.BlockAnnounce{Header: unittest.HeaderFixture()})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		return s.validator.count() > 0
	}, time.Second, 5*time.Millisecond)

	// Unknown message types are rejected synchronously.
	err = s.engine.Process(peer, "garbage")
	s.Require().Error(err)
}
