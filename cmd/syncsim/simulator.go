package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	modelsync "github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
	"github.com/karstlabs/karst/module"
	"github.com/karstlabs/karst/module/chainsync"
)

// warpStep is how many blocks a single simulated warp proof fragment covers.
const warpStep = 1000

type simulationConfig struct {
	peers     int
	height    uint64
	mode      chainsync.SyncMode
	forkDepth uint64
}

// remoteChain is the chain all simulated peers serve. It answers block and
// warp proof requests the way a well-behaved peer would.
type remoteChain struct {
	headers    []*karst.Header
	byHash     map[karst.Hash]*karst.Header
	finalized  uint64
	warpTarget uint64
}

func buildRemoteChain(height uint64) *remoteChain {
	chain := &remoteChain{
		headers: make([]*karst.Header, 0, height+1),
		byHash:  make(map[karst.Hash]*karst.Header),
	}

	genesis := &karst.Header{Number: 0}
	chain.add(genesis)
	parent := genesis
	for n := uint64(1); n <= height; n++ {
		header := &karst.Header{
			ParentHash:     parent.ID(),
			Number:         n,
			StateRoot:      karst.HashFromUint64(n),
			ExtrinsicsRoot: karst.HashFromUint64(n<<1 | 1),
		}
		chain.add(header)
		parent = header
	}

	chain.finalized = height
	chain.warpTarget = height
	if height > 32 {
		chain.finalized = height - 16
		chain.warpTarget = height - 16
	}
	return chain
}

func (c *remoteChain) add(header *karst.Header) {
	c.headers = append(c.headers, header)
	c.byHash[header.ID()] = header
}

// addForkBranch grows a side branch of the given depth on top of the
// canonical block at baseNumber and returns its head.
func (c *remoteChain) addForkBranch(baseNumber uint64, depth uint64) *karst.Header {
	parent := c.headers[baseNumber]
	var head *karst.Header
	for i := uint64(0); i < depth; i++ {
		head = &karst.Header{
			ParentHash:     parent.ID(),
			Number:         parent.Number + 1,
			StateRoot:      karst.HashFromUint64(parent.Number + 1),
			ExtrinsicsRoot: karst.HashFromUint64(1 << 40),
			Digest:         [][]byte{[]byte("fork")},
		}
		c.byHash[head.ID()] = head
		parent = head
	}
	return head
}

func bodyFor(header *karst.Header) []karst.Extrinsic {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], header.Number)
	return []karst.Extrinsic{payload[:]}
}

// serve answers a block request from the remote chain.
func (c *remoteChain) serve(request *modelsync.BlockRequest) []modelsync.BlockData {
	max := int(request.MaxOrDefault(64))

	var start *karst.Header
	if request.From.Hash != nil {
		start = c.byHash[*request.From.Hash]
	} else if request.From.Number < uint64(len(c.headers)) {
		start = c.headers[request.From.Number]
	}
	if start == nil {
		return nil
	}

	var blocks []modelsync.BlockData
	current := start
	for len(blocks) < max && current != nil {
		blocks = append(blocks, c.blockData(current, request.Fields))
		if request.Direction == modelsync.Descending {
			if current.Number == 0 {
				break
			}
			current = c.byHash[current.ParentHash]
		} else {
			next := current.Number + 1
			if next >= uint64(len(c.headers)) {
				break
			}
			current = c.headers[next]
		}
	}
	return blocks
}

func (c *remoteChain) blockData(header *karst.Header, fields modelsync.BlockAttributes) modelsync.BlockData {
	data := modelsync.BlockData{Hash: header.ID()}
	if fields.Contains(modelsync.AttributeHeader) {
		data.Header = header
	}
	if fields.Contains(modelsync.AttributeBody) {
		data.Body = bodyFor(header)
	}
	if fields.Contains(modelsync.AttributeJustification) && header.Number <= c.finalized {
		hash := header.ID()
		justifications := karst.Justifications{{
			ConsensusEngineID: [4]byte{'S', 'I', 'M', '0'},
			Data:              hash[:],
		}}
		data.Justification = &justifications
	}
	return data
}

// proofFrom produces the warp proof fragment beginning at the given block.
// The encoded proof simply carries the block number it proves up to.
func (c *remoteChain) proofFrom(begin karst.Hash) modelsync.EncodedProof {
	number := uint64(0)
	if header, exists := c.byHash[begin]; exists {
		number = header.Number
	}
	next := number + warpStep
	if next > c.warpTarget {
		next = c.warpTarget
	}
	var proof [8]byte
	binary.BigEndian.PutUint64(proof[:], next)
	return proof[:]
}

// simWarpProvider verifies the simulated proofs against the remote chain.
type simWarpProvider struct {
	remote *remoteChain
}

func (p *simWarpProvider) CurrentAuthorities() []byte {
	return []byte("sim-genesis-authorities")
}

func (p *simWarpProvider) Verify(proof modelsync.EncodedProof, setID uint64, authorities []byte) (*module.WarpProofVerification, error) {
	if len(proof) != 8 {
		return nil, errors.New("malformed proof")
	}
	number := binary.BigEndian.Uint64(proof)
	if number > p.remote.warpTarget {
		return nil, errors.New("proof beyond finalized chain")
	}
	header := p.remote.headers[number]
	verification := &module.WarpProofVerification{
		SetID:       setID + 1,
		Authorities: []byte(fmt.Sprintf("sim-authorities-%d", setID+1)),
		LastHash:    header.ID(),
		LastNumber:  number,
	}
	if number == p.remote.warpTarget {
		verification.Complete = true
		verification.Header = header
	}
	return verification, nil
}

// simChain is the local chain database being synced.
type simChain struct {
	headers         map[karst.Hash]*karst.Header
	byNumber        map[uint64]karst.Hash
	genesisHash     karst.Hash
	bestHash        karst.Hash
	bestNumber      uint64
	finalizedNumber uint64
	stateAvailable  bool
}

var _ module.ChainStatus = (*simChain)(nil)

func newSimChain(genesis *karst.Header) *simChain {
	hash := genesis.ID()
	return &simChain{
		headers:     map[karst.Hash]*karst.Header{hash: genesis},
		byNumber:    map[uint64]karst.Hash{0: hash},
		genesisHash: hash,
		bestHash:    hash,
	}
}

func (c *simChain) importBlock(header *karst.Header) {
	hash := header.ID()
	c.headers[hash] = header
	c.byNumber[header.Number] = hash
	if header.Number > c.bestNumber {
		c.bestNumber = header.Number
		c.bestHash = hash
	}
}

func (c *simChain) finalize(number uint64) {
	if number > c.finalizedNumber {
		c.finalizedNumber = number
	}
}

func (c *simChain) Info() (*module.ChainInfo, error) {
	finalizedHash := c.byNumber[c.finalizedNumber]
	return &module.ChainInfo{
		BestHash:                c.bestHash,
		BestNumber:              c.bestNumber,
		GenesisHash:             c.genesisHash,
		FinalizedHash:           finalizedHash,
		FinalizedNumber:         c.finalizedNumber,
		FinalizedStateAvailable: c.stateAvailable,
	}, nil
}

func (c *simChain) BlockStatus(hash karst.Hash) (karst.BlockStatus, error) {
	if _, exists := c.headers[hash]; exists {
		return karst.StatusInChain, nil
	}
	return karst.StatusUnknown, nil
}

func (c *simChain) HashByNumber(number uint64) (*karst.Hash, error) {
	hash, exists := c.byNumber[number]
	if !exists {
		return nil, nil
	}
	return &hash, nil
}

func (c *simChain) HeaderByHash(hash karst.Hash) (*karst.Header, error) {
	return c.headers[hash], nil
}

func (c *simChain) IsDescendantOf(base karst.Hash, block karst.Hash) (bool, error) {
	current := block
	for {
		if current == base {
			return true, nil
		}
		header, exists := c.headers[current]
		if !exists || header.Number == 0 {
			return false, nil
		}
		current = header.ParentHash
	}
}

// simulation wires the sync core to the simulated network and drives it to
// completion.
type simulation struct {
	log    zerolog.Logger
	config simulationConfig
	remote *remoteChain
	local  *simChain
	core   *chainsync.ChainSync
	peers  []karst.PeerID

	forkAnnounced bool
}

func newSimulation(log zerolog.Logger, config simulationConfig, collector module.ChainSyncMetrics) (*simulation, error) {

	remote := buildRemoteChain(config.height)
	local := newSimChain(remote.headers[0])

	syncConfig := chainsync.DefaultConfig()
	syncConfig.Mode = config.mode

	var provider module.WarpSyncProvider
	if config.mode == chainsync.ModeWarp {
		provider = &simWarpProvider{remote: remote}
	}

	core, err := chainsync.New(log, syncConfig, local, provider, collector)
	if err != nil {
		return nil, err
	}

	peers := make([]karst.PeerID, 0, config.peers)
	for i := 0; i < config.peers; i++ {
		peers = append(peers, karst.PeerID(fmt.Sprintf("peer-%02d", i)))
	}

	return &simulation{
		log:    log.With().Str("component", "simulation").Logger(),
		config: config,
		remote: remote,
		local:  local,
		core:   core,
		peers:  peers,
	}, nil
}

func (s *simulation) run() error {
	started := time.Now()
	tip := s.remote.headers[len(s.remote.headers)-1]

	for _, peer := range s.peers {
		err := s.core.RegisterPeer(peer, tip.ID(), tip.Number)
		if err != nil {
			return fmt.Errorf("could not register %s: %w", peer, err)
		}
	}
	s.log.Info().
		Int("peers", len(s.peers)).
		Uint64("height", s.config.height).
		Str("mode", s.config.mode.String()).
		Msg("simulation started")

	idleRounds := 0
	for round := 0; ; round++ {
		actions := s.core.Actions()
		if len(actions) == 0 {
			if s.local.bestNumber >= s.config.height {
				break
			}
			idleRounds++
			if idleRounds > 3 {
				return fmt.Errorf("sync stalled at block %d after %d rounds", s.local.bestNumber, round)
			}
			continue
		}
		idleRounds = 0

		for _, action := range actions {
			err := s.execute(action)
			if err != nil {
				return err
			}
		}

		s.maybeAnnounceFork()
	}

	// Fetch a finality proof for the remote finalized head to close out the
	// run with a justified chain.
	finalizedHeader := s.remote.headers[s.remote.finalized]
	s.core.RequestJustification(finalizedHeader.ID(), finalizedHeader.Number)
	for i := 0; i < 5; i++ {
		actions := s.core.Actions()
		if len(actions) == 0 {
			break
		}
		for _, action := range actions {
			err := s.execute(action)
			if err != nil {
				return err
			}
		}
	}

	status := s.core.Status()
	s.log.Info().
		Uint64("best", s.local.bestNumber).
		Uint64("finalized", s.local.finalizedNumber).
		Int("peers", status.NumPeers).
		Dur("elapsed", time.Since(started)).
		Msg("sync complete")
	return nil
}

// execute plays the part of the network and the import queue for a single
// action.
func (s *simulation) execute(action chainsync.Action) error {
	switch a := action.(type) {

	case chainsync.SendBlockRequest:
		blocks := s.remote.serve(&a.Request)
		request := a.Request
		var err error
		if a.Request.Fields == modelsync.AttributeJustification {
			err = s.core.OnBlockJustification(a.Peer, blocks)
		} else {
			err = s.core.OnBlockData(a.Peer, &request, blocks)
		}
		if err != nil {
			var bad *modelsync.BadPeer
			if errors.As(err, &bad) {
				s.log.Warn().
					Str("peer", bad.Peer.String()).
					Str("reason", bad.Reason).
					Msg("dropped simulated peer")
				return nil
			}
			return err
		}

	case chainsync.SendWarpProofRequest:
		proof := s.remote.proofFrom(a.Request.Begin)
		err := s.core.OnWarpProofResponse(a.Peer, proof)
		if err != nil {
			return fmt.Errorf("warp proof rejected: %w", err)
		}

	case chainsync.ImportBlocks:
		results := make([]modelsync.ImportResult, 0, len(a.Blocks))
		for _, block := range a.Blocks {
			if block.Header == nil {
				continue
			}
			s.local.importBlock(block.Header)
			if block.SkipExecution {
				// The warp target import makes the finalized state available.
				s.local.finalize(block.Header.Number)
				s.local.stateAvailable = true
			}
			results = append(results, modelsync.ImportResult{
				Outcome: modelsync.ImportedUnknown,
				Hash:    block.Hash,
				Number:  block.Header.Number,
				Origin:  block.Origin,
			})
		}
		s.core.OnBlocksProcessed(len(results), len(results), results)

	case chainsync.ImportJustifications:
		s.core.OnJustificationImport(a.Hash, a.Number, true)
		s.local.finalize(a.Number)
		s.core.OnBlockFinalized(a.Hash, a.Number)

	case chainsync.DropPeer:
		s.log.Warn().
			Str("peer", a.Peer.Peer.String()).
			Str("reason", a.Peer.Reason).
			Msg("peer dropped")

	case chainsync.WarpSyncFinished:
		s.log.Info().
			Uint64("target", a.Result.TargetHeader.Number).
			Msg("warp sync reached its target")

	case chainsync.CancelBlockRequest:
		// Nothing to cancel: the simulated network answers synchronously.
	}
	return nil
}

// maybeAnnounceFork injects a competing branch once the sync has made
// enough progress, to exercise fork download.
func (s *simulation) maybeAnnounceFork() {
	if s.forkAnnounced || s.config.forkDepth == 0 {
		return
	}
	if s.local.bestNumber < s.config.height/2 || s.local.bestNumber <= s.config.forkDepth {
		return
	}
	s.forkAnnounced = true

	head := s.remote.addForkBranch(s.local.bestNumber-s.config.forkDepth, s.config.forkDepth)
	s.log.Info().
		Uint64("number", head.Number).
		Uint64("depth", s.config.forkDepth).
		Msg("announcing fork")
	s.core.OnValidatedBlockAnnounce(s.peers[0], &modelsync.BlockAnnounce{Header: head}, false)
}
