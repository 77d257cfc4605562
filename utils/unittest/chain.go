package unittest

import (
	"sync"

	"github.com/karstlabs/karst/model/karst"
	"github.com/karstlabs/karst/module"
)

// TestChain is an in-memory chain database double. It keeps a canonical
// header chain indexed by number plus any side-chain headers added
// explicitly, and answers the read-only queries the sync engine makes.
type TestChain struct {
	mu sync.Mutex

	headers   map[karst.Hash]*karst.Header
	canonical []karst.Hash
	bad       map[karst.Hash]struct{}
	pruned    map[karst.Hash]struct{}

	finalizedNumber         uint64
	finalizedStateAvailable bool
}

var _ module.ChainStatus = (*TestChain)(nil)

// NewTestChain builds a chain with a genesis block and length canonical
// blocks on top of it.
func NewTestChain(length int) *TestChain {
	c := &TestChain{
		headers: make(map[karst.Hash]*karst.Header),
		bad:     make(map[karst.Hash]struct{}),
		pruned:  make(map[karst.Hash]struct{}),
	}
	genesis := &karst.Header{Number: 0}
	c.headers[genesis.ID()] = genesis
	c.canonical = []karst.Hash{genesis.ID()}
	c.Extend(length)
	return c
}

// Extend grows the canonical chain by n blocks and returns the new headers.
func (c *TestChain) Extend(n int) []*karst.Header {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.headers[c.canonical[len(c.canonical)-1]]
	added := make([]*karst.Header, 0, n)
	for i := 0; i < n; i++ {
		header := HeaderWithParentFixture(parent)
		c.headers[header.ID()] = header
		c.canonical = append(c.canonical, header.ID())
		added = append(added, header)
		parent = header
	}
	return added
}

// AddHeader registers a side-chain header without making it canonical.
func (c *TestChain) AddHeader(header *karst.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[header.ID()] = header
}

// MarkBad blacklists a block hash.
func (c *TestChain) MarkBad(hash karst.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad[hash] = struct{}{}
}

// MarkPruned marks a known block as having its state discarded.
func (c *TestChain) MarkPruned(hash karst.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruned[hash] = struct{}{}
}

// SetFinalized moves the finality watermark.
func (c *TestChain) SetFinalized(number uint64, stateAvailable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizedNumber = number
	c.finalizedStateAvailable = stateAvailable
}

// GenesisHeader returns the canonical block at height zero.
func (c *TestChain) GenesisHeader() *karst.Header {
	return c.HeaderAt(0)
}

// BestHeader returns the canonical tip.
func (c *TestChain) BestHeader() *karst.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[c.canonical[len(c.canonical)-1]]
}

// HeaderAt returns the canonical header at the given number.
func (c *TestChain) HeaderAt(number uint64) *karst.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number >= uint64(len(c.canonical)) {
		return nil
	}
	return c.headers[c.canonical[number]]
}

func (c *TestChain) Info() (*module.ChainInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := c.headers[c.canonical[len(c.canonical)-1]]
	finalized := c.finalizedNumber
	if finalized >= uint64(len(c.canonical)) {
		finalized = uint64(len(c.canonical)) - 1
	}
	return &module.ChainInfo{
		BestHash:                best.ID(),
		BestNumber:              best.Number,
		GenesisHash:             c.canonical[0],
		FinalizedHash:           c.canonical[finalized],
		FinalizedNumber:         finalized,
		FinalizedStateAvailable: c.finalizedStateAvailable,
	}, nil
}

func (c *TestChain) BlockStatus(hash karst.Hash) (karst.BlockStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, isBad := c.bad[hash]; isBad {
		return karst.StatusKnownBad, nil
	}
	if _, exists := c.headers[hash]; !exists {
		return karst.StatusUnknown, nil
	}
	if _, isPruned := c.pruned[hash]; isPruned {
		return karst.StatusInChainPruned, nil
	}
	return karst.StatusInChain, nil
}

func (c *TestChain) HashByNumber(number uint64) (*karst.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if number >= uint64(len(c.canonical)) {
		return nil, nil
	}
	hash := c.canonical[number]
	return &hash, nil
}

func (c *TestChain) HeaderByHash(hash karst.Hash) (*karst.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header, exists := c.headers[hash]
	if !exists {
		return nil, nil
	}
	return header, nil
}

func (c *TestChain) IsDescendantOf(base karst.Hash, block karst.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

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
