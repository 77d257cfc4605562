// Package unittest provides test fixtures and in-memory doubles for the
// sync engine tests.
package unittest

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/karstlabs/karst/model/chainsync"
	"github.com/karstlabs/karst/model/karst"
)

// Logger returns a discarding logger for tests.
func Logger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func HashFixture() karst.Hash {
	var h karst.Hash
	_, _ = crand.Read(h[:])
	return h
}

func PeerIDFixture() karst.PeerID {
	return karst.PeerID(fmt.Sprintf("peer-%d", rand.Uint32()))
}

func WithNumber(number uint64) func(*karst.Header) {
	return func(header *karst.Header) {
		header.Number = number
	}
}

func WithParent(parent *karst.Header) func(*karst.Header) {
	return func(header *karst.Header) {
		header.ParentHash = parent.ID()
		header.Number = parent.Number + 1
	}
}

func HeaderFixture(opts ...func(*karst.Header)) *karst.Header {
	header := &karst.Header{
		ParentHash:     HashFixture(),
		Number:         1 + uint64(rand.Uint32()),
		StateRoot:      HashFixture(),
		ExtrinsicsRoot: HashFixture(),
	}
	for _, opt := range opts {
		opt(header)
	}
	return header
}

func HeaderWithParentFixture(parent *karst.Header) *karst.Header {
	return HeaderFixture(WithParent(parent))
}

// HeaderChainFixture builds a connected chain of length n on top of the
// given parent.
func HeaderChainFixture(parent *karst.Header, n int) []*karst.Header {
	chain := make([]*karst.Header, 0, n)
	previous := parent
	for i := 0; i < n; i++ {
		header := HeaderWithParentFixture(previous)
		chain = append(chain, header)
		previous = header
	}
	return chain
}

func BodyFixture() []karst.Extrinsic {
	body := make([]karst.Extrinsic, 1+rand.Intn(3))
	for i := range body {
		extrinsic := make([]byte, 8)
		_, _ = crand.Read(extrinsic)
		body[i] = extrinsic
	}
	return body
}

// BlockDataFixture wraps a header into a response entry with a body.
func BlockDataFixture(header *karst.Header) chainsync.BlockData {
	return chainsync.BlockData{
		Hash:   header.ID(),
		Header: header,
		Body:   BodyFixture(),
	}
}

// BlockDataChain converts a header chain into ascending response entries.
func BlockDataChain(headers []*karst.Header) []chainsync.BlockData {
	blocks := make([]chainsync.BlockData, 0, len(headers))
	for _, header := range headers {
		blocks = append(blocks, BlockDataFixture(header))
	}
	return blocks
}

// Reversed returns the blocks in opposite order, as a peer answering a
// descending request would send them.
func Reversed(blocks []chainsync.BlockData) []chainsync.BlockData {
	out := make([]chainsync.BlockData, len(blocks))
	for i, b := range blocks {
		out[len(blocks)-1-i] = b
	}
	return out
}
