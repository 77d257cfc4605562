// Package network defines the interfaces the sync engine uses to talk to
// the network layer. Implementations live outside this repository; tests
// provide in-memory versions.
package network

import (
	"github.com/karstlabs/karst/model/karst"
)

// Conduit sends sync protocol messages to peers. Sends are asynchronous:
// a nil error means the message was handed to the transport, not that the
// peer received it.
type Conduit interface {

	// Unicast sends the event to a single target peer.
	Unicast(event interface{}, target karst.PeerID) error

	// Close stops the conduit; subsequent sends fail.
	Close() error
}

// ReputationReporter applies reputation changes and disconnects decided by
// the sync engine.
type ReputationReporter interface {

	// ReportPeer adjusts the peer's reputation by the given delta.
	ReportPeer(peer karst.PeerID, change int32, reason string)

	// DisconnectPeer drops all connections to the peer.
	DisconnectPeer(peer karst.PeerID)
}
