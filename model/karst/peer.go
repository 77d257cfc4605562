package karst

// PeerID identifies a remote peer on the network layer. The sync engine
// treats it as an opaque key.
type PeerID string

func (p PeerID) String() string {
	return string(p)
}
