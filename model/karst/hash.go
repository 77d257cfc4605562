package karst

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HashLen is the size of a block hash in bytes.
const HashLen = 32

// Hash represents a 32-byte block hash.
type Hash [HashLen]byte

// ZeroHash is the zero value hash, used as the parent of the genesis block.
var ZeroHash = Hash{}

// HexStringToHash converts a hex string to a hash, accepting an optional
// "0x" prefix.
func HexStringToHash(s string) (Hash, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("could not decode hash string: %w", err)
	}
	if len(b) != HashLen {
		return ZeroHash, fmt.Errorf("invalid hash length (%d != %d)", len(b), HashLen)
	}
	copy(h[:], b)
	return h, nil
}

// MustHexStringToHash converts a hex string to a hash and panics if the
// input is malformed. Intended for tests and hard-coded constants.
func MustHexStringToHash(s string) Hash {
	h, err := HexStringToHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// HashFromUint64 derives a hash from an integer. Only used by fixtures and
// the simulator, where collision resistance does not matter.
func HashFromUint64(n uint64) Hash {
	var h Hash
	binary.BigEndian.PutUint64(h[:8], n)
	return h
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if this is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}
