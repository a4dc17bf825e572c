// Package address defines content addresses for chunks and tree nodes.
package address

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the length of an address in bytes.
const Size = 32

// Address identifies a chunk in the store.
type Address [Size]byte

// Zero is the all-zero address. It never names a stored chunk.
var Zero Address

// Keyed returns the address of a data chunk. The hash key keeps addresses
// opaque to anyone without the repository keys.
func Keyed(hashKey, data []byte) Address {
	h, err := blake2b.New256(hashKey)
	if err != nil {
		// Only possible with a key longer than 64 bytes.
		panic(fmt.Sprintf("address: invalid hash key: %v", err))
	}
	_, _ = h.Write(data)
	var a Address
	h.Sum(a[:0])
	return a
}

// Hash returns the unkeyed address of a tree node.
func Hash(data []byte) Address {
	return Address(blake2b.Sum256(data))
}

// Parse decodes a hex encoded address.
func Parse(s string) (Address, error) {
	var a Address
	if len(s) != hex.EncodedLen(Size) {
		return a, fmt.Errorf("invalid address length %d", len(s))
	}
	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return a, nil
}

// FromBytes copies b into an address.
func FromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Size {
		return a, fmt.Errorf("invalid address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

// String returns the hex form of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Zero
}

// Set is an unordered collection of addresses.
type Set map[Address]struct{}

// Add inserts a into the set and reports whether it was absent.
func (s Set) Add(a Address) bool {
	if _, ok := s[a]; ok {
		return false
	}
	s[a] = struct{}{}
	return true
}

// Has reports whether a is in the set.
func (s Set) Has(a Address) bool {
	_, ok := s[a]
	return ok
}
