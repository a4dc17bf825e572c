// Package htree builds and reads the Merkle DAG that indexes an item's
// chunks.
//
// A node is a sequence of fixed-size entries. Each entry names a child by
// address and records how many leaves and how many bytes lie beneath it, so
// a reader can skip whole subtrees when looking for a byte range. Leaves are
// data chunks; every other level is a node chunk addressed by the unkeyed
// hash of its bytes.
package htree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
)

// EntrySize is the encoded size of a node entry.
const EntrySize = address.Size + 8 + 8

// ErrEmptyTree is returned when finishing a tree that has no leaves.
var ErrEmptyTree = errors.New("hash tree has no leaves")

// Entry references a child of a node.
type Entry struct {
	Addr      address.Address
	LeafCount uint64
	Size      uint64
}

// Root describes a whole tree. Height 0 means Address is itself the only
// data chunk.
type Root struct {
	Height    int             `msgpack:"height"`
	Address   address.Address `msgpack:"address"`
	LeafCount uint64          `msgpack:"leaf_count"`
	Size      uint64          `msgpack:"size"`
}

// Sink stores tree nodes.
type Sink interface {
	PutNode(ctx context.Context, addr address.Address, data []byte) error
}

// Source fetches tree nodes.
type Source interface {
	GetNode(ctx context.Context, addr address.Address) ([]byte, error)
}

func encodeNode(entries []Entry) []byte {
	buf := make([]byte, 0, len(entries)*EntrySize)
	for _, e := range entries {
		buf = append(buf, e.Addr[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, e.LeafCount)
		buf = binary.LittleEndian.AppendUint64(buf, e.Size)
	}
	return buf
}

// DecodeNode parses node bytes fetched for addr, verifying the hash.
func DecodeNode(addr address.Address, data []byte) ([]Entry, error) {
	if address.Hash(data) != addr {
		return nil, fmt.Errorf("tree node %s hash mismatch: %w", addr, fault.ErrCorrupt)
	}
	if len(data) == 0 || len(data)%EntrySize != 0 {
		return nil, fmt.Errorf("tree node %s has invalid length %d: %w", addr, len(data), fault.ErrCorrupt)
	}

	entries := make([]Entry, len(data)/EntrySize)
	for i := range entries {
		b := data[i*EntrySize:]
		copy(entries[i].Addr[:], b[:address.Size])
		entries[i].LeafCount = binary.LittleEndian.Uint64(b[address.Size:])
		entries[i].Size = binary.LittleEndian.Uint64(b[address.Size+8:])
	}
	return entries, nil
}

// fetch loads a node and checks its entries against the totals recorded by
// its parent.
func fetch(ctx context.Context, src Source, parent Entry) ([]Entry, error) {
	data, err := src.GetNode(ctx, parent.Addr)
	if err != nil {
		return nil, fmt.Errorf("fetch tree node %s: %w", parent.Addr, err)
	}
	entries, err := DecodeNode(parent.Addr, data)
	if err != nil {
		return nil, err
	}

	var leaves, size uint64
	for _, e := range entries {
		leaves += e.LeafCount
		size += e.Size
	}
	if leaves != parent.LeafCount || size != parent.Size {
		return nil, fmt.Errorf("tree node %s totals do not match parent: %w", parent.Addr, fault.ErrCorrupt)
	}
	return entries, nil
}

func (r Root) entry() Entry {
	return Entry{Addr: r.Address, LeafCount: r.LeafCount, Size: r.Size}
}
