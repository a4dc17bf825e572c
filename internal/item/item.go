// Package item defines the records kept in the repository index.
package item

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/keys"
)

// Item is one committed backup. Items are never modified after commit.
type Item struct {
	ID           uuid.UUID   `msgpack:"id"`
	PrimaryKeyID uuid.UUID   `msgpack:"primary_key_id"`
	DataTree     htree.Root  `msgpack:"data_tree"`
	IndexTree    *htree.Root `msgpack:"index_tree,omitempty"`
	// EncryptedMetadata is a sealed Metadata, readable with a metadata
	// capable key.
	EncryptedMetadata []byte `msgpack:"encrypted_metadata"`
}

// Metadata is the secret part of an item.
type Metadata struct {
	Tags      map[string]string `msgpack:"tags"`
	Timestamp time.Time         `msgpack:"timestamp"`
	DataSize  uint64            `msgpack:"data_size"`
	IndexSize uint64            `msgpack:"index_size,omitempty"`
	// TreeHash binds the metadata to the item's plaintext tree roots so a
	// server cannot pair it with another item's data.
	TreeHash address.Address `msgpack:"tree_hash"`
}

// Tombstone is a removed item waiting out its grace period.
type Tombstone struct {
	Item      Item      `msgpack:"item"`
	RemovedAt time.Time `msgpack:"removed_at"`
	Deadline  time.Time `msgpack:"deadline"`
}

// Expired reports whether the grace period has passed at now.
func (t Tombstone) Expired(now time.Time) bool {
	return !now.Before(t.Deadline)
}

// OpKind is the kind of an item log entry.
type OpKind uint8

// Item log operations.
const (
	OpAdd OpKind = iota + 1
	OpRemove
	OpRestore
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpRestore:
		return "restore"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// LogOp is one entry of the item log. Add and Restore carry the item.
type LogOp struct {
	Seq  uint64    `msgpack:"seq"`
	Kind OpKind    `msgpack:"kind"`
	ID   uuid.UUID `msgpack:"id"`
	Item *Item     `msgpack:"item,omitempty"`
}

// Summary is what listing shows for an item.
type Summary struct {
	ID        uuid.UUID
	Tags      map[string]string
	Timestamp time.Time
	Size      uint64
}

// TreeHash hashes the plaintext tree roots of an item.
func TreeHash(data htree.Root, index *htree.Root) address.Address {
	buf := appendRoot(nil, data)
	if index != nil {
		buf = appendRoot(buf, *index)
	}
	return address.Hash(buf)
}

func appendRoot(buf []byte, r htree.Root) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Height))
	buf = append(buf, r.Address[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.LeafCount)
	return binary.LittleEndian.AppendUint64(buf, r.Size)
}

// New seals md for k and returns an item ready to commit.
func New(k keys.Key, data htree.Root, index *htree.Root, md Metadata) (Item, error) {
	md.DataSize = data.Size
	if index != nil {
		md.IndexSize = index.Size
	}
	md.TreeHash = TreeHash(data, index)

	plain, err := msgpack.Marshal(&md)
	if err != nil {
		return Item{}, fmt.Errorf("encode metadata: %w", err)
	}
	sealed, err := keys.Seal(k, keys.ClassMetadata, plain)
	if err != nil {
		return Item{}, err
	}
	return Item{
		ID:                uuid.New(),
		PrimaryKeyID:      k.PrimaryKeyID(),
		DataTree:          data,
		IndexTree:         index,
		EncryptedMetadata: sealed,
	}, nil
}

// Validate checks the fields a repository needs before accepting an item.
func (it *Item) Validate() error {
	if it.ID == uuid.Nil {
		return fmt.Errorf("item has no id: %w", fault.ErrInvalid)
	}
	if it.DataTree.Address.IsZero() {
		return fmt.Errorf("item %s has no data tree: %w", it.ID, fault.ErrInvalid)
	}
	if len(it.EncryptedMetadata) == 0 {
		return fmt.Errorf("item %s has no metadata: %w", it.ID, fault.ErrInvalid)
	}
	return nil
}

// Metadata opens the item's metadata with k and checks it belongs to this
// item's trees.
func (it *Item) Metadata(k keys.Key) (Metadata, error) {
	if k.PrimaryKeyID() != it.PrimaryKeyID {
		return Metadata{}, fmt.Errorf("item %s was written with key %s: %w", it.ID, it.PrimaryKeyID, fault.ErrAuthentication)
	}
	plain, err := keys.Open(k, keys.ClassMetadata, it.EncryptedMetadata)
	if err != nil {
		return Metadata{}, err
	}
	var md Metadata
	if err := msgpack.Unmarshal(plain, &md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata of %s: %v: %w", it.ID, err, fault.ErrCorrupt)
	}
	if md.TreeHash != TreeHash(it.DataTree, it.IndexTree) {
		return Metadata{}, fmt.Errorf("metadata of %s does not match its trees: %w", it.ID, fault.ErrCorrupt)
	}
	return md, nil
}

// Summary opens the metadata and returns the listing view.
func (it *Item) Summary(k keys.Key) (Summary, error) {
	md, err := it.Metadata(k)
	if err != nil {
		return Summary{}, err
	}
	return Summary{ID: it.ID, Tags: md.Tags, Timestamp: md.Timestamp, Size: md.DataSize}, nil
}

// Marshal encodes v for storage or the wire.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %v: %w", err, fault.ErrCorrupt)
	}
	return nil
}
