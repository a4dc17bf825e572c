package htree

import (
	"context"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/chunker"
)

// Node splitting defaults. A rolling sum over the entry addresses picks
// split points, so an edit in the data only rewrites the nodes on its path.
const (
	DefaultNodeMaskBits = 11
	DefaultMaxNodeSize  = 8 * 1024 * 1024
	minNodeEntries      = 2
)

type level struct {
	entries []Entry
	rs      *chunker.Rollsum
	size    int
}

// Writer builds a tree from leaf entries supplied in order. Memory use is
// bounded by one pending node per level.
type Writer struct {
	sink     Sink
	maskBits uint
	maxNode  int
	levels   []*level
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithNodeMaskBits sets the average node fan-out to roughly 2^bits/32 entries.
func WithNodeMaskBits(bits uint) WriterOption {
	return func(w *Writer) { w.maskBits = bits }
}

// WithMaxNodeSize caps the encoded size of a node.
func WithMaxNodeSize(n int) WriterOption {
	return func(w *Writer) {
		if n < minNodeEntries*EntrySize {
			n = minNodeEntries * EntrySize
		}
		w.maxNode = n
	}
}

// NewWriter returns a Writer that stores nodes in sink.
func NewWriter(sink Sink, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:     sink,
		maskBits: DefaultNodeMaskBits,
		maxNode:  DefaultMaxNodeSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add appends a data chunk of size bytes.
func (w *Writer) Add(ctx context.Context, addr address.Address, size int) error {
	return w.add(ctx, 0, Entry{Addr: addr, LeafCount: 1, Size: uint64(size)})
}

func (w *Writer) add(ctx context.Context, height int, e Entry) error {
	for len(w.levels) <= height {
		w.levels = append(w.levels, &level{rs: chunker.NewRollsum(w.maskBits)})
	}
	lv := w.levels[height]
	lv.entries = append(lv.entries, e)
	lv.size += EntrySize

	split := false
	for _, b := range e.Addr {
		if lv.rs.Roll(b) {
			split = true
		}
	}
	if (split && len(lv.entries) >= minNodeEntries) || lv.size+EntrySize > w.maxNode {
		return w.flush(ctx, height)
	}
	return nil
}

// flush writes the pending entries of a level as one node and adds a
// reference to it one level up.
func (w *Writer) flush(ctx context.Context, height int) error {
	lv := w.levels[height]
	if len(lv.entries) == 0 {
		return nil
	}

	data := encodeNode(lv.entries)
	parent := Entry{Addr: address.Hash(data)}
	for _, e := range lv.entries {
		parent.LeafCount += e.LeafCount
		parent.Size += e.Size
	}
	if err := w.sink.PutNode(ctx, parent.Addr, data); err != nil {
		return err
	}

	lv.entries = lv.entries[:0]
	lv.size = 0
	lv.rs.Reset()
	return w.add(ctx, height+1, parent)
}

// Finish flushes every level and returns the root. A single leaf becomes
// a height 0 root without any node.
func (w *Writer) Finish(ctx context.Context) (Root, error) {
	for height := 0; height < len(w.levels); height++ {
		lv := w.levels[height]
		top := height == len(w.levels)-1
		if top && len(lv.entries) == 1 {
			e := lv.entries[0]
			return Root{Height: height, Address: e.Addr, LeafCount: e.LeafCount, Size: e.Size}, nil
		}
		if err := w.flush(ctx, height); err != nil {
			return Root{}, err
		}
	}
	return Root{}, ErrEmptyTree
}
