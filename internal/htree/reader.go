package htree

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
)

// Leaf is a data chunk reference together with its offset in the stream.
type Leaf struct {
	Entry
	Offset uint64
}

type frame struct {
	height  int
	entries []Entry
	pos     int
}

// Reader yields the leaves of a tree in order. A range reader only fetches
// the nodes whose byte span overlaps the requested range.
type Reader struct {
	src    Source
	root   Root
	start  uint64
	end    uint64
	cursor uint64
	stack  []*frame
	begun  bool
}

// NewReader returns a Reader over every leaf of root.
func NewReader(src Source, root Root) *Reader {
	return &Reader{src: src, root: root, end: math.MaxUint64}
}

// NewRangeReader returns a Reader over the leaves overlapping
// [offset, offset+length).
func NewRangeReader(src Source, root Root, offset, length uint64) *Reader {
	end := offset + length
	if end < offset {
		end = math.MaxUint64
	}
	return &Reader{src: src, root: root, start: offset, end: end}
}

func (r *Reader) overlaps(e Entry) bool {
	return r.cursor < r.end && r.cursor+e.Size > r.start
}

// Next returns the next leaf or io.EOF.
func (r *Reader) Next(ctx context.Context) (Leaf, error) {
	if !r.begun {
		r.begun = true
		if r.root.Height == 0 {
			e := r.root.entry()
			if r.root.LeafCount != 1 {
				return Leaf{}, fmt.Errorf("leaf root with %d leaves: %w", r.root.LeafCount, fault.ErrCorrupt)
			}
			if r.overlaps(e) || (e.Size == 0 && r.start == 0) {
				r.cursor += e.Size
				return Leaf{Entry: e}, nil
			}
			return Leaf{}, io.EOF
		}
		entries, err := fetch(ctx, r.src, r.root.entry())
		if err != nil {
			return Leaf{}, err
		}
		r.stack = append(r.stack, &frame{height: r.root.Height, entries: entries})
	}

	for len(r.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return Leaf{}, err
		}
		if r.cursor >= r.end {
			r.stack = nil
			break
		}

		top := r.stack[len(r.stack)-1]
		if top.pos == len(top.entries) {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}
		e := top.entries[top.pos]
		top.pos++

		if !r.overlaps(e) && !(e.Size == 0 && r.cursor >= r.start) {
			r.cursor += e.Size
			continue
		}
		if top.height == 1 {
			if e.LeafCount != 1 {
				return Leaf{}, fmt.Errorf("leaf entry with %d leaves: %w", e.LeafCount, fault.ErrCorrupt)
			}
			leaf := Leaf{Entry: e, Offset: r.cursor}
			r.cursor += e.Size
			return leaf, nil
		}

		children, err := fetch(ctx, r.src, e)
		if err != nil {
			return Leaf{}, err
		}
		r.stack = append(r.stack, &frame{height: top.height - 1, entries: children})
	}
	return Leaf{}, io.EOF
}

// Visit is called for every address reachable from a root. height is 0
// for data chunks. Returning false skips the children of a node.
type Visit func(addr address.Address, height int) (bool, error)

// Walk visits every node and leaf address beneath root. Leaves are never
// fetched.
func Walk(ctx context.Context, src Source, root Root, visit Visit) error {
	return walk(ctx, src, root.entry(), root.Height, visit)
}

func walk(ctx context.Context, src Source, e Entry, height int, visit Visit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	descend, err := visit(e.Addr, height)
	if err != nil || !descend || height == 0 {
		return err
	}

	children, err := fetch(ctx, src, e)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := walk(ctx, src, c, height-1, visit); err != nil {
			return err
		}
	}
	return nil
}
