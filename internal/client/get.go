package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
)

// Get writes the contents of item id to w. With a subpath, the item must
// be a directory put; only that path and its descendants are fetched and
// written as a tar archive.
func (c *Client) Get(ctx context.Context, id uuid.UUID, k keys.Key, subpath string, w io.Writer) error {
	it, opener, err := c.openItem(ctx, id, k)
	if err != nil {
		return err
	}
	if subpath != "" {
		return c.getSubpath(ctx, it, opener, subpath, w)
	}
	return c.readRange(ctx, it.DataTree, opener, 0, it.DataTree.Size, w)
}

// GetRange writes bytes [offset, offset+length) of item id to w, fetching
// only the chunks that overlap the range.
func (c *Client) GetRange(ctx context.Context, id uuid.UUID, k keys.Key, offset, length uint64, w io.Writer) error {
	it, opener, err := c.openItem(ctx, id, k)
	if err != nil {
		return err
	}
	if offset > it.DataTree.Size {
		return fmt.Errorf("offset %d past end of item (%d bytes): %w", offset, it.DataTree.Size, fault.ErrInvalid)
	}
	length = min(length, it.DataTree.Size-offset)
	return c.readRange(ctx, it.DataTree, opener, offset, length, w)
}

// openItem fetches an item and checks that k may read it.
func (c *Client) openItem(ctx context.Context, id uuid.UUID, k keys.Key) (item.Item, keys.DataOpener, error) {
	opener, err := keys.AsDataOpener(k)
	if err != nil {
		return item.Item{}, nil, err
	}
	it, err := c.repo.GetItem(ctx, id)
	if err != nil {
		return item.Item{}, nil, fmt.Errorf("get item: %w", err)
	}
	// Opening the metadata verifies it is bound to these trees.
	if _, err := it.Metadata(k); err != nil {
		return item.Item{}, nil, err
	}
	return it, opener, nil
}

// readRange writes bytes [offset, offset+length) of the tree to w.
func (c *Client) readRange(ctx context.Context, root htree.Root, opener keys.DataOpener, offset, length uint64, w io.Writer) error {
	if length == 0 {
		return nil
	}
	end := offset + length
	r := htree.NewRangeReader(c.repo, root, offset, length)
	return c.fetchLeaves(ctx, r, opener, func(leaf htree.Leaf, data []byte) error {
		lo := uint64(0)
		if offset > leaf.Offset {
			lo = offset - leaf.Offset
		}
		hi := uint64(len(data))
		if end < leaf.Offset+hi {
			hi = end - leaf.Offset
		}
		if _, err := w.Write(data[lo:hi]); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	})
}

type fetchSlot struct {
	leaf htree.Leaf
	data []byte
	err  error
	done chan struct{}
}

// fetchLeaves fetches the leaves of r with up to Concurrency requests in
// flight and passes them to emit in order.
func (c *Client) fetchLeaves(ctx context.Context, r *htree.Reader, opener keys.DataOpener, emit func(htree.Leaf, []byte) error) error {
	g, gctx := errgroup.WithContext(ctx)
	slots := make(chan *fetchSlot, c.opts.Concurrency)

	g.Go(func() error {
		defer close(slots)
		for {
			leaf, err := r.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read tree: %w", err)
			}
			s := &fetchSlot{leaf: leaf, done: make(chan struct{})}
			select {
			case slots <- s:
			case <-gctx.Done():
				return gctx.Err()
			}
			go func() {
				defer close(s.done)
				s.data, s.err = c.fetchChunk(gctx, opener, leaf.Entry)
			}()
		}
	})

	g.Go(func() error {
		for s := range slots {
			<-s.done
			if s.err != nil {
				return s.err
			}
			if err := emit(s.leaf, s.data); err != nil {
				return err
			}
		}
		return nil
	})
	err := g.Wait()
	// The producer has closed slots; wait out fetches nobody consumed.
	for s := range slots {
		<-s.done
	}
	return err
}

// fetchChunk reads, decrypts and verifies one data chunk.
func (c *Client) fetchChunk(ctx context.Context, opener keys.DataOpener, e htree.Entry) ([]byte, error) {
	sealed, err := c.repo.GetChunk(ctx, e.Addr)
	if err != nil {
		return nil, fmt.Errorf("get chunk %s: %w", e.Addr, err)
	}
	plain, err := opener.OpenData(sealed)
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", e.Addr, err)
	}
	if uint64(len(plain)) != e.Size || address.Keyed(opener.HashKey(), plain) != e.Addr {
		return nil, fmt.Errorf("chunk %s does not match its address: %w", e.Addr, fault.ErrCorrupt)
	}
	return plain, nil
}
