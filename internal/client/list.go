package client

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/internal/querycache"
)

// List yields the items of k's master key that match q, oldest first. A
// nil query matches everything. With a cache directory the local query
// cache is synced incrementally; otherwise the whole item log is fetched.
func (c *Client) List(ctx context.Context, q *querycache.Query, k keys.Key) iter.Seq2[item.Summary, error] {
	return func(yield func(item.Summary, error) bool) {
		qc, err := c.cache(k)
		if err != nil {
			yield(item.Summary{}, err)
			return
		}
		if qc != nil {
			if err := qc.Sync(ctx, c.repo.ID(), c.repo); err != nil {
				yield(item.Summary{}, fmt.Errorf("sync query cache: %w", err))
				return
			}
			for s, err := range qc.List(k, q) {
				if !yield(s, err) {
					return
				}
			}
			return
		}

		if _, err := keys.AsMetadataOpener(k); err != nil {
			yield(item.Summary{}, err)
			return
		}
		its, err := c.liveItems(ctx)
		if err != nil {
			yield(item.Summary{}, err)
			return
		}
		var sums []item.Summary
		for _, it := range its {
			if it.PrimaryKeyID != k.PrimaryKeyID() {
				continue
			}
			s, err := it.Summary(k)
			if err != nil {
				if !yield(item.Summary{ID: it.ID}, err) {
					return
				}
				continue
			}
			if q.Match(s) {
				sums = append(sums, s)
			}
		}
		slices.SortFunc(sums, func(a, b item.Summary) int {
			if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
				return c
			}
			return cmp.Compare(a.ID.String(), b.ID.String())
		})
		for _, s := range sums {
			if !yield(s, nil) {
				return
			}
		}
	}
}

// liveItems replays the full item log.
func (c *Client) liveItems(ctx context.Context) ([]item.Item, error) {
	ops, err := c.repo.ListItems(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	live := make(map[uuid.UUID]item.Item)
	for _, op := range ops.Ops {
		switch op.Kind {
		case item.OpAdd, item.OpRestore:
			if op.Item != nil {
				live[op.ID] = *op.Item
			}
		case item.OpRemove:
			delete(live, op.ID)
		}
	}
	return slices.Collect(maps.Values(live)), nil
}

// Find returns the ids of the items matching q.
func (c *Client) Find(ctx context.Context, q *querycache.Query, k keys.Key) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for s, err := range c.List(ctx, q, k) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}
