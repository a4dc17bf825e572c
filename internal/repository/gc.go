package repository

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/metrics"
)

// GCStart is what a collector needs to mark.
type GCStart struct {
	Generation uint64
	// Roots are the trees of every live item and every removed item still
	// inside its grace period.
	Roots []htree.Root
}

// GCStats reports the outcome of a collection.
type GCStats struct {
	ItemsPurged     int   `msgpack:"items_purged"`
	ChunksMarked    int   `msgpack:"chunks_marked"`
	ChunksDeleted   int   `msgpack:"chunks_deleted"`
	BytesFreed      int64 `msgpack:"bytes_freed"`
	ChunksRemaining int   `msgpack:"chunks_remaining"`
}

// BeginGC starts a collection: it bumps the generation so in-flight sends
// cannot commit, purges expired removed items, compacts the item log and
// activates the fence.
func (r *Repository) BeginGC(ctx context.Context) (GCStart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gc != nil {
		return GCStart{}, ErrGCRunning
	}

	now := r.now()
	var start GCStart
	purged := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		start.Generation = getU64(meta, keyGeneration) + 1
		if err := meta.Put(keyGeneration, u64(start.Generation)); err != nil {
			return err
		}

		removed := tx.Bucket(bucketRemoved)
		var expired [][]byte
		err := removed.ForEach(func(k, v []byte) error {
			var ts item.Tombstone
			if err := item.Unmarshal(v, &ts); err != nil {
				return err
			}
			if ts.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			start.Roots = appendRoots(start.Roots, &ts.Item)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := removed.Delete(k); err != nil {
				return err
			}
		}
		purged = len(expired)

		if err := tx.DeleteBucket(bucketLog); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketLog); err != nil {
			return err
		}
		if err := meta.Put(keySeq, u64(0)); err != nil {
			return err
		}
		return tx.Bucket(bucketItems).ForEach(func(_, v []byte) error {
			var it item.Item
			if err := item.Unmarshal(v, &it); err != nil {
				return err
			}
			start.Roots = appendRoots(start.Roots, &it)
			return appendLog(tx, item.LogOp{Kind: item.OpAdd, ID: it.ID, Item: &it})
		})
	})
	if err != nil {
		return GCStart{}, fmt.Errorf("begin gc: %w", err)
	}

	r.gc = &collection{
		generation:  start.Generation,
		itemsPurged: purged,
		live:        address.Set{},
		fence:       address.Set{},
	}
	metrics.Get().Generation.Set(float64(start.Generation))
	log.Info().Uint64("generation", start.Generation).Int("roots", len(start.Roots)).
		Int("purged", purged).Msg("garbage collection started")
	return start, nil
}

func appendRoots(roots []htree.Root, it *item.Item) []htree.Root {
	roots = append(roots, it.DataTree)
	if it.IndexTree != nil {
		roots = append(roots, *it.IndexTree)
	}
	return roots
}

func (r *Repository) collection(gen uint64) (*collection, error) {
	if r.gc == nil {
		return nil, ErrNoGC
	}
	if r.gc.generation != gen {
		return nil, fmt.Errorf("collection is at generation %d, not %d: %w", r.gc.generation, gen, fault.ErrInvalid)
	}
	return r.gc, nil
}

// Mark records reachable addresses.
func (r *Repository) Mark(ctx context.Context, gen uint64, addrs []address.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.collection(gen)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		c.live.Add(a)
	}
	return nil
}

// Sweep deletes every chunk that was neither marked nor fenced and ends
// the collection.
func (r *Repository) Sweep(ctx context.Context, gen uint64) (GCStats, error) {
	r.mu.Lock()
	c, err := r.collection(gen)
	if err == nil && c.sweeping {
		err = fmt.Errorf("generation %d: %w", gen, ErrGCRunning)
	}
	if err != nil {
		r.mu.Unlock()
		return GCStats{}, err
	}
	c.sweeping = true
	r.mu.Unlock()

	stats := GCStats{ItemsPurged: c.itemsPurged}
	err = r.store.Walk(ctx, func(addr address.Address, size int64) error {
		// Held across the delete so a writer cannot fence the address
		// between the check and the removal.
		r.mu.Lock()
		defer r.mu.Unlock()
		if c.live.Has(addr) || c.fence.Has(addr) {
			stats.ChunksRemaining++
			return nil
		}
		if err := r.store.Delete(ctx, addr); err != nil {
			return err
		}
		stats.ChunksDeleted++
		stats.BytesFreed += size
		return nil
	})

	r.mu.Lock()
	stats.ChunksMarked = len(c.live)
	if r.gc == c {
		r.gc = nil
	}
	r.mu.Unlock()
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}

	m := metrics.Get()
	m.GCRuns.Inc()
	m.GCChunksDeleted.Add(float64(stats.ChunksDeleted))
	m.GCBytesFreed.Add(float64(stats.BytesFreed))
	log.Info().Uint64("generation", gen).Int("deleted", stats.ChunksDeleted).
		Int64("freed", stats.BytesFreed).Int("remaining", stats.ChunksRemaining).
		Msg("garbage collection finished")
	return stats, nil
}

// AbortGC abandons the collection at gen, e.g. when its client disconnects.
// A sweep already under way runs to completion.
func (r *Repository) AbortGC(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gc != nil && r.gc.generation == gen && !r.gc.sweeping {
		log.Warn().Uint64("generation", gen).Msg("garbage collection aborted")
		r.gc = nil
	}
}
