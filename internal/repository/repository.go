// Package repository is the server side of a backup repository: the chunk
// store plus the bbolt index of items, removed items, the item log and the
// generation counter that fences garbage collection.
package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/metrics"
	"github.com/sogaiu/bupstash/internal/store"
)

const (
	dbName    = "bupstash.db"
	chunksDir = "chunks"

	// DefaultGracePeriod is how long a removed item can be restored.
	DefaultGracePeriod = 7 * 24 * time.Hour
)

var (
	bucketItems   = []byte("items")
	bucketRemoved = []byte("removed")
	bucketLog     = []byte("itemlog")
	bucketMeta    = []byte("meta")

	keyID         = []byte("id")
	keyGeneration = []byte("generation")
	keySeq        = []byte("seq")
)

// Options configures a Repository.
type Options struct {
	// GracePeriod is how long removed items stay restorable.
	GracePeriod time.Duration
	// Parity adds Reed-Solomon parity to new chunks in the default store.
	Parity *store.Parity
	// Store replaces the on-disk chunk store, e.g. with a GCS bucket.
	Store store.Store
	// NoSync skips fsync on index and chunk writes. Tests only.
	NoSync bool
	Now    func() time.Time
}

// Repository owns a chunk store and its index. It is safe for concurrent
// use by many connections.
type Repository struct {
	path  string
	id    uuid.UUID
	db    *bbolt.DB
	store store.Store
	grace time.Duration
	now   func() time.Time

	// mu guards gc. Chunk writes take it only to join the fence.
	mu sync.Mutex
	gc *collection
}

type collection struct {
	generation  uint64
	itemsPurged int
	sweeping    bool
	live        address.Set
	// fence holds every address written or confirmed since the collection
	// began; sweep never deletes them.
	fence address.Set
}

// Create initializes a new repository at path.
func Create(path string, opts Options) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(path, dbName)); err == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create repository dir: %w", err)
	}
	r, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		id := uuid.New()
		if err := meta.Put(keyID, id[:]); err != nil {
			return err
		}
		if err := meta.Put(keyGeneration, u64(1)); err != nil {
			return err
		}
		r.id = id
		return meta.Put(keySeq, u64(0))
	})
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("initialize index: %w", err)
	}
	log.Info().Str("path", path).Str("id", r.id.String()).Msg("repository created")
	return r, nil
}

// Open opens an existing repository.
func Open(path string, opts Options) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(path, dbName)); err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoRepository)
	}
	r, err := open(path, opts)
	if err != nil {
		return nil, err
	}
	err = r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyID)
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return fmt.Errorf("repository id: %v: %w", err, fault.ErrCorrupt)
		}
		r.id = id
		return nil
	})
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func open(path string, opts Options) (*Repository, error) {
	db, err := bbolt.Open(filepath.Join(path, dbName), 0600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketItems, bucketRemoved, bucketLog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := opts.Store
	if st == nil {
		fsOpts := []store.Option{store.WithSync(!opts.NoSync)}
		if opts.Parity != nil {
			fsOpts = append(fsOpts, store.WithParity(*opts.Parity))
		}
		st, err = store.OpenDir(filepath.Join(path, chunksDir), fsOpts...)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	r := &Repository{
		path:  path,
		db:    db,
		store: st,
		grace: opts.GracePeriod,
		now:   opts.Now,
	}
	if r.grace <= 0 {
		r.grace = DefaultGracePeriod
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Close releases the index and the store.
func (r *Repository) Close() error {
	return errors.Join(r.db.Close(), r.store.Close())
}

// ID identifies the repository. Send logs are bound to it.
func (r *Repository) ID() uuid.UUID {
	return r.id
}

// Path is the repository directory.
func (r *Repository) Path() string {
	return r.path
}

// Generation returns the current generation.
func (r *Repository) Generation(ctx context.Context) (uint64, error) {
	var gen uint64
	err := r.db.View(func(tx *bbolt.Tx) error {
		gen = getU64(tx.Bucket(bucketMeta), keyGeneration)
		return nil
	})
	return gen, err
}

// BeginSend returns the generation a new item must be committed against.
func (r *Repository) BeginSend(ctx context.Context) (uint64, error) {
	return r.Generation(ctx)
}

// PutChunk stores a chunk. During a collection the address joins the fence
// before the store is touched, so a concurrent sweep cannot delete it.
func (r *Repository) PutChunk(ctx context.Context, addr address.Address, data []byte) error {
	r.fenceAdd(addr)
	return r.store.Put(ctx, addr, data)
}

// PutRef confirms a chunk the client believes is stored. It reports false
// when the chunk is gone and must be uploaded again.
func (r *Repository) PutRef(ctx context.Context, addr address.Address) (bool, error) {
	r.fenceAdd(addr)
	return r.store.Has(ctx, addr)
}

func (r *Repository) fenceAdd(addr address.Address) {
	r.mu.Lock()
	if r.gc != nil {
		r.gc.fence.Add(addr)
	}
	r.mu.Unlock()
}

// GetChunk reads a chunk.
func (r *Repository) GetChunk(ctx context.Context, addr address.Address) ([]byte, error) {
	return r.store.Get(ctx, addr)
}

// PutNode stores a tree node.
func (r *Repository) PutNode(ctx context.Context, addr address.Address, data []byte) error {
	return r.PutChunk(ctx, addr, data)
}

// GetNode fetches a tree node.
func (r *Repository) GetNode(ctx context.Context, addr address.Address) ([]byte, error) {
	return r.store.Get(ctx, addr)
}

// AddItem commits it if the generation is still gen.
func (r *Repository) AddItem(ctx context.Context, gen uint64, it item.Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	data, err := item.Marshal(&it)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	err = r.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if cur := getU64(meta, keyGeneration); cur != gen {
			return fmt.Errorf("send began at generation %d, now %d: %w", gen, cur, ErrStaleGeneration)
		}
		items := tx.Bucket(bucketItems)
		if items.Get(it.ID[:]) != nil || tx.Bucket(bucketRemoved).Get(it.ID[:]) != nil {
			return fmt.Errorf("%s: %w", it.ID, ErrDuplicateItem)
		}
		if err := items.Put(it.ID[:], data); err != nil {
			return err
		}
		return appendLog(tx, item.LogOp{Kind: item.OpAdd, ID: it.ID, Item: &it})
	})
	if err != nil {
		if errors.Is(err, ErrStaleGeneration) {
			metrics.Get().CommitConflicts.Inc()
		}
		return err
	}
	metrics.Get().ItemsAdded.Inc()
	log.Debug().Str("id", it.ID.String()).Uint64("generation", gen).Msg("item added")
	return nil
}

// GetItem returns a live item.
func (r *Repository) GetItem(ctx context.Context, id uuid.UUID) (item.Item, error) {
	var it item.Item
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketItems).Get(id[:])
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrItemNotFound)
		}
		return item.Unmarshal(data, &it)
	})
	return it, err
}

// Ops is a batch of item log entries.
type Ops struct {
	Generation uint64
	// Reset means the caller's view is from another generation and must be
	// discarded before applying Ops.
	Reset bool
	Ops   []item.LogOp
}

// ListItems returns log entries after afterSeq. When gen is not the
// current generation the whole log is returned with Reset set.
func (r *Repository) ListItems(ctx context.Context, gen, afterSeq uint64) (Ops, error) {
	var out Ops
	err := r.db.View(func(tx *bbolt.Tx) error {
		out.Generation = getU64(tx.Bucket(bucketMeta), keyGeneration)
		if out.Generation != gen {
			out.Reset = true
			afterSeq = 0
		}
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(u64(afterSeq + 1)); k != nil; k, v = c.Next() {
			var op item.LogOp
			if err := item.Unmarshal(v, &op); err != nil {
				return err
			}
			out.Ops = append(out.Ops, op)
		}
		return nil
	})
	return out, err
}

// Remove moves items to the removed set. Ids already removed are ignored;
// unknown ids fail the whole call.
func (r *Repository) Remove(ctx context.Context, ids []uuid.UUID) (int, error) {
	now := r.now()
	n := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		items, removed := tx.Bucket(bucketItems), tx.Bucket(bucketRemoved)
		n = 0
		for _, id := range ids {
			data := items.Get(id[:])
			if data == nil {
				if removed.Get(id[:]) != nil {
					continue
				}
				return fmt.Errorf("%s: %w", id, ErrItemNotFound)
			}
			var it item.Item
			if err := item.Unmarshal(data, &it); err != nil {
				return err
			}
			ts, err := item.Marshal(&item.Tombstone{Item: it, RemovedAt: now, Deadline: now.Add(r.grace)})
			if err != nil {
				return err
			}
			if err := removed.Put(id[:], ts); err != nil {
				return err
			}
			if err := items.Delete(id[:]); err != nil {
				return err
			}
			if err := appendLog(tx, item.LogOp{Kind: item.OpRemove, ID: id}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.Get().ItemsRemoved.Add(float64(n))
	return n, nil
}

// RestoreRemoved brings removed items back. An empty ids restores every
// removed item. Restoring an item that is already live is a no-op; an id
// that is neither live nor removed fails with a not-found error.
func (r *Repository) RestoreRemoved(ctx context.Context, ids []uuid.UUID) (int, error) {
	n := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		items, removed := tx.Bucket(bucketItems), tx.Bucket(bucketRemoved)
		n = 0
		if len(ids) == 0 {
			err := removed.ForEach(func(k, _ []byte) error {
				id, err := uuid.FromBytes(k)
				if err != nil {
					return fmt.Errorf("removed item key: %v: %w", err, fault.ErrCorrupt)
				}
				ids = append(ids, id)
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, id := range ids {
			data := removed.Get(id[:])
			if data == nil {
				if items.Get(id[:]) != nil {
					continue
				}
				return fmt.Errorf("%s: %w", id, ErrItemNotFound)
			}
			var ts item.Tombstone
			if err := item.Unmarshal(data, &ts); err != nil {
				return err
			}
			raw, err := item.Marshal(&ts.Item)
			if err != nil {
				return err
			}
			if err := items.Put(id[:], raw); err != nil {
				return err
			}
			if err := removed.Delete(id[:]); err != nil {
				return err
			}
			if err := appendLog(tx, item.LogOp{Kind: item.OpRestore, ID: id, Item: &ts.Item}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.Get().ItemsRestored.Add(float64(n))
	return n, nil
}

// Info summarizes a repository.
type Info struct {
	ID         uuid.UUID
	Generation uint64
	Items      int
	Removed    int
	Chunks     int64
	ChunkBytes int64
	Volume     *store.Volume
}

// Stats counts items and chunks. Walking the store reads no chunk data.
func (r *Repository) Stats(ctx context.Context) (Info, error) {
	info := Info{ID: r.id}
	err := r.db.View(func(tx *bbolt.Tx) error {
		info.Generation = getU64(tx.Bucket(bucketMeta), keyGeneration)
		info.Items = tx.Bucket(bucketItems).Stats().KeyN
		info.Removed = tx.Bucket(bucketRemoved).Stats().KeyN
		return nil
	})
	if err != nil {
		return Info{}, err
	}
	err = r.store.Walk(ctx, func(_ address.Address, size int64) error {
		info.Chunks++
		info.ChunkBytes += size
		return nil
	})
	if err != nil {
		return Info{}, err
	}
	if vol, err := store.VolumeStats(r.path); err == nil {
		info.Volume = &vol
	}
	return info, nil
}

func appendLog(tx *bbolt.Tx, op item.LogOp) error {
	meta := tx.Bucket(bucketMeta)
	op.Seq = getU64(meta, keySeq) + 1
	data, err := item.Marshal(&op)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketLog).Put(u64(op.Seq), data); err != nil {
		return err
	}
	return meta.Put(keySeq, u64(op.Seq))
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func getU64(b *bbolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}
