// Package querycache keeps a local mirror of a repository's item index so
// listing and searching need no more than an incremental log fetch.
package querycache

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/internal/repository"
)

var (
	bucketItems = []byte("items")
	bucketMeta  = []byte("meta")

	keyRepository = []byte("repository")
	keyGeneration = []byte("generation")
	keySeq        = []byte("seq")
)

// Lister fetches item log entries from a repository.
type Lister interface {
	ListItems(ctx context.Context, gen, afterSeq uint64) (repository.Ops, error)
}

// Cache is an open query cache file.
type Cache struct {
	db *bbolt.DB
}

// Open opens or creates the cache at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create query cache dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open query cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketItems, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize query cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Generation is the repository generation the cache reflects.
func (c *Cache) Generation() (uint64, error) {
	var gen uint64
	err := c.db.View(func(tx *bbolt.Tx) error {
		gen = getU64(tx.Bucket(bucketMeta), keyGeneration)
		return nil
	})
	return gen, err
}

// Sync brings the cache up to date with the repository repoID. A cache
// bound to another repository, or one that the repository reports as
// being from an older generation, is rebuilt from scratch.
func (c *Cache) Sync(ctx context.Context, repoID uuid.UUID, l Lister) error {
	var gen, seq uint64
	err := c.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if cur := meta.Get(keyRepository); cur == nil || string(cur) != string(repoID[:]) {
			if err := reset(tx); err != nil {
				return err
			}
			return tx.Bucket(bucketMeta).Put(keyRepository, repoID[:])
		}
		gen, seq = getU64(meta, keyGeneration), getU64(meta, keySeq)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read query cache: %w", err)
	}

	ops, err := l.ListItems(ctx, gen, seq)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	err = c.db.Update(func(tx *bbolt.Tx) error {
		if ops.Reset {
			if err := reset(tx); err != nil {
				return err
			}
			if err := tx.Bucket(bucketMeta).Put(keyRepository, repoID[:]); err != nil {
				return err
			}
			seq = 0
		}
		items := tx.Bucket(bucketItems)
		for _, op := range ops.Ops {
			switch op.Kind {
			case item.OpAdd, item.OpRestore:
				if op.Item == nil {
					return fmt.Errorf("log entry %d has no item: %w", op.Seq, fault.ErrCorrupt)
				}
				raw, err := item.Marshal(op.Item)
				if err != nil {
					return err
				}
				if err := items.Put(op.ID[:], raw); err != nil {
					return err
				}
			case item.OpRemove:
				if err := items.Delete(op.ID[:]); err != nil {
					return err
				}
			default:
				return fmt.Errorf("log entry %d: unknown %s: %w", op.Seq, op.Kind, fault.ErrCorrupt)
			}
			seq = op.Seq
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyGeneration, u64(ops.Generation)); err != nil {
			return err
		}
		return meta.Put(keySeq, u64(seq))
	})
	if err != nil {
		return fmt.Errorf("update query cache: %w", err)
	}
	log.Debug().
		Uint64("generation", ops.Generation).
		Bool("reset", ops.Reset).
		Int("ops", len(ops.Ops)).
		Msg("query cache synced")
	return nil
}

func reset(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketItems, bucketMeta} {
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
	}
	return nil
}

// Item returns a cached item.
func (c *Cache) Item(id uuid.UUID) (item.Item, error) {
	var it item.Item
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketItems).Get(id[:])
		if raw == nil {
			return fmt.Errorf("%s: %w", id, repository.ErrItemNotFound)
		}
		return item.Unmarshal(raw, &it)
	})
	return it, err
}

// List yields the summaries of cached items matching q, oldest first.
// Items belonging to another master key are skipped; items whose metadata
// fails to open are reported and listing continues.
func (c *Cache) List(k keys.Key, q *Query) iter.Seq2[item.Summary, error] {
	return func(yield func(item.Summary, error) bool) {
		if _, err := keys.AsMetadataOpener(k); err != nil {
			yield(item.Summary{}, err)
			return
		}
		var its []item.Item
		err := c.db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketItems).ForEach(func(_, v []byte) error {
				var it item.Item
				if err := item.Unmarshal(v, &it); err != nil {
					return err
				}
				its = append(its, it)
				return nil
			})
		})
		if err != nil {
			yield(item.Summary{}, fmt.Errorf("read query cache: %w", err))
			return
		}

		var sums []item.Summary
		for i := range its {
			if its[i].PrimaryKeyID != k.PrimaryKeyID() {
				continue
			}
			s, err := its[i].Summary(k)
			if err != nil {
				if !yield(item.Summary{ID: its[i].ID}, err) {
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

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func getU64(b *bbolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}
