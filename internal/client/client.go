// Package client implements the backup operations on top of a repository,
// local or remote: putting streams and directories, getting them back whole
// or in part, listing, removing, restoring and collecting garbage.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/chunker"
	"github.com/sogaiu/bupstash/internal/gc"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/internal/querycache"
	"github.com/sogaiu/bupstash/internal/repository"
	"github.com/sogaiu/bupstash/internal/sendlog"
)

// MaxPutAttempts bounds how often a put is restarted after its commit lost
// a race with garbage collection.
const MaxPutAttempts = 16

// Repo is the repository interface the client needs. It is implemented by
// *repository.Repository for local repositories and by *protocol.Client
// for remote ones.
type Repo interface {
	ID() uuid.UUID
	BeginSend(ctx context.Context) (uint64, error)

	PutChunk(ctx context.Context, addr address.Address, data []byte) error
	PutRef(ctx context.Context, addr address.Address) (bool, error)
	GetChunk(ctx context.Context, addr address.Address) ([]byte, error)
	PutNode(ctx context.Context, addr address.Address, data []byte) error
	GetNode(ctx context.Context, addr address.Address) ([]byte, error)

	AddItem(ctx context.Context, gen uint64, it item.Item) error
	GetItem(ctx context.Context, id uuid.UUID) (item.Item, error)
	ListItems(ctx context.Context, gen, afterSeq uint64) (repository.Ops, error)
	Remove(ctx context.Context, ids []uuid.UUID) (int, error)
	RestoreRemoved(ctx context.Context, ids []uuid.UUID) (int, error)

	gc.Target
	Stats(ctx context.Context) (repository.Info, error)
}

// Options configures a Client.
type Options struct {
	// Chunking selects chunk boundaries for new data.
	Chunking chunker.Params
	// Concurrency bounds parallel sealing, uploads and fetches.
	// Defaults to the number of CPUs.
	Concurrency int
	// UploadRate limits upload bandwidth in bytes per second. Zero means
	// unlimited.
	UploadRate int64
	// SendLog makes repeated puts incremental. Optional.
	SendLog *sendlog.Log
	// CacheDir holds one query cache per master key. Empty means listings
	// fetch the whole item log every time.
	CacheDir string
	// NodeMaskBits overrides the hash tree node split mask. Tests only.
	NodeMaskBits uint
	Now          func() time.Time
}

// Client runs backup operations against one repository.
type Client struct {
	repo    Repo
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	caches map[uuid.UUID]*querycache.Cache
}

// New returns a Client for repo.
func New(repo Repo, opts Options) (*Client, error) {
	if opts.Chunking == (chunker.Params{}) {
		opts.Chunking = chunker.DefaultParams()
	}
	if err := opts.Chunking.Validate(); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Client{repo: repo, opts: opts, caches: make(map[uuid.UUID]*querycache.Cache)}
	if opts.UploadRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.UploadRate), rateBurst)
	}
	return c, nil
}

// Close releases the query caches. The repository and send log belong to
// the caller.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, qc := range c.caches {
		errs = append(errs, qc.Close())
		delete(c.caches, id)
	}
	return errors.Join(errs...)
}

// cache returns the query cache of k's master key, or nil if caching is off.
func (c *Client) cache(k keys.Key) (*querycache.Cache, error) {
	if c.opts.CacheDir == "" {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := k.PrimaryKeyID()
	if qc, ok := c.caches[id]; ok {
		return qc, nil
	}
	qc, err := querycache.Open(filepath.Join(c.opts.CacheDir, id.String()+".qcache"))
	if err != nil {
		return nil, err
	}
	c.caches[id] = qc
	return qc, nil
}

// Remove moves items to the removed set, restorable until the grace period
// ends and a collection runs.
func (c *Client) Remove(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := c.repo.Remove(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("remove: %w", err)
	}
	log.Info().Int("items", n).Msg("items removed")
	return n, nil
}

// RestoreRemoved brings removed items back. No ids restores them all.
func (c *Client) RestoreRemoved(ctx context.Context, ids []uuid.UUID) (int, error) {
	n, err := c.repo.RestoreRemoved(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("restore removed: %w", err)
	}
	log.Info().Int("items", n).Msg("items restored")
	return n, nil
}

// GC collects garbage and then refreshes the query cache of k, whose
// generation the collection has just advanced. Collection itself needs no
// key material.
func (c *Client) GC(ctx context.Context, k keys.Key) (repository.GCStats, error) {
	stats, err := gc.New(c.repo, c.repo).Run(ctx)
	if err != nil {
		return stats, err
	}
	if k != nil {
		qc, err := c.cache(k)
		if err != nil {
			return stats, err
		}
		if qc != nil {
			if err := qc.Sync(ctx, c.repo.ID(), c.repo); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// Stats describes the repository.
func (c *Client) Stats(ctx context.Context) (repository.Info, error) {
	return c.repo.Stats(ctx)
}
