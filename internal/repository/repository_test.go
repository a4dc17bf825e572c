package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRepo(t *testing.T) (*Repository, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r, err := Create(t.TempDir(), Options{NoSync: true, Now: clock.Now, GracePeriod: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, clock
}

// storeItem writes n small chunks under a tree and commits an item for them.
func storeItem(t *testing.T, r *Repository, k *keys.MasterKey, seed uint64, n int) (item.Item, []address.Address) {
	t.Helper()
	ctx := context.Background()

	gen, err := r.BeginSend(ctx)
	require.NoError(t, err)

	w := htree.NewWriter(r, htree.WithNodeMaskBits(2))
	var addrs []address.Address
	for i := 0; i < n; i++ {
		data := testutil.RandomBytes(256, seed*1000+uint64(i))
		addr := address.Keyed(k.HashKey(), data)
		require.NoError(t, r.PutChunk(ctx, addr, data))
		require.NoError(t, w.Add(ctx, addr, len(data)))
		addrs = append(addrs, addr)
	}
	root, err := w.Finish(ctx)
	require.NoError(t, err)

	it, err := item.New(k, root, nil, item.Metadata{Tags: map[string]string{"seed": "x"}})
	require.NoError(t, err)
	require.NoError(t, r.AddItem(ctx, gen, it))
	return it, addrs
}

// collect marks every root the way a collector does and sweeps.
func collect(t *testing.T, r *Repository) GCStats {
	t.Helper()
	ctx := context.Background()

	start, err := r.BeginGC(ctx)
	require.NoError(t, err)
	for _, root := range start.Roots {
		var batch []address.Address
		require.NoError(t, htree.Walk(ctx, r, root, func(addr address.Address, _ int) (bool, error) {
			batch = append(batch, addr)
			return true, nil
		}))
		require.NoError(t, r.Mark(ctx, start.Generation, batch))
	}
	stats, err := r.Sweep(ctx, start.Generation)
	require.NoError(t, err)
	return stats
}

func has(t *testing.T, r *Repository, addr address.Address) bool {
	t.Helper()
	ok, err := r.store.Has(context.Background(), addr)
	require.NoError(t, err)
	return ok
}

func TestCreateAndOpen(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(dir, Options{})
	assert.ErrorIs(t, err, ErrNoRepository)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	r, err := Create(dir, Options{NoSync: true})
	require.NoError(t, err)
	id := r.ID()
	gen, err := r.Generation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	require.NoError(t, r.Close())

	_, err = Create(dir, Options{NoSync: true})
	assert.ErrorIs(t, err, ErrExists)

	r, err = Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	assert.Equal(t, id, r.ID())
	assert.Equal(t, dir, r.Path())
}

func TestAddItem_GetItem(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	it, _ := storeItem(t, r, k, 1, 3)

	got, err := r.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, it.DataTree, got.DataTree)
	assert.Equal(t, it.EncryptedMetadata, got.EncryptedMetadata)

	_, err = r.GetItem(ctx, uuid.New())
	assert.ErrorIs(t, err, fault.ErrNotFound)

	gen, err := r.Generation(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, r.AddItem(ctx, gen, it), ErrDuplicateItem)
}

func TestAddItem_StaleGeneration(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	gen, err := r.BeginSend(ctx)
	require.NoError(t, err)

	start, err := r.BeginGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, gen+1, start.Generation)
	r.AbortGC(start.Generation)

	data := []byte("chunk")
	addr := address.Keyed(k.HashKey(), data)
	require.NoError(t, r.PutChunk(ctx, addr, data))
	it, err := item.New(k, htree.Root{Address: addr, LeafCount: 1, Size: 5}, nil, item.Metadata{})
	require.NoError(t, err)

	err = r.AddItem(ctx, gen, it)
	assert.ErrorIs(t, err, ErrStaleGeneration)
	assert.ErrorIs(t, err, fault.ErrConflict)

	require.NoError(t, r.AddItem(ctx, start.Generation, it))
}

func TestAddItem_Invalid(t *testing.T) {
	r, _ := newTestRepo(t)
	err := r.AddItem(context.Background(), 1, item.Item{})
	assert.ErrorIs(t, err, fault.ErrInvalid)
}

func TestRemoveAndRestore(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	a, _ := storeItem(t, r, k, 1, 2)
	b, _ := storeItem(t, r, k, 2, 2)

	n, err := r.Remove(ctx, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.Remove(ctx, []uuid.UUID{a.ID})
	require.NoError(t, err)
	assert.Zero(t, n, "removing twice is a no-op")

	_, err = r.GetItem(ctx, a.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	n, err = r.RestoreRemoved(ctx, []uuid.UUID{a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := r.GetItem(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.EncryptedMetadata, got.EncryptedMetadata)

	n, err = r.RestoreRemoved(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "empty id list restores every removed item")
	_, err = r.GetItem(ctx, b.ID)
	require.NoError(t, err)

	_, err = r.Remove(ctx, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = r.RestoreRemoved(ctx, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestRemove_UnknownIDIsAtomic(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)
	a, _ := storeItem(t, r, k, 1, 1)

	_, err = r.Remove(ctx, []uuid.UUID{a.ID, uuid.New()})
	require.Error(t, err)

	_, err = r.GetItem(ctx, a.ID)
	assert.NoError(t, err, "failed remove must not remove anything")
}

func TestListItems(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	a, _ := storeItem(t, r, k, 1, 1)
	b, _ := storeItem(t, r, k, 2, 1)
	_, err = r.Remove(ctx, []uuid.UUID{a.ID})
	require.NoError(t, err)

	ops, err := r.ListItems(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, ops.Reset)
	require.Len(t, ops.Ops, 3)
	assert.Equal(t, item.OpAdd, ops.Ops[0].Kind)
	assert.Equal(t, item.OpRemove, ops.Ops[2].Kind)
	assert.Equal(t, a.ID, ops.Ops[2].ID)
	assert.Nil(t, ops.Ops[2].Item)

	tail, err := r.ListItems(ctx, 1, ops.Ops[1].Seq)
	require.NoError(t, err)
	require.Len(t, tail.Ops, 1)
	assert.Equal(t, ops.Ops[2].Seq, tail.Ops[0].Seq)

	// A collection compacts the log; stale readers get the compacted log.
	collect(t, r)
	ops, err = r.ListItems(ctx, 1, 3)
	require.NoError(t, err)
	assert.True(t, ops.Reset)
	assert.Equal(t, uint64(2), ops.Generation)
	require.Len(t, ops.Ops, 1)
	assert.Equal(t, b.ID, ops.Ops[0].ID)
	assert.Equal(t, uint64(1), ops.Ops[0].Seq)
}

func TestGC_DeletesExpiredItems(t *testing.T) {
	ctx := context.Background()
	r, clock := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	keep, keepAddrs := storeItem(t, r, k, 1, 20)
	drop, dropAddrs := storeItem(t, r, k, 2, 20)

	_, err = r.Remove(ctx, []uuid.UUID{drop.ID})
	require.NoError(t, err)

	// Inside the grace period nothing is deleted.
	stats := collect(t, r)
	assert.Zero(t, stats.ChunksDeleted)
	assert.Zero(t, stats.ItemsPurged)

	clock.Advance(2 * time.Hour)
	stats = collect(t, r)
	assert.Equal(t, 1, stats.ItemsPurged)
	assert.GreaterOrEqual(t, stats.ChunksDeleted, len(dropAddrs))
	assert.Positive(t, stats.BytesFreed)

	for _, a := range keepAddrs {
		assert.True(t, has(t, r, a))
	}
	for _, a := range dropAddrs {
		assert.False(t, has(t, r, a))
	}

	_, err = r.GetItem(ctx, keep.ID)
	require.NoError(t, err)
	_, err = r.RestoreRemoved(ctx, []uuid.UUID{drop.ID})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestGC_RestoreWithinGracePeriod(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	it, addrs := storeItem(t, r, k, 3, 10)
	_, err = r.Remove(ctx, []uuid.UUID{it.ID})
	require.NoError(t, err)

	collect(t, r)

	_, err = r.RestoreRemoved(ctx, []uuid.UUID{it.ID})
	require.NoError(t, err)
	for _, a := range addrs {
		assert.True(t, has(t, r, a))
	}
}

func TestGC_FenceProtectsConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)

	orphan := []byte("orphan")
	orphanAddr := address.Hash(orphan)
	require.NoError(t, r.PutChunk(ctx, orphanAddr, orphan))

	start, err := r.BeginGC(ctx)
	require.NoError(t, err)

	fresh := []byte("written during gc")
	freshAddr := address.Hash(fresh)
	require.NoError(t, r.PutChunk(ctx, freshAddr, fresh))

	stats, err := r.Sweep(ctx, start.Generation)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunksDeleted)

	assert.True(t, has(t, r, freshAddr), "fenced chunk must survive")
	assert.False(t, has(t, r, orphanAddr))

	ok, err := r.PutRef(ctx, orphanAddr)
	require.NoError(t, err)
	assert.False(t, ok, "swept chunk reports missing")
	ok, err = r.PutRef(ctx, freshAddr)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGC_PutRefJoinsFence(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)

	data := []byte("confirmed by reference")
	addr := address.Hash(data)
	require.NoError(t, r.PutChunk(ctx, addr, data))

	start, err := r.BeginGC(ctx)
	require.NoError(t, err)
	ok, err := r.PutRef(ctx, addr)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.Sweep(ctx, start.Generation)
	require.NoError(t, err)
	assert.True(t, has(t, r, addr))
}

func TestGC_PutsRacingSweep(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)

	start, err := r.BeginGC(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	addrs := make([]address.Address, 200)
	for i := range addrs {
		data := testutil.RandomBytes(64, uint64(i))
		addrs[i] = address.Hash(data)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.PutChunk(ctx, addrs[i], data))
		}()
	}
	_, err = r.Sweep(ctx, start.Generation)
	require.NoError(t, err)
	wg.Wait()

	for _, a := range addrs {
		assert.True(t, has(t, r, a))
	}
}

func TestGC_OneAtATime(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)

	start, err := r.BeginGC(ctx)
	require.NoError(t, err)

	_, err = r.BeginGC(ctx)
	assert.ErrorIs(t, err, ErrGCRunning)

	assert.ErrorIs(t, r.Mark(ctx, start.Generation+1, nil), fault.ErrInvalid)

	r.AbortGC(start.Generation)
	_, err = r.Sweep(ctx, start.Generation)
	assert.ErrorIs(t, err, ErrNoGC)

	next, err := r.BeginGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, start.Generation+1, next.Generation)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	storeItem(t, r, k, 1, 4)
	it, _ := storeItem(t, r, k, 2, 4)
	_, err = r.Remove(ctx, []uuid.UUID{it.ID})
	require.NoError(t, err)

	info, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, r.ID(), info.ID)
	assert.Equal(t, 1, info.Items)
	assert.Equal(t, 1, info.Removed)
	assert.GreaterOrEqual(t, info.Chunks, int64(8))
	assert.Positive(t, info.ChunkBytes)
	require.NotNil(t, info.Volume)
}
