package querycache

import (
	"context"
	"path/filepath"
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
	"github.com/sogaiu/bupstash/internal/repository"
)

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "query", "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newItem(t *testing.T, k keys.Key, name string, ts time.Time) item.Item {
	t.Helper()
	root := htree.Root{Address: address.Hash([]byte(name)), LeafCount: 1, Size: 10}
	it, err := item.New(k, root, nil, item.Metadata{Tags: map[string]string{"name": name}, Timestamp: ts})
	require.NoError(t, err)
	return it
}

func names(t *testing.T, c *Cache, k keys.Key, query string) []string {
	t.Helper()
	q, err := Parse(query)
	require.NoError(t, err)
	var out []string
	for s, err := range c.List(k, q) {
		require.NoError(t, err)
		out = append(out, s.Tags["name"])
	}
	return out
}

// scripted answers ListItems from a fixed sequence and records requests.
type scripted struct {
	replies  []repository.Ops
	requests [][2]uint64
}

func (s *scripted) ListItems(_ context.Context, gen, afterSeq uint64) (repository.Ops, error) {
	s.requests = append(s.requests, [2]uint64{gen, afterSeq})
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func TestSync_Incremental(t *testing.T) {
	ctx := context.Background()
	k, err := keys.NewMasterKey()
	require.NoError(t, err)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a, b := newItem(t, k, "a", base.Add(time.Hour)), newItem(t, k, "b", base)
	repo := uuid.New()

	lister := &scripted{replies: []repository.Ops{
		{Generation: 1, Reset: true, Ops: []item.LogOp{
			{Seq: 1, Kind: item.OpAdd, ID: a.ID, Item: &a},
			{Seq: 2, Kind: item.OpAdd, ID: b.ID, Item: &b},
		}},
		{Generation: 1, Ops: []item.LogOp{{Seq: 3, Kind: item.OpRemove, ID: a.ID}}},
		{Generation: 1, Ops: []item.LogOp{{Seq: 4, Kind: item.OpRestore, ID: a.ID, Item: &a}}},
	}}

	c := openCache(t)
	require.NoError(t, c.Sync(ctx, repo, lister))
	assert.Equal(t, []string{"b", "a"}, names(t, c, k, ""), "oldest first")

	require.NoError(t, c.Sync(ctx, repo, lister))
	assert.Equal(t, []string{"b"}, names(t, c, k, ""))
	_, err = c.Item(a.ID)
	assert.ErrorIs(t, err, fault.ErrNotFound)

	require.NoError(t, c.Sync(ctx, repo, lister))
	assert.Equal(t, []string{"a"}, names(t, c, k, "name==a"))

	assert.Equal(t, [][2]uint64{{0, 0}, {1, 2}, {1, 3}}, lister.requests)
	gen, err := c.Generation()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
}

func TestSync_OtherRepositoryResets(t *testing.T) {
	ctx := context.Background()
	k, err := keys.NewMasterKey()
	require.NoError(t, err)
	a := newItem(t, k, "a", time.Now())

	lister := &scripted{replies: []repository.Ops{
		{Generation: 4, Reset: true, Ops: []item.LogOp{{Seq: 1, Kind: item.OpAdd, ID: a.ID, Item: &a}}},
		{Generation: 4, Reset: true},
	}}
	c := openCache(t)
	require.NoError(t, c.Sync(ctx, uuid.New(), lister))
	require.NoError(t, c.Sync(ctx, uuid.New(), lister))

	assert.Empty(t, names(t, c, k, ""))
	assert.Equal(t, [][2]uint64{{0, 0}, {0, 0}}, lister.requests)
}

func TestList_Keys(t *testing.T) {
	ctx := context.Background()
	k, err := keys.NewMasterKey()
	require.NoError(t, err)
	other, err := keys.NewMasterKey()
	require.NoError(t, err)
	mine, theirs := newItem(t, k, "mine", time.Now()), newItem(t, other, "theirs", time.Now())

	c := openCache(t)
	require.NoError(t, c.Sync(ctx, uuid.New(), &scripted{replies: []repository.Ops{
		{Generation: 1, Reset: true, Ops: []item.LogOp{
			{Seq: 1, Kind: item.OpAdd, ID: mine.ID, Item: &mine},
			{Seq: 2, Kind: item.OpAdd, ID: theirs.ID, Item: &theirs},
		}},
	}}))

	assert.Equal(t, []string{"mine"}, names(t, c, k.MetadataKey(), ""))

	for _, err := range c.List(k.PutKey(), nil) {
		assert.ErrorIs(t, err, fault.ErrAuthentication)
	}
}

func TestSync_RepositoryGC(t *testing.T) {
	ctx := context.Background()
	k, err := keys.NewMasterKey()
	require.NoError(t, err)
	r, err := repository.Create(t.TempDir(), repository.Options{NoSync: true})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var its []item.Item
	for _, name := range []string{"x", "y", "z"} {
		data := []byte(name)
		addr := address.Keyed(k.HashKey(), data)
		require.NoError(t, r.PutChunk(ctx, addr, data))
		it, err := item.New(k, htree.Root{Address: addr, LeafCount: 1, Size: 1}, nil,
			item.Metadata{Tags: map[string]string{"name": name}, Timestamp: time.Now()})
		require.NoError(t, err)
		require.NoError(t, r.AddItem(ctx, 1, it))
		its = append(its, it)
	}

	c := openCache(t)
	require.NoError(t, c.Sync(ctx, r.ID(), r))
	assert.Len(t, names(t, c, k, ""), 3)

	_, err = r.Remove(ctx, []uuid.UUID{its[1].ID})
	require.NoError(t, err)
	start, err := r.BeginGC(ctx)
	require.NoError(t, err)
	r.AbortGC(start.Generation)

	require.NoError(t, c.Sync(ctx, r.ID(), r))
	assert.ElementsMatch(t, []string{"x", "z"}, names(t, c, k, ""))
	gen, err := c.Generation()
	require.NoError(t, err)
	assert.Equal(t, start.Generation, gen)
}
