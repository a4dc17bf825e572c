package htree

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
)

type memNodes struct {
	mu    sync.Mutex
	nodes map[address.Address][]byte
	gets  int
}

func newMemNodes() *memNodes {
	return &memNodes{nodes: make(map[address.Address][]byte)}
}

func (m *memNodes) PutNode(_ context.Context, addr address.Address, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[addr] = append([]byte(nil), data...)
	return nil
}

func (m *memNodes) GetNode(_ context.Context, addr address.Address) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.nodes[addr]
	if !ok {
		return nil, fault.ErrNotFound
	}
	return data, nil
}

func leafAddr(i int) address.Address {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(i))
	return address.Hash(b[:])
}

func buildTree(t *testing.T, sink Sink, n int, opts ...WriterOption) Root {
	t.Helper()
	ctx := context.Background()
	w := NewWriter(sink, opts...)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Add(ctx, leafAddr(i), 100+i))
	}
	root, err := w.Finish(ctx)
	require.NoError(t, err)
	return root
}

func readAll(t *testing.T, r *Reader) []Leaf {
	t.Helper()
	var out []Leaf
	for {
		leaf, err := r.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, leaf)
	}
}

func smallNodes() []WriterOption {
	return []WriterOption{WithNodeMaskBits(7), WithMaxNodeSize(16 * EntrySize)}
}

func TestWriter_SingleLeaf(t *testing.T) {
	nodes := newMemNodes()
	root := buildTree(t, nodes, 1)

	assert.Equal(t, 0, root.Height)
	assert.Equal(t, leafAddr(0), root.Address)
	assert.Equal(t, uint64(1), root.LeafCount)
	assert.Empty(t, nodes.nodes)

	leaves := readAll(t, NewReader(nodes, root))
	require.Len(t, leaves, 1)
	assert.Equal(t, leafAddr(0), leaves[0].Addr)
}

func TestWriter_Empty(t *testing.T) {
	_, err := NewWriter(newMemNodes()).Finish(context.Background())
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestReader_SequentialOrder(t *testing.T) {
	nodes := newMemNodes()
	const n = 2000
	root := buildTree(t, nodes, n, smallNodes()...)

	assert.Greater(t, root.Height, 1)
	assert.Equal(t, uint64(n), root.LeafCount)

	leaves := readAll(t, NewReader(nodes, root))
	require.Len(t, leaves, n)
	var offset uint64
	for i, leaf := range leaves {
		assert.Equal(t, leafAddr(i), leaf.Addr)
		assert.Equal(t, offset, leaf.Offset)
		offset += leaf.Size
	}
	assert.Equal(t, root.Size, offset)
}

func TestWriter_Deterministic(t *testing.T) {
	a := buildTree(t, newMemNodes(), 500, smallNodes()...)
	b := buildTree(t, newMemNodes(), 500, smallNodes()...)
	assert.Equal(t, a, b)
}

func TestWriter_LocalEditRewritesFewNodes(t *testing.T) {
	ctx := context.Background()
	before := newMemNodes()
	buildTree(t, before, 3000, smallNodes()...)

	after := newMemNodes()
	w := NewWriter(after, smallNodes()...)
	for i := 0; i < 3000; i++ {
		addr := leafAddr(i)
		if i == 1500 {
			addr = address.Hash([]byte("edited"))
		}
		require.NoError(t, w.Add(ctx, addr, 100+i))
	}
	_, err := w.Finish(ctx)
	require.NoError(t, err)

	fresh := 0
	for addr := range after.nodes {
		if _, ok := before.nodes[addr]; !ok {
			fresh++
		}
	}
	assert.Less(t, fresh, 25)
	assert.Greater(t, len(after.nodes), 100)
}

func TestRangeReader_SkipsSubtrees(t *testing.T) {
	nodes := newMemNodes()
	const n = 4000
	root := buildTree(t, nodes, n, smallNodes()...)

	full := readAll(t, NewReader(nodes, root))
	fullGets := nodes.gets

	target := full[2500]
	nodes.gets = 0
	got := readAll(t, NewRangeReader(nodes, root, target.Offset+1, 10))

	require.Len(t, got, 1)
	assert.Equal(t, target.Addr, got[0].Addr)
	assert.Equal(t, target.Offset, got[0].Offset)
	assert.LessOrEqual(t, nodes.gets, root.Height)
	assert.Less(t, nodes.gets, fullGets)
}

func TestRangeReader_SpanningRange(t *testing.T) {
	nodes := newMemNodes()
	root := buildTree(t, nodes, 300, smallNodes()...)
	full := readAll(t, NewReader(nodes, root))

	start := full[10].Offset + 5
	end := full[20].Offset + 1
	got := readAll(t, NewRangeReader(nodes, root, start, end-start))

	require.Len(t, got, 11)
	for i, leaf := range got {
		assert.Equal(t, full[10+i], leaf)
	}
}

func TestReader_DetectsCorruption(t *testing.T) {
	nodes := newMemNodes()
	root := buildTree(t, nodes, 200, smallNodes()...)

	for addr, data := range nodes.nodes {
		data[0] ^= 0xff
		nodes.nodes[addr] = data
	}

	r := NewReader(nodes, root)
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, fault.ErrCorrupt)
}

func TestReader_DetectsWrongTotals(t *testing.T) {
	nodes := newMemNodes()
	root := buildTree(t, nodes, 200, smallNodes()...)
	root.Size++

	_, err := NewReader(nodes, root).Next(context.Background())
	assert.ErrorIs(t, err, fault.ErrCorrupt)
}

func TestWalk_VisitsEverything(t *testing.T) {
	nodes := newMemNodes()
	const n = 1000
	root := buildTree(t, nodes, n, smallNodes()...)

	seen := make(address.Set)
	leaves := 0
	nodes.gets = 0
	err := Walk(context.Background(), nodes, root, func(addr address.Address, height int) (bool, error) {
		if height == 0 {
			leaves++
		}
		return seen.Add(addr), nil
	})
	require.NoError(t, err)

	assert.Equal(t, n, leaves)
	assert.Equal(t, len(nodes.nodes), nodes.gets)
	for addr := range nodes.nodes {
		assert.True(t, seen.Has(addr))
	}
}

func TestDecodeNode_BadLength(t *testing.T) {
	data := []byte("short")
	_, err := DecodeNode(address.Hash(data), data)
	assert.ErrorIs(t, err, fault.ErrCorrupt)
}
