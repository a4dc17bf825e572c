package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/gc"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/internal/logging/audit"
	"github.com/sogaiu/bupstash/internal/repository"
	"github.com/sogaiu/bupstash/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}

func newRepo(t *testing.T) *repository.Repository {
	t.Helper()
	r, err := repository.Create(t.TempDir(), repository.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// connect serves backend over an in-memory pipe and returns a client.
func connect(t *testing.T, srv *Server) (*Client, <-chan error) {
	t.Helper()
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), b) }()

	c, err := Dial(context.Background(), a)
	require.NoError(t, err)
	return c, done
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	addr := address.Hash([]byte("x"))
	require.NoError(t, WriteFrame(&buf, MsgPut, &Put{Addr: addr, Data: []byte("payload")}))

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgPut, typ)

	var got Put
	require.NoError(t, Decode(typ, payload, &got))
	assert.Equal(t, addr, got.Addr)
	assert.Equal(t, []byte("payload"), got.Data)

	_, _, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_Errors(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader([]byte{byte(MsgPut), 0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, _, err = ReadFrame(bytes.NewReader([]byte{byte(MsgPut), 0, 0, 0, 10, 1, 2}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.ErrorIs(t, Decode(MsgPut, []byte{0xc1}, &Put{}), fault.ErrInvalid)

	conn := &testutil.MockConn{WriteErr: io.ErrClosedPipe}
	assert.Error(t, WriteFrame(conn, MsgAck, &Empty{}))
}

func TestMsgType_String(t *testing.T) {
	assert.Equal(t, "put_ref", MsgPutRef.String())
	assert.Equal(t, "msg(0xee)", MsgType(0xee).String())
}

func TestHandshake(t *testing.T) {
	r := newRepo(t)
	c, done := connect(t, NewServer(r))
	assert.Equal(t, r.ID(), c.ID())
	require.NoError(t, c.Close())
	require.NoError(t, <-done)
}

func TestHandshake_ClockSkew(t *testing.T) {
	srv := NewServer(newRepo(t))
	srv.now = func() time.Time { return time.Now().Add(time.Hour) }

	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), b) }()

	_, err := Dial(context.Background(), a)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrInvalid)
	assert.Contains(t, err.Error(), "clock")
	assert.Error(t, <-done)
}

func TestHandshake_WrongVersion(t *testing.T) {
	srv := NewServer(newRepo(t))
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), b) }()

	go func() { _ = WriteFrame(a, MsgHello, &Hello{Version: 99, Now: time.Now().Unix()}) }()
	typ, payload, err := ReadFrame(a)
	require.NoError(t, err)
	err = decodeResponse(MsgHelloOK, typ, payload, &HelloOK{})
	assert.ErrorIs(t, err, fault.ErrInvalid)
	_ = a.Close()
	assert.Error(t, <-done)
}

func TestClient_Operations(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	c, done := connect(t, NewServer(r))
	defer func() {
		require.NoError(t, c.Close())
		<-done
	}()

	k, err := keys.NewMasterKey()
	require.NoError(t, err)

	gen, err := c.BeginSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	w := htree.NewWriter(c, htree.WithNodeMaskBits(2))
	var addrs []address.Address
	for i := 0; i < 10; i++ {
		data := testutil.RandomBytes(300, uint64(i))
		addr := address.Keyed(k.HashKey(), data)
		require.NoError(t, c.PutChunk(ctx, addr, data))
		require.NoError(t, w.Add(ctx, addr, len(data)))
		addrs = append(addrs, addr)
	}
	root, err := w.Finish(ctx)
	require.NoError(t, err)

	got, err := c.GetChunk(ctx, addrs[3])
	require.NoError(t, err)
	assert.Equal(t, testutil.RandomBytes(300, 3), got)

	ok, err := c.PutRef(ctx, addrs[0])
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.PutRef(ctx, address.Hash([]byte("never stored")))
	require.NoError(t, err)
	assert.False(t, ok)

	it, err := item.New(k.PutKey(), root, nil, item.Metadata{Tags: map[string]string{"k": "v"}})
	require.NoError(t, err)
	require.NoError(t, c.AddItem(ctx, gen, it))

	fetched, err := c.GetItem(ctx, it.ID)
	require.NoError(t, err)
	md, err := fetched.Metadata(k)
	require.NoError(t, err)
	assert.Equal(t, "v", md.Tags["k"])

	ops, err := c.ListItems(ctx, gen, 0)
	require.NoError(t, err)
	require.Len(t, ops.Ops, 1)
	assert.Equal(t, it.ID, ops.Ops[0].ID)

	n, err := c.Remove(ctx, []uuid.UUID{it.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.RestoreRemoved(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := gc.New(c, c).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ChunksDeleted)
	assert.GreaterOrEqual(t, stats.ChunksMarked, len(addrs))

	info, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Items)
	assert.Equal(t, uint64(2), info.Generation)
}

func TestClient_ErrorClasses(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	c, done := connect(t, NewServer(r))
	defer func() {
		require.NoError(t, c.Close())
		<-done
	}()

	_, err := c.GetChunk(ctx, address.Hash([]byte("missing")))
	assert.ErrorIs(t, err, fault.ErrNotFound)

	_, err = c.GetItem(ctx, uuid.New())
	assert.ErrorIs(t, err, fault.ErrNotFound)

	err = c.AddItem(ctx, 1, item.Item{})
	assert.ErrorIs(t, err, fault.ErrInvalid)

	k, err := keys.NewMasterKey()
	require.NoError(t, err)
	data := []byte("chunk")
	addr := address.Keyed(k.HashKey(), data)
	require.NoError(t, c.PutChunk(ctx, addr, data))
	it, err := item.New(k, htree.Root{Address: addr, LeafCount: 1, Size: 5}, nil, item.Metadata{})
	require.NoError(t, err)
	err = c.AddItem(ctx, 7, it)
	assert.ErrorIs(t, err, fault.ErrConflict)

	// The session survives failed requests.
	gen, err := c.BeginSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
}

func TestClient_Pipelining(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	c, done := connect(t, NewServer(r))
	defer func() {
		require.NoError(t, c.Close())
		<-done
	}()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := testutil.RandomBytes(1000, uint64(i))
			addr := address.Hash(data)
			assert.NoError(t, c.PutChunk(ctx, addr, data))
			got, err := c.GetChunk(ctx, addr)
			assert.NoError(t, err)
			assert.Equal(t, data, got)
		}()
	}
	wg.Wait()

	var calls []*Call
	for i := 0; i < 32; i++ {
		calls = append(calls, c.Go(MsgPutRef, &PutRef{Addr: address.Hash(testutil.RandomBytes(1000, uint64(i)))}))
	}
	for _, call := range calls {
		typ, _, err := call.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, MsgAck, typ)
	}
}

func TestClient_ConnectionLossCancelsPending(t *testing.T) {
	a, b := net.Pipe()
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		defer func() { _ = b.Close() }()
		if _, _, err := ReadFrame(b); err != nil {
			return
		}
		if err := WriteFrame(b, MsgHelloOK, &HelloOK{Version: Version}); err != nil {
			return
		}
		// Swallow two requests, answer none.
		for i := 0; i < 2; i++ {
			if _, _, err := ReadFrame(b); err != nil {
				return
			}
		}
	}()

	c, err := Dial(context.Background(), a)
	require.NoError(t, err)

	first := c.Go(MsgBeginSend, &Empty{})
	second := c.Go(MsgStats, &Empty{})
	<-serverDone

	for _, call := range []*Call{first, second} {
		_, _, err := call.Wait(context.Background())
		assert.ErrorIs(t, err, fault.ErrCancelled)
		assert.ErrorIs(t, err, fault.ErrIO)
	}

	_, err = c.BeginSend(context.Background())
	assert.ErrorIs(t, err, fault.ErrCancelled)
	require.NoError(t, c.Close())
}

func TestServer_DisconnectAbortsGC(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	srv := NewServer(r)

	c, done := connect(t, srv)
	_, err := c.BeginGC(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, <-done)

	start, err := r.BeginGC(ctx)
	require.NoError(t, err, "collection of the closed session must have been aborted")
	r.AbortGC(start.Generation)
}

func TestServer_Serve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newRepo(t)
	srv := NewServer(r)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	c, err := Dial(ctx, conn)
	require.NoError(t, err)

	gen, err := c.BeginSend(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	cancel()
	require.NoError(t, <-served)
	_ = c.Close()
}

func TestServer_AuditsDestructiveOps(t *testing.T) {
	var buf bytes.Buffer
	ctx := audit.NewLogger(zerolog.New(&buf)).WithContext(context.Background())
	ctx = audit.WithPeer(ctx, audit.Peer{User: "backup", Method: "ssh", Addr: "10.0.0.2:4000"})

	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- NewServer(newRepo(t)).ServeConn(ctx, b) }()
	c, err := Dial(context.Background(), a)
	require.NoError(t, err)

	_, err = c.Remove(context.Background(), []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = gc.New(c, c).Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	<-done

	var events []map[string]any
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		events = append(events, m)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "items", events[0]["event_type"])
	assert.Equal(t, "remove", events[0]["op"])
	assert.Equal(t, "failed", events[0]["result"])
	assert.Equal(t, "backup", events[0]["user"])
	assert.Equal(t, "gc", events[1]["event_type"])
	assert.Equal(t, "allowed", events[1]["result"])
}
