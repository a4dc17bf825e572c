package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/repository"
)

// Client speaks the protocol to one server. It is safe for concurrent use:
// requests from many goroutines are pipelined on the connection and the
// responses, which arrive in request order, are matched through a queue.
type Client struct {
	conn  io.ReadWriteCloser
	hello HelloOK

	// wmu serializes writes so queue order equals wire order.
	wmu sync.Mutex
	w   *bufio.Writer

	mu      sync.Mutex
	pending []*Call
	err     error // set once the connection is dead

	done chan struct{}
}

// Call is an outstanding request.
type Call struct {
	typ     MsgType
	payload []byte
	err     error
	done    chan struct{}
}

// Wait blocks until the response arrives or ctx is done. Abandoning a call
// does not affect the connection.
func (c *Call) Wait(ctx context.Context) (MsgType, []byte, error) {
	select {
	case <-c.done:
		return c.typ, c.payload, c.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Dial performs the handshake on conn and starts the response reader.
func Dial(ctx context.Context, conn io.ReadWriteCloser) (*Client, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r := bufio.NewReaderSize(conn, 256*1024)
	w := bufio.NewWriterSize(conn, 256*1024)

	if err := WriteFrame(w, MsgHello, &Hello{Version: Version, Now: time.Now().Unix()}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %v: %w", err, fault.ErrIO)
	}
	if err := w.Flush(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %v: %w", err, fault.ErrIO)
	}
	t, payload, err := ReadFrame(r)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read hello: %v: %w", err, fault.ErrIO)
	}
	var hello HelloOK
	if err := decodeResponse(MsgHelloOK, t, payload, &hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{conn: conn, hello: hello, w: w, done: make(chan struct{})}
	go c.readLoop(r)
	log.Debug().Str("repo", hello.RepoID.String()).Uint64("generation", hello.Generation).Msg("connected to repository")
	return c, nil
}

// ID is the repository id reported by the server.
func (c *Client) ID() uuid.UUID {
	return c.hello.RepoID
}

func (c *Client) readLoop(r *bufio.Reader) {
	defer close(c.done)
	for {
		t, payload, err := ReadFrame(r)
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			c.fail(fmt.Errorf("unsolicited %s: %w", t, fault.ErrInvalid))
			return
		}
		call := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		call.typ, call.payload = t, payload
		close(call.done)
	}
}

// fail marks the connection dead and cancels every outstanding call.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.err == nil {
		if errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrClosedPipe) {
			c.err = fmt.Errorf("connection closed: %w", fault.ErrCancelled)
		} else {
			c.err = fmt.Errorf("connection lost: %v: %w", cause, fault.ErrCancelled)
		}
	}
	pending := c.pending
	c.pending = nil
	err := c.err
	c.mu.Unlock()

	for _, call := range pending {
		call.err = err
		close(call.done)
	}
	_ = c.conn.Close()
}

// Go sends a request without waiting for its response.
func (c *Client) Go(t MsgType, req any) *Call {
	call := &Call{done: make(chan struct{})}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.err != nil {
		call.err = c.err
		c.mu.Unlock()
		close(call.done)
		return call
	}
	c.pending = append(c.pending, call)
	c.mu.Unlock()

	err := WriteFrame(c.w, t, req)
	if err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		// The frame may be half written; the connection is unusable.
		c.fail(err)
	}
	return call
}

func (c *Client) roundTrip(ctx context.Context, t MsgType, req any, want MsgType, resp any) error {
	rt, payload, err := c.Go(t, req).Wait(ctx)
	if err != nil {
		return err
	}
	return decodeResponse(want, rt, payload, resp)
}

func decodeResponse(want, got MsgType, payload []byte, resp any) error {
	if got == MsgError {
		var e Error
		if err := Decode(got, payload, &e); err != nil {
			return err
		}
		return fault.FromClass(fault.Class(e.Class), e.Message)
	}
	if got != want {
		return fmt.Errorf("expected %s, got %s: %w", want, got, fault.ErrInvalid)
	}
	if resp == nil {
		return nil
	}
	return Decode(got, payload, resp)
}

// Close hangs up and waits for the reader to stop.
func (c *Client) Close() error {
	c.wmu.Lock()
	c.mu.Lock()
	alive := c.err == nil
	c.mu.Unlock()
	if alive {
		if err := WriteFrame(c.w, MsgHangup, &Empty{}); err == nil {
			_ = c.w.Flush()
		}
	}
	c.wmu.Unlock()

	var err error
	if alive {
		err = c.conn.Close()
	}
	<-c.done
	return err
}

func (c *Client) Generation(ctx context.Context) (uint64, error) {
	return c.BeginSend(ctx)
}

func (c *Client) BeginSend(ctx context.Context) (uint64, error) {
	var resp SendInfo
	err := c.roundTrip(ctx, MsgBeginSend, &Empty{}, MsgSendInfo, &resp)
	return resp.Generation, err
}

func (c *Client) PutChunk(ctx context.Context, addr address.Address, data []byte) error {
	return c.roundTrip(ctx, MsgPut, &Put{Addr: addr, Data: data}, MsgAck, nil)
}

func (c *Client) PutRef(ctx context.Context, addr address.Address) (bool, error) {
	t, payload, err := c.Go(MsgPutRef, &PutRef{Addr: addr}).Wait(ctx)
	if err != nil {
		return false, err
	}
	if t == MsgMissing {
		return false, nil
	}
	return true, decodeResponse(MsgAck, t, payload, nil)
}

func (c *Client) GetChunk(ctx context.Context, addr address.Address) ([]byte, error) {
	var resp Chunk
	err := c.roundTrip(ctx, MsgGet, &Get{Addr: addr}, MsgChunk, &resp)
	return resp.Data, err
}

// GetNode fetches a tree node.
func (c *Client) GetNode(ctx context.Context, addr address.Address) ([]byte, error) {
	return c.GetChunk(ctx, addr)
}

// PutNode stores a tree node.
func (c *Client) PutNode(ctx context.Context, addr address.Address, data []byte) error {
	return c.PutChunk(ctx, addr, data)
}

func (c *Client) AddItem(ctx context.Context, gen uint64, it item.Item) error {
	return c.roundTrip(ctx, MsgAddItem, &AddItem{Generation: gen, Item: it}, MsgItemAdded, nil)
}

func (c *Client) GetItem(ctx context.Context, id uuid.UUID) (item.Item, error) {
	var resp ItemInfo
	err := c.roundTrip(ctx, MsgGetItem, &GetItem{ID: id}, MsgItemInfo, &resp)
	return resp.Item, err
}

func (c *Client) ListItems(ctx context.Context, gen, afterSeq uint64) (repository.Ops, error) {
	var resp ItemOps
	err := c.roundTrip(ctx, MsgListItems, &ListItems{Generation: gen, AfterSeq: afterSeq}, MsgItemOps, &resp)
	return repository.Ops{Generation: resp.Generation, Reset: resp.Reset, Ops: resp.Ops}, err
}

func (c *Client) Remove(ctx context.Context, ids []uuid.UUID) (int, error) {
	var resp Count
	err := c.roundTrip(ctx, MsgRemoveItems, &IDs{IDs: ids}, MsgCount, &resp)
	return resp.N, err
}

func (c *Client) RestoreRemoved(ctx context.Context, ids []uuid.UUID) (int, error) {
	var resp Count
	err := c.roundTrip(ctx, MsgRestoreRemoved, &IDs{IDs: ids}, MsgCount, &resp)
	return resp.N, err
}

func (c *Client) BeginGC(ctx context.Context) (repository.GCStart, error) {
	var resp GCBegun
	err := c.roundTrip(ctx, MsgBeginGC, &Empty{}, MsgGCBegun, &resp)
	return repository.GCStart{Generation: resp.Generation, Roots: resp.Roots}, err
}

func (c *Client) Mark(ctx context.Context, gen uint64, addrs []address.Address) error {
	return c.roundTrip(ctx, MsgMark, &Mark{Generation: gen, Addrs: addrs}, MsgAck, nil)
}

func (c *Client) Sweep(ctx context.Context, gen uint64) (repository.GCStats, error) {
	var resp GCDone
	err := c.roundTrip(ctx, MsgSweep, &Sweep{Generation: gen}, MsgGCDone, &resp)
	return resp.Stats, err
}

func (c *Client) Stats(ctx context.Context) (repository.Info, error) {
	var resp StatsInfo
	err := c.roundTrip(ctx, MsgStats, &Empty{}, MsgStatsInfo, &resp)
	return resp.Info, err
}
