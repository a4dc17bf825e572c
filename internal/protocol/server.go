package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/logging/audit"
	"github.com/sogaiu/bupstash/internal/metrics"
	"github.com/sogaiu/bupstash/internal/repository"
)

// MaxClockSkew is the largest clock difference a session accepts.
const MaxClockSkew = 15 * time.Minute

// Backend is the repository a server answers from.
type Backend interface {
	ID() uuid.UUID
	Generation(ctx context.Context) (uint64, error)
	BeginSend(ctx context.Context) (uint64, error)
	PutChunk(ctx context.Context, addr address.Address, data []byte) error
	PutRef(ctx context.Context, addr address.Address) (bool, error)
	GetChunk(ctx context.Context, addr address.Address) ([]byte, error)
	AddItem(ctx context.Context, gen uint64, it item.Item) error
	GetItem(ctx context.Context, id uuid.UUID) (item.Item, error)
	ListItems(ctx context.Context, gen, afterSeq uint64) (repository.Ops, error)
	Remove(ctx context.Context, ids []uuid.UUID) (int, error)
	RestoreRemoved(ctx context.Context, ids []uuid.UUID) (int, error)
	BeginGC(ctx context.Context) (repository.GCStart, error)
	Mark(ctx context.Context, gen uint64, addrs []address.Address) error
	Sweep(ctx context.Context, gen uint64) (repository.GCStats, error)
	AbortGC(gen uint64)
	Stats(ctx context.Context) (repository.Info, error)
}

// Server serves the protocol from a Backend. Each connection is handled
// by one goroutine that answers requests in order.
type Server struct {
	backend Backend
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewServer returns a Server for backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend, now: time.Now}
}

// Serve accepts connections from l until ctx is done or l fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection ended")
			}
		}()
	}
}

// ServeConn runs one session on conn and closes it when done.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	sess := &session{
		server: s,
		r:      bufio.NewReaderSize(conn, 256*1024),
		w:      bufio.NewWriterSize(conn, 256*1024),
	}
	defer sess.abortGC()

	if err := sess.handshake(ctx); err != nil {
		return err
	}
	for {
		t, payload, err := ReadFrame(sess.r)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if t == MsgHangup {
			return nil
		}
		if err := sess.handle(ctx, t, payload); err != nil {
			return err
		}
	}
}

type session struct {
	server *Server
	r      *bufio.Reader
	w      *bufio.Writer

	gcActive     bool
	gcGeneration uint64
}

func (s *session) send(t MsgType, v any) error {
	if err := WriteFrame(s.w, t, v); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	// Only flush once no further pipelined request is already buffered.
	if s.r.Buffered() == 0 {
		return s.w.Flush()
	}
	return nil
}

func (s *session) sendError(err error) error {
	return s.send(MsgError, &Error{Class: string(fault.ClassOf(err)), Message: err.Error()})
}

func (s *session) handshake(ctx context.Context) error {
	t, payload, err := ReadFrame(s.r)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	var hello Hello
	if t != MsgHello {
		err = fmt.Errorf("expected hello, got %s: %w", t, fault.ErrInvalid)
	} else {
		err = Decode(t, payload, &hello)
	}
	if err == nil && hello.Version != Version {
		err = fmt.Errorf("unsupported protocol version %d: %w", hello.Version, fault.ErrInvalid)
	}
	now := s.server.now()
	if err == nil {
		skew := now.Sub(time.Unix(hello.Now, 0))
		if skew > MaxClockSkew || skew < -MaxClockSkew {
			err = fmt.Errorf("client clock differs by %s: %w", skew.Round(time.Second), fault.ErrInvalid)
		}
	}
	var gen uint64
	if err == nil {
		gen, err = s.server.backend.Generation(ctx)
	}
	if err != nil {
		_ = s.sendError(err)
		_ = s.w.Flush()
		return err
	}
	return s.send(MsgHelloOK, &HelloOK{
		Version:    Version,
		Now:        now.Unix(),
		RepoID:     s.server.backend.ID(),
		Generation: gen,
	})
}

func (s *session) abortGC() {
	if s.gcActive {
		s.server.backend.AbortGC(s.gcGeneration)
	}
}

// handle answers one request. Request errors are sent to the client; only
// connection failures are returned.
func (s *session) handle(ctx context.Context, t MsgType, payload []byte) error {
	started := time.Now()
	rt, resp, err := s.dispatch(ctx, t, payload)

	status := "ok"
	if err != nil {
		status = string(fault.ClassOf(err))
		log.Debug().Err(err).Str("op", t.String()).Msg("request failed")
	}
	metrics.Get().RecordRequest(t.String(), status, time.Since(started).Seconds())

	if err != nil {
		return s.sendError(err)
	}
	return s.send(rt, resp)
}

func (s *session) dispatch(ctx context.Context, t MsgType, payload []byte) (MsgType, any, error) {
	b := s.server.backend
	switch t {
	case MsgPut:
		var req Put
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		return MsgAck, &Empty{}, b.PutChunk(ctx, req.Addr, req.Data)

	case MsgPutRef:
		var req PutRef
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		ok, err := b.PutRef(ctx, req.Addr)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			return MsgMissing, &Empty{}, nil
		}
		return MsgAck, &Empty{}, nil

	case MsgGet:
		var req Get
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		data, err := b.GetChunk(ctx, req.Addr)
		return MsgChunk, &Chunk{Data: data}, err

	case MsgBeginSend:
		gen, err := b.BeginSend(ctx)
		return MsgSendInfo, &SendInfo{Generation: gen}, err

	case MsgAddItem:
		var req AddItem
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		return MsgItemAdded, &ItemAdded{ID: req.Item.ID}, b.AddItem(ctx, req.Generation, req.Item)

	case MsgGetItem:
		var req GetItem
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		it, err := b.GetItem(ctx, req.ID)
		return MsgItemInfo, &ItemInfo{Item: it}, err

	case MsgListItems:
		var req ListItems
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		ops, err := b.ListItems(ctx, req.Generation, req.AfterSeq)
		return MsgItemOps, &ItemOps{Generation: ops.Generation, Reset: ops.Reset, Ops: ops.Ops}, err

	case MsgRemoveItems, MsgRestoreRemoved:
		var req IDs
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		var n int
		var err error
		if t == MsgRemoveItems {
			n, err = b.Remove(ctx, req.IDs)
			audit.Ctx(ctx).LogItems(ctx, "remove", len(req.IDs), n, err)
		} else {
			n, err = b.RestoreRemoved(ctx, req.IDs)
			audit.Ctx(ctx).LogItems(ctx, "restore_removed", len(req.IDs), n, err)
		}
		return MsgCount, &Count{N: n}, err

	case MsgBeginGC:
		start, err := b.BeginGC(ctx)
		if err != nil {
			return 0, nil, err
		}
		s.gcActive, s.gcGeneration = true, start.Generation
		return MsgGCBegun, &GCBegun{Generation: start.Generation, Roots: start.Roots}, nil

	case MsgMark:
		var req Mark
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		return MsgAck, &Empty{}, b.Mark(ctx, req.Generation, req.Addrs)

	case MsgSweep:
		var req Sweep
		if err := Decode(t, payload, &req); err != nil {
			return 0, nil, err
		}
		stats, err := b.Sweep(ctx, req.Generation)
		if req.Generation == s.gcGeneration {
			s.gcActive = false
		}
		audit.Ctx(ctx).LogGC(ctx, stats.ItemsPurged, stats.ChunksDeleted, stats.BytesFreed, err)
		return MsgGCDone, &GCDone{Stats: stats}, err

	case MsgStats:
		info, err := b.Stats(ctx)
		return MsgStatsInfo, &StatsInfo{Info: info}, err

	default:
		return 0, nil, fmt.Errorf("unexpected message %s: %w", t, fault.ErrInvalid)
	}
}
