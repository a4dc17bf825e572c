package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/chunker"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
	"github.com/sogaiu/bupstash/internal/metrics"
)

// rateBurst is the largest single reservation of the upload limiter.
const rateBurst = 1024 * 1024

// ErrNotReplayable is returned when a put must restart but its source can
// only be read once.
var ErrNotReplayable = errors.New("source cannot be read a second time")

// Source is the data of a put. Open may be called more than once when a
// put is restarted; each call must yield the same bytes.
type Source interface {
	Open() (io.ReadCloser, error)
}

// FileSource reads a file.
type FileSource string

func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

// BytesSource is an in-memory source.
type BytesSource []byte

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// ReaderSource wraps a stream such as standard input. It can be opened
// once.
func ReaderSource(r io.Reader) Source {
	return &readerSource{r: r}
}

type readerSource struct {
	r    io.Reader
	used atomic.Bool
}

func (s *readerSource) Open() (io.ReadCloser, error) {
	if s.used.Swap(true) {
		return nil, ErrNotReplayable
	}
	return io.NopCloser(s.r), nil
}

// PutResult describes a committed put.
type PutResult struct {
	ID       uuid.UUID
	Size     uint64
	Chunks   int
	Uploaded int // chunks sent in full
	Skipped  int // chunks confirmed through the send log
	Attempts int
}

// Put stores the data of src as a new item tagged with tags. k must be
// able to seal data, so either a put key or a master key.
func (c *Client) Put(ctx context.Context, src Source, tags map[string]string, k keys.Key) (PutResult, error) {
	return c.put(ctx, k, tags, func(ctx context.Context, u *upload) (htree.Root, *htree.Root, error) {
		r, err := src.Open()
		if err != nil {
			return htree.Root{}, nil, fmt.Errorf("open source: %w", err)
		}
		defer func() { _ = r.Close() }()
		root, err := u.stream(ctx, r)
		return root, nil, err
	})
}

type buildFunc func(ctx context.Context, u *upload) (data htree.Root, index *htree.Root, err error)

// put runs build and commits the result, restarting from scratch while the
// commit conflicts with a collection.
func (c *Client) put(ctx context.Context, k keys.Key, tags map[string]string, build buildFunc) (PutResult, error) {
	sealer, err := keys.AsDataSealer(k)
	if err != nil {
		return PutResult{}, err
	}
	if _, err := keys.AsMetadataSealer(k); err != nil {
		return PutResult{}, err
	}
	if sl := c.opts.SendLog; sl != nil {
		if err := sl.Bind(c.repo.ID()); err != nil {
			return PutResult{}, fmt.Errorf("send log: %w", err)
		}
	}

	var res PutResult
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return PutResult{}, err
		}
		gen, err := c.repo.BeginSend(ctx)
		if err != nil {
			return PutResult{}, fmt.Errorf("begin send: %w", err)
		}
		u := c.newUpload(gen, sealer)
		data, index, err := build(ctx, u)
		if err != nil {
			return PutResult{}, err
		}

		it, err := item.New(k, data, index, item.Metadata{Tags: tags, Timestamp: c.opts.Now().UTC()})
		if err != nil {
			return PutResult{}, err
		}
		err = c.repo.AddItem(ctx, gen, it)
		res = PutResult{
			ID:       it.ID,
			Size:     data.Size,
			Chunks:   int(u.chunks.Load()),
			Uploaded: int(u.uploaded.Load()),
			Skipped:  int(u.skipped.Load()),
			Attempts: attempt,
		}
		if err == nil {
			break
		}
		if !errors.Is(err, fault.ErrConflict) || attempt == MaxPutAttempts {
			return PutResult{}, fmt.Errorf("commit item: %w", err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("commit raced a garbage collection, restarting put")
	}

	if sl := c.opts.SendLog; sl != nil {
		if err := sl.SetLastItem(res.ID); err != nil {
			log.Warn().Err(err).Msg("record last item in send log")
		}
	}
	log.Info().
		Str("id", res.ID.String()).
		Uint64("size", res.Size).
		Int("chunks", res.Chunks).
		Int("uploaded", res.Uploaded).
		Int("skipped", res.Skipped).
		Msg("put complete")
	return res, nil
}

// upload stores the chunks and tree nodes of one put attempt.
type upload struct {
	c      *Client
	gen    uint64
	sealer keys.DataSealer

	mu   sync.Mutex
	seen address.Set // addresses already handled by this attempt

	chunks   atomic.Int64
	uploaded atomic.Int64
	skipped  atomic.Int64
}

func (c *Client) newUpload(gen uint64, sealer keys.DataSealer) *upload {
	return &upload{c: c, gen: gen, sealer: sealer, seen: make(address.Set)}
}

func (u *upload) firstSight(addr address.Address) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.seen.Add(addr)
}

// slot is one chunk in flight. Slots are consumed in stream order so the
// tree is built in order while chunks are sealed and sent in parallel.
type slot struct {
	addr address.Address
	size int
	err  error
	done chan struct{}
}

// stream chunks r and stores it under a new tree. An empty stream becomes
// a tree over one empty chunk.
func (u *upload) stream(ctx context.Context, r io.Reader) (htree.Root, error) {
	ch, err := chunker.New(r, u.c.opts.Chunking, u.sealer.HashKey())
	if err != nil {
		return htree.Root{}, err
	}

	// One extra slot for the tree builder.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.c.opts.Concurrency + 1)

	slots := make(chan *slot, u.c.opts.Concurrency*2)
	var root htree.Root
	g.Go(func() error {
		var err error
		root, err = u.buildTree(gctx, slots)
		return err
	})

	produced := false
	var readErr error
loop:
	for {
		chunk, err := ch.Next()
		if errors.Is(err, io.EOF) {
			if produced {
				break
			}
			chunk, err = []byte{}, nil
		}
		if err != nil {
			readErr = err
			break
		}
		produced = true

		s := &slot{size: len(chunk), done: make(chan struct{})}
		select {
		case slots <- s:
		case <-gctx.Done():
			break loop
		}
		g.Go(func() error {
			defer close(s.done)
			s.addr, s.err = u.storeChunk(gctx, chunk)
			return s.err
		})
		if len(chunk) == 0 {
			break
		}
	}
	close(slots)

	err = g.Wait()
	if readErr != nil {
		return htree.Root{}, readErr
	}
	if err != nil {
		return htree.Root{}, err
	}
	return root, nil
}

func (u *upload) buildTree(ctx context.Context, slots <-chan *slot) (htree.Root, error) {
	var opts []htree.WriterOption
	if bits := u.c.opts.NodeMaskBits; bits > 0 {
		opts = append(opts, htree.WithNodeMaskBits(bits))
	}
	w := htree.NewWriter(&nodeSink{u: u}, opts...)

	var err error
	for s := range slots {
		<-s.done
		if err != nil {
			continue
		}
		if s.err != nil {
			err = s.err
			continue
		}
		err = w.Add(ctx, s.addr, s.size)
	}
	if err != nil {
		return htree.Root{}, err
	}
	return w.Finish(ctx)
}

// storeChunk makes sure the chunk is in the repository, sending it only if
// the send log cannot vouch for it.
func (u *upload) storeChunk(ctx context.Context, plain []byte) (address.Address, error) {
	addr := address.Keyed(u.sealer.HashKey(), plain)
	u.chunks.Add(1)
	if !u.firstSight(addr) {
		return addr, nil
	}

	ok, err := u.confirm(ctx, addr)
	if err != nil || ok {
		return addr, err
	}

	sealed, err := u.sealer.SealData(plain)
	if err != nil {
		return addr, err
	}
	if err := u.send(ctx, addr, sealed, u.c.repo.PutChunk); err != nil {
		return addr, err
	}
	u.uploaded.Add(1)
	return addr, nil
}

// confirm reports whether addr is known stored. A send log hit is checked
// with a reference-only put; a Missing answer drops the stale entry.
func (u *upload) confirm(ctx context.Context, addr address.Address) (bool, error) {
	sl := u.c.opts.SendLog
	if sl == nil {
		return false, nil
	}
	hit, err := sl.Has(addr)
	if err != nil || !hit {
		return false, err
	}
	ok, err := u.c.repo.PutRef(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("confirm %s: %w", addr, err)
	}
	if ok {
		u.skipped.Add(1)
		metrics.Get().SkippedChunks.Inc()
		return true, nil
	}
	log.Debug().Str("addr", addr.String()).Msg("send log entry is stale, resending chunk")
	if err := sl.Forget(addr); err != nil {
		return false, err
	}
	return false, nil
}

func (u *upload) send(ctx context.Context, addr address.Address, data []byte, put func(context.Context, address.Address, []byte) error) error {
	if err := u.c.wait(ctx, len(data)); err != nil {
		return err
	}
	if err := put(ctx, addr, data); err != nil {
		return fmt.Errorf("put %s: %w", addr, err)
	}
	metrics.Get().UploadedChunks.Inc()
	metrics.Get().UploadedBytes.Add(float64(len(data)))
	if sl := u.c.opts.SendLog; sl != nil {
		if err := sl.Confirm(u.gen, addr); err != nil {
			return fmt.Errorf("send log: %w", err)
		}
	}
	return nil
}

// wait blocks until the upload limiter admits n bytes.
func (c *Client) wait(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	for n > 0 {
		step := min(n, rateBurst)
		if err := c.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// nodeSink stores tree nodes, skipping those the send log vouches for.
type nodeSink struct {
	u *upload
}

func (s *nodeSink) PutNode(ctx context.Context, addr address.Address, data []byte) error {
	if !s.u.firstSight(addr) {
		return nil
	}
	ok, err := s.u.confirm(ctx, addr)
	if err != nil || ok {
		return err
	}
	return s.u.send(ctx, addr, data, s.u.c.repo.PutNode)
}
