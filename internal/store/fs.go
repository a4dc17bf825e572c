package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/metrics"
)

const tempPrefix = ".chunk-"

// FSStore keeps one file per chunk on a billy filesystem, fanned out into
// 256 directories by the first address byte: ab/abcdef...
type FSStore struct {
	fs     billy.Filesystem
	sync   bool
	parity *Parity
}

// Option configures an FSStore.
type Option func(*FSStore)

// WithSync makes every chunk write fsync before it is renamed into place.
func WithSync(sync bool) Option {
	return func(s *FSStore) { s.sync = sync }
}

// WithParity protects new chunks with Reed-Solomon parity.
func WithParity(p Parity) Option {
	return func(s *FSStore) { s.parity = &p }
}

// NewFSStore returns a store rooted at the top of fs. Writes are fsynced
// unless BUPSTASH_TEST is set.
func NewFSStore(fs billy.Filesystem, opts ...Option) (*FSStore, error) {
	s := &FSStore{fs: fs, sync: os.Getenv("BUPSTASH_TEST") == ""}
	for _, opt := range opts {
		opt(s)
	}
	if s.parity != nil {
		if err := s.parity.Validate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OpenDir returns a store in dir on the local disk.
func OpenDir(dir string, opts ...Option) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}
	return NewFSStore(osfs.New(dir), opts...)
}

// NewMemStore returns an in-memory store.
func NewMemStore(opts ...Option) *FSStore {
	s, err := NewFSStore(memfs.New(), append([]Option{WithSync(false)}, opts...)...)
	if err != nil {
		panic(err)
	}
	return s
}

func chunkPath(addr address.Address) string {
	name := addr.String()
	return path.Join(name[:2], name)
}

func (s *FSStore) exists(addr address.Address) (bool, error) {
	_, err := s.fs.Stat(chunkPath(addr))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat chunk %s: %v: %w", addr, err, fault.ErrIO)
}

// Put stores data under addr unless it is already present.
func (s *FSStore) Put(ctx context.Context, addr address.Address, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := metrics.Get()

	ok, err := s.exists(addr)
	if err != nil {
		return err
	}
	if ok {
		m.ChunksDeduplicated.Inc()
		return nil
	}

	encoded, err := encodeEnvelope(data, s.parity)
	if err != nil {
		return err
	}

	dir := path.Dir(chunkPath(addr))
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create chunk dir: %v: %w", err, fault.ErrIO)
	}

	// Concurrent writers each get their own temp file; whichever rename
	// lands first wins and later ones replace it with an equivalent chunk.
	tmp, err := s.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %v: %w", err, fault.ErrIO)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("write chunk: %v: %w", err, fault.ErrIO)
	}
	if s.sync {
		if f, ok := tmp.(interface{ Sync() error }); ok {
			if err := f.Sync(); err != nil {
				_ = tmp.Close()
				_ = s.fs.Remove(tmpPath)
				return fmt.Errorf("sync chunk: %v: %w", err, fault.ErrIO)
			}
		}
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("close temp file: %v: %w", err, fault.ErrIO)
	}
	if err := s.fs.Rename(tmpPath, chunkPath(addr)); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("rename chunk: %v: %w", err, fault.ErrIO)
	}

	m.ChunksWritten.Inc()
	m.BytesWritten.Add(float64(len(data)))
	return nil
}

// Get reads and verifies the chunk at addr.
func (s *FSStore) Get(ctx context.Context, addr address.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(chunkPath(addr))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("chunk %s: %w", addr, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open chunk: %v: %w", err, fault.ErrIO)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read chunk: %v: %w", err, fault.ErrIO)
	}

	payload, repaired, err := decodeEnvelope(addr, data)
	if err != nil {
		return nil, err
	}
	m := metrics.Get()
	m.ChunksRead.Inc()
	if repaired {
		m.ChunksRepaired.Inc()
		log.Warn().Str("addr", addr.String()).Msg("chunk repaired from parity")
	}
	return payload, nil
}

// Has reports whether addr is stored.
func (s *FSStore) Has(ctx context.Context, addr address.Address) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.exists(addr)
}

// Delete removes addr. Deleting a missing chunk is not an error.
func (s *FSStore) Delete(ctx context.Context, addr address.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(chunkPath(addr)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete chunk: %v: %w", err, fault.ErrIO)
	}
	return nil
}

// Walk visits every chunk. Leftover temp files from interrupted writes are
// removed along the way.
func (s *FSStore) Walk(ctx context.Context, fn func(addr address.Address, size int64) error) error {
	dirs, err := s.fs.ReadDir("/")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list chunk dirs: %v: %w", err, fault.ErrIO)
	}

	for _, d := range dirs {
		if !d.IsDir() || len(d.Name()) != 2 {
			continue
		}
		files, err := s.fs.ReadDir(d.Name())
		if err != nil {
			return fmt.Errorf("list chunk dir %s: %v: %w", d.Name(), err, fault.ErrIO)
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(f.Name(), tempPrefix) {
				_ = s.fs.Remove(path.Join(d.Name(), f.Name()))
				continue
			}
			addr, err := address.Parse(f.Name())
			if err != nil {
				log.Debug().Str("name", f.Name()).Msg("skipping unknown file in chunk store")
				continue
			}
			if err := fn(addr, f.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases nothing; files are opened per call.
func (s *FSStore) Close() error {
	return nil
}

// IsNotFound reports whether err is a chunk miss.
func IsNotFound(err error) bool {
	return errors.Is(err, fault.ErrNotFound)
}
