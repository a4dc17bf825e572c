// Package chunker splits byte streams into content-defined chunks.
//
// Boundaries depend only on the bytes near them, so inserting or deleting
// data only moves the boundaries in the edited region and every other chunk
// is reproduced unchanged. This is what makes repeated backups incremental.
package chunker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Algorithm names.
const (
	Buzhash = "buzhash"
	Rabin   = "rabin"
)

// Default chunking parameters. The mean chunk size is roughly
// MinSize + 2^MaskBits.
const (
	DefaultMinSize  = 256 * 1024
	DefaultMaxSize  = 8 * 1024 * 1024
	DefaultMaskBits = 20
)

// ErrInvalidParams is returned for inconsistent chunking parameters.
var ErrInvalidParams = errors.New("invalid chunker parameters")

// Params configures chunk boundary selection.
type Params struct {
	Algorithm string
	MinSize   int
	MaxSize   int
	MaskBits  uint
}

// DefaultParams returns the parameters used for new repositories.
func DefaultParams() Params {
	return Params{
		Algorithm: Buzhash,
		MinSize:   DefaultMinSize,
		MaxSize:   DefaultMaxSize,
		MaskBits:  DefaultMaskBits,
	}
}

// Validate checks that the parameters describe a usable chunker.
func (p Params) Validate() error {
	switch p.Algorithm {
	case "", Buzhash, Rabin:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParams, p.Algorithm)
	}
	if p.MinSize < WindowSize {
		return fmt.Errorf("%w: min size %d below window size %d", ErrInvalidParams, p.MinSize, WindowSize)
	}
	if p.MaxSize < p.MinSize {
		return fmt.Errorf("%w: max size %d below min size %d", ErrInvalidParams, p.MaxSize, p.MinSize)
	}
	if p.MaskBits == 0 || p.MaskBits > 30 {
		return fmt.Errorf("%w: mask bits %d out of range", ErrInvalidParams, p.MaskBits)
	}
	return nil
}

// Chunker yields chunks from a stream. Next returns io.EOF once the stream
// is exhausted; the final chunk is returned regardless of its size.
type Chunker interface {
	Next() ([]byte, error)
}

// New returns a chunker over r. The key is only used by the rabin algorithm
// to derive a per-repository polynomial.
func New(r io.Reader, p Params, key []byte) (Chunker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Algorithm == Rabin {
		return newRabin(r, p, key)
	}
	return newBuzhash(r, p), nil
}

// buzhashChunker cuts when the rolling sum matches its mask, never before
// MinSize, and always at MaxSize.
type buzhashChunker struct {
	r    *bufio.Reader
	p    Params
	rs   *Rollsum
	done bool
}

func newBuzhash(r io.Reader, p Params) *buzhashChunker {
	return &buzhashChunker{
		r:  bufio.NewReaderSize(r, 256*1024),
		p:  p,
		rs: NewRollsum(p.MaskBits),
	}
}

func (c *buzhashChunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	c.rs.Reset()
	chunk := make([]byte, 0, c.p.MinSize)
	for {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			c.done = true
			if len(chunk) == 0 {
				return nil, io.EOF
			}
			return chunk, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}

		chunk = append(chunk, b)
		split := c.rs.Roll(b)
		if len(chunk) >= c.p.MaxSize || (split && len(chunk) >= c.p.MinSize) {
			return chunk, nil
		}
	}
}

// Split chunks an in-memory buffer.
func Split(data []byte, p Params, key []byte) ([][]byte, error) {
	c, err := New(&byteReader{data: data}, p, key)
	if err != nil {
		return nil, err
	}

	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
