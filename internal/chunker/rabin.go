package chunker

import (
	"crypto/sha256"
	"fmt"
	"io"

	rchunker "github.com/restic/chunker"
	"golang.org/x/crypto/hkdf"
)

// rabinChunker wraps restic's Rabin fingerprint chunker. The polynomial is
// derived from the repository key so boundaries are not predictable
// without it.
type rabinChunker struct {
	c   *rchunker.Chunker
	buf []byte
}

func newRabin(r io.Reader, p Params, key []byte) (*rabinChunker, error) {
	pol, err := Polynomial(key)
	if err != nil {
		return nil, err
	}
	c := rchunker.NewWithBoundaries(r, pol, uint(p.MinSize), uint(p.MaxSize))
	c.SetAverageBits(int(p.MaskBits))
	return &rabinChunker{c: c, buf: make([]byte, p.MaxSize)}, nil
}

func (c *rabinChunker) Next() ([]byte, error) {
	chunk, err := c.c.Next(c.buf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("rabin chunk: %w", err)
	}
	out := make([]byte, len(chunk.Data))
	copy(out, chunk.Data)
	return out, nil
}

// Polynomial derives an irreducible polynomial from key. The same key
// always yields the same polynomial.
func Polynomial(key []byte) (rchunker.Pol, error) {
	stream := hkdf.New(sha256.New, key, nil, []byte("bupstash rabin polynomial"))
	pol, err := rchunker.DerivePolynomial(stream)
	if err != nil {
		return 0, fmt.Errorf("derive polynomial: %w", err)
	}
	return pol, nil
}
