// Package store persists chunks by content address.
package store

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
)

// Store is a content-addressed chunk store.
//
// Put is idempotent: storing an address that already exists succeeds
// without rewriting it, so the store never holds two payloads for one
// address. Get returns an error wrapping fault.ErrNotFound on a miss.
type Store interface {
	Put(ctx context.Context, addr address.Address, data []byte) error
	Get(ctx context.Context, addr address.Address) ([]byte, error)
	Has(ctx context.Context, addr address.Address) (bool, error)
	Delete(ctx context.Context, addr address.Address) error
	// Walk calls fn for every stored chunk with its stored size.
	Walk(ctx context.Context, fn func(addr address.Address, size int64) error) error
	Close() error
}

// Chunk file envelope:
//
//	magic(4) | flags(1) | checksum(32) | body
//
// The body is the payload, or a parity-protected form of it when the
// parity flag is set.
var envelopeMagic = []byte("BSC1")

const (
	flagParity   byte = 1
	envelopeHead      = 4 + 1 + blake2b.Size256
)

func encodeEnvelope(payload []byte, parity *Parity) ([]byte, error) {
	sum := blake2b.Sum256(payload)
	out := make([]byte, 0, envelopeHead+len(payload))
	out = append(out, envelopeMagic...)

	if parity == nil {
		out = append(out, 0)
		out = append(out, sum[:]...)
		return append(out, payload...), nil
	}

	body, err := parity.encode(payload)
	if err != nil {
		return nil, err
	}
	out = append(out, flagParity)
	out = append(out, sum[:]...)
	return append(out, body...), nil
}

// decodeEnvelope verifies a stored chunk and returns its payload. repaired
// reports whether parity had to be used.
func decodeEnvelope(addr address.Address, data []byte) (payload []byte, repaired bool, err error) {
	if len(data) < envelopeHead || !bytes.Equal(data[:4], envelopeMagic) {
		return nil, false, fmt.Errorf("chunk %s has a bad header: %w", addr, fault.ErrCorrupt)
	}
	flags := data[4]
	var sum [blake2b.Size256]byte
	copy(sum[:], data[5:envelopeHead])
	body := data[envelopeHead:]

	if flags&flagParity == 0 {
		if blake2b.Sum256(body) != sum {
			return nil, false, fmt.Errorf("chunk %s checksum mismatch: %w", addr, fault.ErrCorrupt)
		}
		return body, false, nil
	}

	payload, repaired, err = decodeParity(body, sum)
	if err != nil {
		return nil, false, fmt.Errorf("chunk %s: %w", addr, err)
	}
	return payload, repaired, nil
}
