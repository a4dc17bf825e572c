package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2b"

	"github.com/sogaiu/bupstash/internal/fault"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Parity adds Reed-Solomon parity shards to every chunk so a chunk with a
// few damaged bytes can be rebuilt instead of being lost.
//
// Parity body layout:
//
//	k(1) | m(1) | length(4) | crc32c per shard (4 each) | payload | m parity shards
type Parity struct {
	DataShards   int
	ParityShards int
}

// Validate checks the shard counts.
func (p Parity) Validate() error {
	if p.DataShards < 1 || p.ParityShards < 1 {
		return fmt.Errorf("parity shards must be >= 1, got k=%d m=%d", p.DataShards, p.ParityShards)
	}
	if p.DataShards+p.ParityShards > 256 {
		return fmt.Errorf("total shards (k+m) must be <= 256, got %d", p.DataShards+p.ParityShards)
	}
	return nil
}

// split divides payload into k zero-padded data shards plus m empty parity
// shards of the same size.
func split(payload []byte, k, m int) [][]byte {
	shardSize := (len(payload) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}
	shards := make([][]byte, k+m)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
		if i < k && i*shardSize < len(payload) {
			copy(shards[i], payload[i*shardSize:])
		}
	}
	return shards
}

func (p *Parity) encode(payload []byte) ([]byte, error) {
	k, m := p.DataShards, p.ParityShards
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("create RS encoder: %w", err)
	}
	shards := split(payload, k, m)
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode shards: %w", err)
	}

	shardSize := len(shards[0])
	out := make([]byte, 0, 6+4*(k+m)+len(payload)+m*shardSize)
	out = append(out, byte(k), byte(m))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	for _, s := range shards {
		out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(s, castagnoli))
	}
	out = append(out, payload...)
	for _, s := range shards[k:] {
		out = append(out, s...)
	}
	return out, nil
}

// decodeParity returns the payload, rebuilding it from parity when it does
// not match sum.
func decodeParity(body []byte, sum [blake2b.Size256]byte) ([]byte, bool, error) {
	if len(body) < 6 {
		return nil, false, fmt.Errorf("parity header truncated: %w", fault.ErrCorrupt)
	}
	k, m := int(body[0]), int(body[1])
	length := int(binary.LittleEndian.Uint32(body[2:6]))
	if k < 1 || m < 1 {
		return nil, false, fmt.Errorf("invalid parity k=%d m=%d: %w", k, m, fault.ErrCorrupt)
	}

	crcs := body[6:]
	if len(crcs) < 4*(k+m) {
		return nil, false, fmt.Errorf("parity checksums truncated: %w", fault.ErrCorrupt)
	}
	rest := crcs[4*(k+m):]
	crcs = crcs[:4*(k+m)]

	shardSize := (length + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}
	if len(rest) != length+m*shardSize {
		return nil, false, fmt.Errorf("parity body has %d bytes, expected %d: %w", len(rest), length+m*shardSize, fault.ErrCorrupt)
	}

	payload := rest[:length]
	if blake2b.Sum256(payload) == sum {
		return payload, false, nil
	}

	// Drop every shard whose checksum fails and rebuild from the rest.
	shards := split(payload, k, m)
	for i := 0; i < m; i++ {
		copy(shards[k+i], rest[length+i*shardSize:])
	}
	bad := 0
	for i, s := range shards {
		if crc32.Checksum(s, castagnoli) != binary.LittleEndian.Uint32(crcs[4*i:]) {
			shards[i] = nil
			bad++
		}
	}
	if bad > m {
		return nil, false, fmt.Errorf("%d damaged shards exceed %d parity shards: %w", bad, m, fault.ErrCorrupt)
	}

	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, false, fmt.Errorf("create RS decoder: %w", err)
	}
	if err := enc.ReconstructData(shards); err != nil {
		return nil, false, fmt.Errorf("reconstruct shards: %v: %w", err, fault.ErrCorrupt)
	}

	rebuilt := make([]byte, 0, k*shardSize)
	for _, s := range shards[:k] {
		rebuilt = append(rebuilt, s...)
	}
	rebuilt = rebuilt[:length]
	if blake2b.Sum256(rebuilt) != sum {
		return nil, false, fmt.Errorf("checksum mismatch after repair: %w", fault.ErrCorrupt)
	}
	return rebuilt, true, nil
}
