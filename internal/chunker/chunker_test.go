package chunker

import (
	"bytes"
	"crypto/sha256"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{Algorithm: Buzhash, MinSize: 2 * 1024, MaxSize: 64 * 1024, MaskBits: 13}
}

func randomData(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func chunkHashes(chunks [][]byte) map[[32]byte]bool {
	out := make(map[[32]byte]bool, len(chunks))
	for _, c := range chunks {
		out[sha256.Sum256(c)] = true
	}
	return out
}

func TestChunker_Deterministic(t *testing.T) {
	data := randomData(1, 1<<20)
	key := []byte("repository key")

	for _, alg := range []string{Buzhash, Rabin} {
		t.Run(alg, func(t *testing.T) {
			p := testParams()
			p.Algorithm = alg
			if alg == Rabin {
				p.MinSize = 16 * 1024
				p.MaxSize = 128 * 1024
			}

			first, err := Split(data, p, key)
			require.NoError(t, err)
			second, err := Split(data, p, key)
			require.NoError(t, err)

			require.Equal(t, len(first), len(second))
			for i := range first {
				assert.Equal(t, first[i], second[i], "chunk %d differs", i)
			}
			assert.Greater(t, len(first), 1)
		})
	}
}

func TestChunker_Reassembles(t *testing.T) {
	data := randomData(2, 300*1024)
	chunks, err := Split(data, testParams(), nil)
	require.NoError(t, err)

	assert.Equal(t, data, bytes.Join(chunks, nil))
}

func TestChunker_SizeBounds(t *testing.T) {
	p := testParams()
	data := randomData(3, 2<<20)
	chunks, err := Split(data, p, nil)
	require.NoError(t, err)

	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), p.MaxSize, "chunk %d too large", i)
		if i < len(chunks)-1 {
			assert.GreaterOrEqual(t, len(c), p.MinSize, "chunk %d too small", i)
		}
	}
}

func TestChunker_ForcedCutAtMax(t *testing.T) {
	p := testParams()
	// A constant stream never matches the mask, so every cut is forced.
	data := bytes.Repeat([]byte{0}, 3*p.MaxSize+100)
	chunks, err := Split(data, p, nil)
	require.NoError(t, err)

	require.Len(t, chunks, 4)
	for _, c := range chunks[:3] {
		assert.Len(t, c, p.MaxSize)
	}
	assert.Len(t, chunks[3], 100)
}

func TestChunker_EmptyAndSmallInput(t *testing.T) {
	chunks, err := Split(nil, testParams(), nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = Split([]byte("tiny"), testParams(), nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []byte("tiny"), chunks[0])
}

func TestChunker_InsertionResistance(t *testing.T) {
	p := testParams()
	original := randomData(4, 1<<20)

	modified := make([]byte, 0, len(original)+50)
	modified = append(modified, original[:len(original)/2]...)
	modified = append(modified, []byte("an inserted block of bytes, right in the middle")...)
	modified = append(modified, original[len(original)/2:]...)

	before, err := Split(original, p, nil)
	require.NoError(t, err)
	after, err := Split(modified, p, nil)
	require.NoError(t, err)

	known := chunkHashes(before)
	changed := 0
	for _, c := range after {
		if !known[sha256.Sum256(c)] {
			changed++
		}
	}

	// Only the chunks around the edit should differ.
	assert.LessOrEqual(t, changed, 4)
	assert.Greater(t, len(after), 10)
}

func TestChunker_ReadError(t *testing.T) {
	c, err := New(io.MultiReader(bytes.NewReader([]byte("abc")), errReader{}), testParams(), nil)
	require.NoError(t, err)

	_, err = c.Next()
	assert.Error(t, err)
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"defaults", DefaultParams(), true},
		{"unknown algorithm", Params{Algorithm: "fastcdc", MinSize: 1024, MaxSize: 4096, MaskBits: 10}, false},
		{"min below window", Params{MinSize: 10, MaxSize: 4096, MaskBits: 10}, false},
		{"max below min", Params{MinSize: 8192, MaxSize: 4096, MaskBits: 10}, false},
		{"zero mask", Params{MinSize: 1024, MaxSize: 4096}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidParams)
			}
		})
	}
}

func TestPolynomial_DependsOnKey(t *testing.T) {
	a, err := Polynomial([]byte("key a"))
	require.NoError(t, err)
	again, err := Polynomial([]byte("key a"))
	require.NoError(t, err)
	b, err := Polynomial([]byte("key b"))
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
}

func TestRollsum_WindowOnly(t *testing.T) {
	// After a full window, the hash depends only on the window contents.
	tail := randomData(5, WindowSize)

	r1 := NewRollsum(8)
	for _, b := range randomData(6, 500) {
		r1.Roll(b)
	}
	r2 := NewRollsum(8)
	for _, b := range randomData(7, 123) {
		r2.Roll(b)
	}
	for _, b := range tail {
		r1.Roll(b)
		r2.Roll(b)
	}
	assert.Equal(t, r1.hash, r2.hash)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
