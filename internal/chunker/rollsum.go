package chunker

// WindowSize is the number of bytes covered by the rolling hash.
const WindowSize = 64

// buzhashSeed seeds the xorshift generator that fills the byte table.
const buzhashSeed = 0x47b6137b

// buzhashTable maps each byte to a pseudo-random 32-bit value.
var buzhashTable [256]uint32

func init() {
	state := uint32(buzhashSeed)
	for i := range buzhashTable {
		// xorshift32
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		buzhashTable[i] = state
	}
}

// Rollsum is a buzhash rolling checksum over the last WindowSize bytes.
// Roll reports a split point whenever the low mask bits of the hash are
// all set.
type Rollsum struct {
	window [WindowSize]byte
	pos    int
	hash   uint32
	mask   uint32
}

// NewRollsum returns a rolling sum that splits on average every 2^maskBits bytes.
func NewRollsum(maskBits uint) *Rollsum {
	return &Rollsum{mask: (1 << maskBits) - 1}
}

// Roll adds b to the window and reports whether the position after b is a
// split point.
func (r *Rollsum) Roll(b byte) bool {
	out := r.window[r.pos]
	r.window[r.pos] = b
	r.pos = (r.pos + 1) % WindowSize

	// H' = rol(H, 1) ^ T[in] ^ rol(T[out], W)
	r.hash = rol32(r.hash, 1) ^ buzhashTable[b] ^ rol32(buzhashTable[out], WindowSize%32)
	return r.hash&r.mask == r.mask
}

// Reset clears the window.
func (r *Rollsum) Reset() {
	r.window = [WindowSize]byte{}
	r.pos = 0
	r.hash = 0
}

func rol32(x uint32, n uint32) uint32 {
	n %= 32
	if n == 0 {
		return x
	}
	return (x << n) | (x >> (32 - n))
}
