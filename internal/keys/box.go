package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/sogaiu/bupstash/internal/fault"
)

// Sealed box layout: ephemeral public key | nonce | ciphertext+tag.
const (
	ephemeralSize = 32
	nonceSize     = chacha20poly1305.NonceSizeX
	// BoxOverhead is the size added to a payload by sealing.
	BoxOverhead = ephemeralSize + nonceSize + chacha20poly1305.Overhead
)

// Compression footer tags, stored as the last plaintext byte.
const (
	footerNone byte = 0
	footerZstd byte = 1
)

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// boxKey mixes the X25519 shared secret with the repository PSK. Someone
// holding only a leaked box secret still cannot open payloads.
func boxKey(shared []byte, psk [32]byte, ephemeral, recipient [32]byte) ([]byte, error) {
	ikm := make([]byte, 0, len(shared)+len(psk))
	ikm = append(ikm, shared...)
	ikm = append(ikm, psk[:]...)
	salt := make([]byte, 0, 64)
	salt = append(salt, ephemeral[:]...)
	salt = append(salt, recipient[:]...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("bupstash sealed box v1")), key); err != nil {
		return nil, fmt.Errorf("derive box key: %w", err)
	}
	return key, nil
}

func sealBox(recipient [32]byte, psk [32]byte, plaintext []byte) ([]byte, error) {
	var ephSecret [32]byte
	if _, err := io.ReadFull(rand.Reader, ephSecret[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephSecret[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	var ephemeral [32]byte
	copy(ephemeral[:], ephPub)
	key, err := boxKey(shared, psk, ephemeral, recipient)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	payload := compress(plaintext)
	out := make([]byte, ephemeralSize+nonceSize, ephemeralSize+nonceSize+len(payload)+chacha20poly1305.Overhead)
	copy(out, ephemeral[:])
	nonce := out[ephemeralSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, nonce, payload, ephemeral[:]), nil
}

func openBox(kp boxKeyPair, psk [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < BoxOverhead+1 {
		return nil, fmt.Errorf("sealed box of %d bytes is truncated: %w", len(ciphertext), fault.ErrCorrupt)
	}
	var ephemeral [32]byte
	copy(ephemeral[:], ciphertext[:ephemeralSize])
	nonce := ciphertext[ephemeralSize : ephemeralSize+nonceSize]

	shared, err := curve25519.X25519(kp.secret[:], ephemeral[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", fault.ErrAuthentication)
	}
	key, err := boxKey(shared, psk, ephemeral, kp.public)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	payload, err := aead.Open(nil, nonce, ciphertext[ephemeralSize+nonceSize:], ephemeral[:])
	if err != nil {
		return nil, fmt.Errorf("open sealed box: %w", fault.ErrAuthentication)
	}
	return decompress(payload)
}

// compress appends the compression footer. Payloads that do not shrink are
// stored as is.
func compress(data []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	compressed := enc.EncodeAll(data, make([]byte, 0, len(data)+5))
	if len(compressed)+5 < len(data)+1 {
		compressed = binary.LittleEndian.AppendUint32(compressed, uint32(len(data)))
		return append(compressed, footerZstd)
	}

	out := make([]byte, len(data)+1)
	copy(out, data)
	out[len(data)] = footerNone
	return out
}

func decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("missing compression footer: %w", fault.ErrCorrupt)
	}
	tag := payload[len(payload)-1]
	body := payload[:len(payload)-1]

	switch tag {
	case footerNone:
		return body, nil
	case footerZstd:
		if len(body) < 4 {
			return nil, fmt.Errorf("truncated compression footer: %w", fault.ErrCorrupt)
		}
		size := binary.LittleEndian.Uint32(body[len(body)-4:])
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)

		out, err := dec.DecodeAll(body[:len(body)-4], make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("decompress: %v: %w", err, fault.ErrCorrupt)
		}
		if uint32(len(out)) != size {
			return nil, fmt.Errorf("decompressed %d bytes, expected %d: %w", len(out), size, fault.ErrCorrupt)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d: %w", tag, fault.ErrCorrupt)
	}
}
