// Package keys implements the three key roles of a repository and the
// sealed-box encryption used for chunks and item metadata.
//
// A master key can do everything. A put key can seal data and metadata but
// cannot open anything, not even what it sealed itself. A metadata key can
// open item metadata but never data. Put and metadata keys are derived from
// the master key and carry the master key's id as their primary key id.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/sogaiu/bupstash/internal/fault"
)

// Role is the capability set of a key.
type Role uint8

// Key roles.
const (
	RoleMaster   Role = 1
	RolePut      Role = 2
	RoleMetadata Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RolePut:
		return "put"
	case RoleMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Class is the kind of payload being sealed.
type Class uint8

// Payload classes.
const (
	ClassData Class = iota
	ClassMetadata
)

func (c Class) String() string {
	if c == ClassMetadata {
		return "metadata"
	}
	return "data"
}

// Derivation labels. Each piece of key material comes from its own label
// so no derived key reveals another.
const (
	labelDataBox     = "bupstash data box v1"
	labelMetadataBox = "bupstash metadata box v1"
	labelHashKey     = "bupstash hash key v1"
	labelPSK         = "bupstash psk v1"
)

// Key is any repository key.
type Key interface {
	Role() Role
	// PrimaryKeyID is the id of the master key this key belongs to.
	PrimaryKeyID() uuid.UUID
}

// DataSealer can encrypt chunk contents.
type DataSealer interface {
	Key
	SealData(plaintext []byte) ([]byte, error)
	// HashKey keys the content addresses of data chunks.
	HashKey() []byte
}

// MetadataSealer can encrypt item metadata.
type MetadataSealer interface {
	Key
	SealMetadata(plaintext []byte) ([]byte, error)
}

// DataOpener can decrypt chunk contents.
type DataOpener interface {
	Key
	OpenData(ciphertext []byte) ([]byte, error)
	HashKey() []byte
}

// MetadataOpener can decrypt item metadata.
type MetadataOpener interface {
	Key
	OpenMetadata(ciphertext []byte) ([]byte, error)
}

type boxKeyPair struct {
	secret [32]byte
	public [32]byte
}

func newBoxKeyPair(secret [32]byte) (boxKeyPair, error) {
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return boxKeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	kp := boxKeyPair{secret: secret}
	copy(kp.public[:], pub)
	return kp, nil
}

// MasterKey holds the seed every other key is derived from.
type MasterKey struct {
	id       uuid.UUID
	seed     [32]byte
	data     boxKeyPair
	metadata boxKeyPair
	hashKey  [32]byte
	psk      [32]byte
}

// NewMasterKey generates a fresh master key.
func NewMasterKey() (*MasterKey, error) {
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return masterFromSeed(uuid.New(), seed)
}

func masterFromSeed(id uuid.UUID, seed [32]byte) (*MasterKey, error) {
	m := &MasterKey{id: id, seed: seed}

	var dataSecret, metaSecret [32]byte
	for _, d := range []struct {
		label string
		out   *[32]byte
	}{
		{labelDataBox, &dataSecret},
		{labelMetadataBox, &metaSecret},
		{labelHashKey, &m.hashKey},
		{labelPSK, &m.psk},
	} {
		if err := derive(seed[:], d.label, d.out[:]); err != nil {
			return nil, err
		}
	}

	var err error
	if m.data, err = newBoxKeyPair(dataSecret); err != nil {
		return nil, err
	}
	if m.metadata, err = newBoxKeyPair(metaSecret); err != nil {
		return nil, err
	}
	return m, nil
}

func derive(seed []byte, label string, out []byte) error {
	r := hkdf.New(sha256.New, seed, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("derive %s: %w", label, err)
	}
	return nil
}

func (m *MasterKey) Role() Role              { return RoleMaster }
func (m *MasterKey) PrimaryKeyID() uuid.UUID { return m.id }
func (m *MasterKey) HashKey() []byte         { return m.hashKey[:] }

func (m *MasterKey) SealData(plaintext []byte) ([]byte, error) {
	return sealBox(m.data.public, m.psk, plaintext)
}

func (m *MasterKey) SealMetadata(plaintext []byte) ([]byte, error) {
	return sealBox(m.metadata.public, m.psk, plaintext)
}

func (m *MasterKey) OpenData(ciphertext []byte) ([]byte, error) {
	return openBox(m.data, m.psk, ciphertext)
}

func (m *MasterKey) OpenMetadata(ciphertext []byte) ([]byte, error) {
	return openBox(m.metadata, m.psk, ciphertext)
}

// PutKey derives the put key for m. The result is identical on every call.
func (m *MasterKey) PutKey() *PutKey {
	return &PutKey{
		id:             m.id,
		dataPublic:     m.data.public,
		metadataPublic: m.metadata.public,
		hashKey:        m.hashKey,
		psk:            m.psk,
	}
}

// MetadataKey derives the metadata key for m.
func (m *MasterKey) MetadataKey() *MetadataKey {
	return &MetadataKey{
		id:       m.id,
		metadata: m.metadata,
		psk:      m.psk,
	}
}

// Derive returns the key for role derived from m.
func Derive(m *MasterKey, role Role) (Key, error) {
	switch role {
	case RoleMaster:
		return m, nil
	case RolePut:
		return m.PutKey(), nil
	case RoleMetadata:
		return m.MetadataKey(), nil
	default:
		return nil, fmt.Errorf("derive %s: %w", role, fault.ErrInvalid)
	}
}

// PutKey seals data and metadata. It holds only public box keys.
type PutKey struct {
	id             uuid.UUID
	dataPublic     [32]byte
	metadataPublic [32]byte
	hashKey        [32]byte
	psk            [32]byte
}

func (p *PutKey) Role() Role              { return RolePut }
func (p *PutKey) PrimaryKeyID() uuid.UUID { return p.id }
func (p *PutKey) HashKey() []byte         { return p.hashKey[:] }

func (p *PutKey) SealData(plaintext []byte) ([]byte, error) {
	return sealBox(p.dataPublic, p.psk, plaintext)
}

func (p *PutKey) SealMetadata(plaintext []byte) ([]byte, error) {
	return sealBox(p.metadataPublic, p.psk, plaintext)
}

// MetadataKey opens item metadata only.
type MetadataKey struct {
	id       uuid.UUID
	metadata boxKeyPair
	psk      [32]byte
}

func (k *MetadataKey) Role() Role              { return RoleMetadata }
func (k *MetadataKey) PrimaryKeyID() uuid.UUID { return k.id }

func (k *MetadataKey) OpenMetadata(ciphertext []byte) ([]byte, error) {
	return openBox(k.metadata, k.psk, ciphertext)
}

func missingCapability(k Key, what string) error {
	return fmt.Errorf("%s key cannot %s: %w", k.Role(), what, fault.ErrAuthentication)
}

// AsDataSealer returns k as a DataSealer or an authentication error.
func AsDataSealer(k Key) (DataSealer, error) {
	if s, ok := k.(DataSealer); ok {
		return s, nil
	}
	return nil, missingCapability(k, "seal data")
}

// AsMetadataSealer returns k as a MetadataSealer or an authentication error.
func AsMetadataSealer(k Key) (MetadataSealer, error) {
	if s, ok := k.(MetadataSealer); ok {
		return s, nil
	}
	return nil, missingCapability(k, "seal metadata")
}

// AsDataOpener returns k as a DataOpener or an authentication error.
func AsDataOpener(k Key) (DataOpener, error) {
	if o, ok := k.(DataOpener); ok {
		return o, nil
	}
	return nil, missingCapability(k, "open data")
}

// AsMetadataOpener returns k as a MetadataOpener or an authentication error.
func AsMetadataOpener(k Key) (MetadataOpener, error) {
	if o, ok := k.(MetadataOpener); ok {
		return o, nil
	}
	return nil, missingCapability(k, "open metadata")
}

// Seal encrypts plaintext of the given class with k.
func Seal(k Key, c Class, plaintext []byte) ([]byte, error) {
	if c == ClassMetadata {
		s, err := AsMetadataSealer(k)
		if err != nil {
			return nil, err
		}
		return s.SealMetadata(plaintext)
	}
	s, err := AsDataSealer(k)
	if err != nil {
		return nil, err
	}
	return s.SealData(plaintext)
}

// Open decrypts ciphertext of the given class with k.
func Open(k Key, c Class, ciphertext []byte) ([]byte, error) {
	if c == ClassMetadata {
		o, err := AsMetadataOpener(k)
		if err != nil {
			return nil, err
		}
		return o.OpenMetadata(ciphertext)
	}
	o, err := AsDataOpener(k)
	if err != nil {
		return nil, err
	}
	return o.OpenData(ciphertext)
}
