package keys

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/sogaiu/bupstash/internal/fault"
)

const (
	keyFileVersion = 1
	pemType        = "BUPSTASH KEY"
)

// material is the serialized form of any key role. Fields a role does not
// hold are left empty.
type material struct {
	ID             string `msgpack:"id"`
	Seed           []byte `msgpack:"seed,omitempty"`
	DataPublic     []byte `msgpack:"data_pk,omitempty"`
	MetadataPublic []byte `msgpack:"metadata_pk,omitempty"`
	MetadataSecret []byte `msgpack:"metadata_sk,omitempty"`
	HashKey        []byte `msgpack:"hash_key,omitempty"`
	PSK            []byte `msgpack:"psk,omitempty"`
}

// Marshal encodes k as a key file: a PEM block whose body is
// version | role | material | checksum.
func Marshal(k Key) ([]byte, error) {
	m := material{ID: k.PrimaryKeyID().String()}
	switch key := k.(type) {
	case *MasterKey:
		m.Seed = key.seed[:]
	case *PutKey:
		m.DataPublic = key.dataPublic[:]
		m.MetadataPublic = key.metadataPublic[:]
		m.HashKey = key.hashKey[:]
		m.PSK = key.psk[:]
	case *MetadataKey:
		m.MetadataPublic = key.metadata.public[:]
		m.MetadataSecret = key.metadata.secret[:]
		m.PSK = key.psk[:]
	default:
		return nil, fmt.Errorf("marshal key of type %T: %w", k, fault.ErrInvalid)
	}

	encoded, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode key material: %w", err)
	}
	body := make([]byte, 0, 2+len(encoded)+blake2b.Size256)
	body = append(body, keyFileVersion, byte(k.Role()))
	body = append(body, encoded...)
	sum := blake2b.Sum256(body)
	body = append(body, sum[:]...)

	return pem.EncodeToMemory(&pem.Block{
		Type:    pemType,
		Headers: map[string]string{"Role": k.Role().String(), "Id": m.ID},
		Bytes:   body,
	}), nil
}

// Unmarshal parses a key file.
func Unmarshal(data []byte) (Key, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemType {
		return nil, fmt.Errorf("not a key file: %w", fault.ErrInvalid)
	}
	body := block.Bytes
	if len(body) < 2+blake2b.Size256 {
		return nil, fmt.Errorf("key file truncated: %w", fault.ErrCorrupt)
	}
	content, sum := body[:len(body)-blake2b.Size256], body[len(body)-blake2b.Size256:]
	expected := blake2b.Sum256(content)
	if !bytes.Equal(sum, expected[:]) {
		return nil, fmt.Errorf("key file checksum mismatch: %w", fault.ErrCorrupt)
	}
	if content[0] != keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version %d: %w", content[0], fault.ErrInvalid)
	}

	var m material
	if err := msgpack.Unmarshal(content[2:], &m); err != nil {
		return nil, fmt.Errorf("decode key material: %v: %w", err, fault.ErrCorrupt)
	}
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("key id: %v: %w", err, fault.ErrCorrupt)
	}

	switch Role(content[1]) {
	case RoleMaster:
		var seed [32]byte
		if err := fixed(seed[:], m.Seed); err != nil {
			return nil, err
		}
		return masterFromSeed(id, seed)
	case RolePut:
		k := &PutKey{id: id}
		for _, f := range []struct{ dst, src []byte }{
			{k.dataPublic[:], m.DataPublic},
			{k.metadataPublic[:], m.MetadataPublic},
			{k.hashKey[:], m.HashKey},
			{k.psk[:], m.PSK},
		} {
			if err := fixed(f.dst, f.src); err != nil {
				return nil, err
			}
		}
		return k, nil
	case RoleMetadata:
		k := &MetadataKey{id: id}
		for _, f := range []struct{ dst, src []byte }{
			{k.metadata.public[:], m.MetadataPublic},
			{k.metadata.secret[:], m.MetadataSecret},
			{k.psk[:], m.PSK},
		} {
			if err := fixed(f.dst, f.src); err != nil {
				return nil, err
			}
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unknown key role %d: %w", content[1], fault.ErrInvalid)
	}
}

func fixed(dst, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("key field has %d bytes, expected %d: %w", len(src), len(dst), fault.ErrCorrupt)
	}
	copy(dst, src)
	return nil
}

// Save writes k to path atomically with owner-only permissions.
func Save(path string, k Key) error {
	data, err := Marshal(k)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Load reads a key file from path.
func Load(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	k, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return k, nil
}
