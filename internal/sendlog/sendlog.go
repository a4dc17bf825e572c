// Package sendlog remembers which chunks a client has already stored in a
// repository so repeated backups upload only what changed.
//
// Entries are hints, never proof: a hit is confirmed with a reference-only
// put, and the repository answers Missing for chunks garbage collection has
// since deleted.
package sendlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/sogaiu/bupstash/internal/address"
)

var (
	bucketAddresses = []byte("addresses")
	bucketMeta      = []byte("meta")

	keyRepository = []byte("repository")
	keyLastItem   = []byte("last_item")
)

// ErrLocked is returned when another process holds the send log.
var ErrLocked = errors.New("send log is in use by another process")

// Log is an open send log file. It is safe for concurrent use.
type Log struct {
	db *bbolt.DB
}

// Open opens or creates the send log at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create send log dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("open send log: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAddresses, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize send log: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the file.
func (l *Log) Close() error {
	return l.db.Close()
}

// Bind ties the log to a repository. A log last used with another
// repository is cleared first, since its entries say nothing about this one.
func (l *Log) Bind(repoID uuid.UUID) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if cur := meta.Get(keyRepository); cur != nil && string(cur) == string(repoID[:]) {
			return nil
		} else if cur != nil {
			log.Info().Str("repo", repoID.String()).Msg("send log belongs to another repository, clearing")
		}
		if err := resetBuckets(tx); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRepository, repoID[:])
	})
}

func resetBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketAddresses, bucketMeta} {
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
	}
	return nil
}

// Has reports whether addr was confirmed stored.
func (l *Log) Has(addr address.Address) (bool, error) {
	var ok bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketAddresses).Get(addr[:]) != nil
		return nil
	})
	return ok, err
}

// Confirm records that the repository acknowledged addr at generation gen.
// Concurrent calls are coalesced into shared transactions.
func (l *Log) Confirm(gen uint64, addr address.Address) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], gen)
	return l.db.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAddresses).Put(addr[:], v[:])
	})
}

// Forget drops a stale entry.
func (l *Log) Forget(addr address.Address) error {
	return l.db.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAddresses).Delete(addr[:])
	})
}

// Len is the number of confirmed addresses.
func (l *Log) Len() (int, error) {
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketAddresses).Stats().KeyN
		return nil
	})
	return n, err
}

// SetLastItem records the item a send produced.
func (l *Log) SetLastItem(id uuid.UUID) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastItem, id[:])
	})
}

// LastItem returns the item recorded by SetLastItem, if any.
func (l *Log) LastItem() (uuid.UUID, bool, error) {
	var id uuid.UUID
	var ok bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyLastItem)
		if raw == nil {
			return nil
		}
		parsed, err := uuid.FromBytes(raw)
		if err != nil {
			return fmt.Errorf("last item: %w", err)
		}
		id, ok = parsed, true
		return nil
	})
	return id, ok, err
}
