package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/metrics"
)

// GCSOptions configures a Google Cloud Storage chunk store.
type GCSOptions struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "repo1/chunks/".
	Prefix string
	Parity *Parity
}

// GCSStore keeps one object per chunk in a GCS bucket.
type GCSStore struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
	parity *Parity
}

// NewGCSStore connects with application default credentials.
func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required: %w", fault.ErrInvalid)
	}
	if opts.Parity != nil {
		if err := opts.Parity.Validate(); err != nil {
			return nil, err
		}
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	bucket := client.Bucket(opts.Bucket)
	if _, err := bucket.Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open bucket %s: %w", opts.Bucket, err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: opts.Prefix, parity: opts.Parity}, nil
}

func (s *GCSStore) object(addr address.Address) *gcs.ObjectHandle {
	return s.bucket.Object(s.prefix + addr.String())
}

func gcsErr(op string, addr address.Address, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("chunk %s: %w", addr, fault.ErrNotFound)
	}
	return fmt.Errorf("%s chunk %s: %v: %w", op, addr, err, fault.ErrIO)
}

// Put writes the chunk with a does-not-exist precondition so existing
// chunks are never rewritten.
func (s *GCSStore) Put(ctx context.Context, addr address.Address, data []byte) error {
	encoded, err := encodeEnvelope(data, s.parity)
	if err != nil {
		return err
	}
	m := metrics.Get()

	w := s.object(addr).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(encoded); err != nil {
		_ = w.Close()
		return gcsErr("write", addr, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			m.ChunksDeduplicated.Inc()
			return nil
		}
		return gcsErr("write", addr, err)
	}
	m.ChunksWritten.Inc()
	m.BytesWritten.Add(float64(len(data)))
	return nil
}

func (s *GCSStore) Get(ctx context.Context, addr address.Address) ([]byte, error) {
	r, err := s.object(addr).NewReader(ctx)
	if err != nil {
		return nil, gcsErr("read", addr, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, gcsErr("read", addr, err)
	}
	payload, repaired, err := decodeEnvelope(addr, data)
	if err != nil {
		return nil, err
	}
	m := metrics.Get()
	m.ChunksRead.Inc()
	if repaired {
		m.ChunksRepaired.Inc()
	}
	return payload, nil
}

func (s *GCSStore) Has(ctx context.Context, addr address.Address) (bool, error) {
	_, err := s.object(addr).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, gcsErr("stat", addr, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, addr address.Address) error {
	err := s.object(addr).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return gcsErr("delete", addr, err)
	}
	return nil
}

func (s *GCSStore) Walk(ctx context.Context, fn func(addr address.Address, size int64) error) error {
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list chunks: %v: %w", err, fault.ErrIO)
		}
		addr, err := address.Parse(strings.TrimPrefix(attrs.Name, s.prefix))
		if err != nil {
			continue
		}
		if err := fn(addr, attrs.Size); err != nil {
			return err
		}
	}
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
