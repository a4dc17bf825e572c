package client

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/item"
	"github.com/sogaiu/bupstash/internal/keys"
)

// tarTrailer ends a tar archive.
var tarTrailer = make([]byte, 1024)

// IndexEntry locates one path inside a directory put. Offset and Length
// cover the tar header, the contents and the padding.
type IndexEntry struct {
	Path       string      `msgpack:"path"`
	Type       byte        `msgpack:"type"` // tar typeflag
	Mode       fs.FileMode `msgpack:"mode"`
	Size       int64       `msgpack:"size"`
	ModTime    time.Time   `msgpack:"mtime"`
	LinkTarget string      `msgpack:"link,omitempty"`
	Offset     uint64      `msgpack:"offset"`
	Length     uint64      `msgpack:"length"`
}

// IsDir reports whether the entry is a directory.
func (e IndexEntry) IsDir() bool {
	return e.Type == tar.TypeDir
}

// PutDir archives the directory tree at dir as a tar stream and stores it
// together with an index of its entries, so single files can be fetched
// later without reading the whole archive.
func (c *Client) PutDir(ctx context.Context, dir string, tags map[string]string, k keys.Key) (PutResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return PutResult{}, fmt.Errorf("put dir: %w", err)
	}
	if !info.IsDir() {
		return PutResult{}, fmt.Errorf("put dir: %s is not a directory: %w", dir, fault.ErrInvalid)
	}

	return c.put(ctx, k, tags, func(ctx context.Context, u *upload) (htree.Root, *htree.Root, error) {
		a := newArchiver(dir)
		data, err := u.stream(ctx, a)
		if cerr := a.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return htree.Root{}, nil, err
		}

		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		for i := range a.index {
			if err := enc.Encode(&a.index[i]); err != nil {
				return htree.Root{}, nil, fmt.Errorf("encode index: %w", err)
			}
		}
		index, err := u.stream(ctx, &buf)
		if err != nil {
			return htree.Root{}, nil, err
		}
		log.Debug().Int("entries", len(a.index)).Msg("directory index stored")
		return data, &index, nil
	})
}

// archiver streams a directory as tar through a pipe and records the
// index while doing so.
type archiver struct {
	pr    *io.PipeReader
	done  chan struct{}
	index []IndexEntry
}

func newArchiver(dir string) *archiver {
	pr, pw := io.Pipe()
	a := &archiver{pr: pr, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		pw.CloseWithError(a.write(dir, pw))
	}()
	return a
}

func (a *archiver) Read(p []byte) (int, error) {
	return a.pr.Read(p)
}

// Close stops the writer if it is still running and waits for it.
func (a *archiver) Close() error {
	_ = a.pr.CloseWithError(errors.New("archive reader closed"))
	<-a.done
	return nil
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

func (a *archiver) write(dir string, w io.Writer) error {
	cw := &countingWriter{w: w}
	tw := tar.NewWriter(cw)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		switch {
		case info.Mode().IsRegular(), info.IsDir():
		case info.Mode()&fs.ModeSymlink != 0:
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		default:
			log.Warn().Str("path", p).Str("mode", info.Mode().String()).Msg("skipping special file")
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Format = tar.FormatPAX

		offset := cw.n
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			if err := copyFile(tw, p, info.Size()); err != nil {
				return err
			}
		}
		// Flush writes the padding so Length covers the whole entry.
		if err := tw.Flush(); err != nil {
			return err
		}
		a.index = append(a.index, IndexEntry{
			Path:       rel,
			Type:       hdr.Typeflag,
			Mode:       info.Mode(),
			Size:       hdr.Size,
			ModTime:    info.ModTime().UTC(),
			LinkTarget: link,
			Offset:     offset,
			Length:     cw.n - offset,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", dir, err)
	}
	return tw.Close()
}

func copyFile(w io.Writer, p string, size int64) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	n, err := io.Copy(w, io.LimitReader(f, size))
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("%s changed size while archiving", p)
	}
	return nil
}

// ListContents returns the index of a directory put.
func (c *Client) ListContents(ctx context.Context, id uuid.UUID, k keys.Key) ([]IndexEntry, error) {
	it, opener, err := c.openItem(ctx, id, k)
	if err != nil {
		return nil, err
	}
	return c.loadIndex(ctx, it, opener)
}

func (c *Client) loadIndex(ctx context.Context, it item.Item, opener keys.DataOpener) ([]IndexEntry, error) {
	if it.IndexTree == nil {
		return nil, fmt.Errorf("item %s has no content index: %w", it.ID, fault.ErrInvalid)
	}
	var buf bytes.Buffer
	if err := c.readRange(ctx, *it.IndexTree, opener, 0, it.IndexTree.Size, &buf); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []IndexEntry
	dec := msgpack.NewDecoder(&buf)
	for {
		var e IndexEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode index: %v: %w", err, fault.ErrCorrupt)
		}
		entries = append(entries, e)
	}
}

// selectPath returns the entries at subpath and below it.
func selectPath(entries []IndexEntry, subpath string) []IndexEntry {
	subpath = strings.Trim(path.Clean("/"+filepath.ToSlash(subpath)), "/")
	if subpath == "" {
		return entries
	}
	var out []IndexEntry
	for _, e := range entries {
		if e.Path == subpath || strings.HasPrefix(e.Path, subpath+"/") {
			out = append(out, e)
		}
	}
	return out
}

// getSubpath writes a tar archive holding subpath and its descendants,
// copied from the original stream range by range.
func (c *Client) getSubpath(ctx context.Context, it item.Item, opener keys.DataOpener, subpath string, w io.Writer) error {
	entries, err := c.loadIndex(ctx, it, opener)
	if err != nil {
		return err
	}
	selected := selectPath(entries, subpath)
	if len(selected) == 0 {
		return fmt.Errorf("%s not in item %s: %w", subpath, it.ID, fault.ErrNotFound)
	}

	// Entries are in stream order; merge neighbours into single reads.
	start, end := selected[0].Offset, selected[0].Offset+selected[0].Length
	for _, e := range selected[1:] {
		if e.Offset == end {
			end += e.Length
			continue
		}
		if err := c.readRange(ctx, it.DataTree, opener, start, end-start, w); err != nil {
			return err
		}
		start, end = e.Offset, e.Offset+e.Length
	}
	if err := c.readRange(ctx, it.DataTree, opener, start, end-start, w); err != nil {
		return err
	}
	if _, err := w.Write(tarTrailer); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
