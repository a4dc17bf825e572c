// Package loki ships zerolog output to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// PushPath is appended to Config.URL.
const PushPath = "/loki/api/v1/push"

// Config configures a Writer.
type Config struct {
	URL           string
	Labels        map[string]string
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 5s
	Timeout       time.Duration // default 10s
	// MaxBuffered bounds the entries held while Loki is unreachable.
	// Older entries are dropped first. Default 10 * BatchSize.
	MaxBuffered int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxBuffered < c.BatchSize {
		c.MaxBuffered = 10 * c.BatchSize
	}
	labels := map[string]string{"job": "bupstash"}
	maps.Copy(labels, c.Labels)
	c.Labels = labels
	return c
}

// Writer is an io.Writer for zerolog JSON lines. Lines are grouped into
// one Loki stream per log level.
type Writer struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	buf     []entry
	trigger chan struct{}

	flushMu sync.Mutex
	errors  atomic.Uint64
	dropped atomic.Uint64
}

type entry struct {
	ts    time.Time
	level string
	line  string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a writer. Nothing is sent until Run or Flush.
func NewWriter(cfg Config) *Writer {
	cfg = cfg.withDefaults()
	return &Writer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		buf:     make([]entry, 0, cfg.BatchSize),
		trigger: make(chan struct{}, 1),
	}
}

// Write buffers one log line. It never fails so that logging keeps
// working while Loki is down.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}
	var lvl struct {
		Level string `json:"level"`
	}
	_ = json.Unmarshal(p, &lvl)
	if lvl.Level == "" {
		lvl.Level = "unknown"
	}

	w.mu.Lock()
	if len(w.buf) >= w.cfg.MaxBuffered {
		n := len(w.buf) - w.cfg.MaxBuffered + 1
		w.buf = append(w.buf[:0], w.buf[n:]...)
		w.dropped.Add(uint64(n))
	}
	w.buf = append(w.buf, entry{ts: time.Now(), level: lvl.Level, line: line})
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Run flushes on every interval or full batch until ctx is done, then
// makes a final flush.
func (w *Writer) Run(ctx context.Context) {
	t := time.NewTicker(w.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
			_ = w.Flush(final)
			cancel()
			return
		case <-t.C:
		case <-w.trigger:
		}
		_ = w.Flush(ctx)
	}
}

// Flush pushes everything buffered. On failure the entries are put back
// at the front of the buffer, subject to MaxBuffered.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	entries := w.buf
	w.buf = make([]entry, 0, w.cfg.BatchSize)
	w.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}

	if err := w.push(ctx, entries); err != nil {
		w.errors.Add(1)
		w.requeue(entries)
		return err
	}
	return nil
}

func (w *Writer) requeue(entries []entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	all := append(entries, w.buf...)
	if over := len(all) - w.cfg.MaxBuffered; over > 0 {
		all = all[over:]
		w.dropped.Add(uint64(over))
	}
	w.buf = all
}

func (w *Writer) push(ctx context.Context, entries []entry) error {
	byLevel := make(map[string][][2]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line})
	}
	var req pushRequest
	for _, level := range slices.Sorted(maps.Keys(byLevel)) {
		labels := maps.Clone(w.cfg.Labels)
		labels["level"] = level
		req.Streams = append(req.Streams, stream{Stream: labels, Values: byLevel[level]})
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL+PushPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("loki push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("loki push: status %d", resp.StatusCode)
	}
	return nil
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 { return w.errors.Load() }

// Dropped returns the number of entries discarded because the buffer
// was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }
