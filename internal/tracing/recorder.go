// Package tracing keeps a rolling runtime trace of the server so slow
// sends and collections can be inspected after the fact.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is used when a recorder is started with no size.
const DefaultBufferSize = 10 * 1024 * 1024

// minAge is how much history a snapshot covers at least. A gc over a large
// repository can take minutes.
const minAge = time.Minute

// ErrNotEnabled is returned by a recorder that was never started.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a flight recorder. The zero value and nil are disabled
// recorders.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording into a ring buffer of bufferSize bytes.
func Start(bufferSize int64) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{MinAge: minAge, MaxBytes: uint64(bufferSize)})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// Enabled reports whether r is recording.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w in the format of `go tool trace`.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
