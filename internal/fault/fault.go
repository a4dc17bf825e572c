// Package fault defines the error classes shared by every layer of the
// backup engine and the wire mapping used by the remote protocol.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// Error classes. Each wraps the matching errdefs sentinel so callers can
// use either errors.Is(err, fault.ErrX) or errdefs.IsX(err).
var (
	ErrIO             = fmt.Errorf("i/o error: %w", errdefs.ErrUnavailable)
	ErrAuthentication = fmt.Errorf("authentication failed: %w", errdefs.ErrUnauthenticated)
	ErrCorrupt        = fmt.Errorf("corrupt data: %w", errdefs.ErrDataLoss)
	ErrNotFound       = fmt.Errorf("not found: %w", errdefs.ErrNotFound)
	ErrConflict       = fmt.Errorf("concurrency conflict: %w", errdefs.ErrConflict)
	ErrInvalid        = fmt.Errorf("invalid request: %w", errdefs.ErrInvalidArgument)

	// ErrCancelled is returned for requests outstanding when a connection is lost.
	ErrCancelled = fmt.Errorf("request cancelled: %w", ErrIO)
)

// Class is the wire name of an error class.
type Class string

// Wire classes.
const (
	ClassNone     Class = ""
	ClassIO       Class = "io"
	ClassAuth     Class = "auth"
	ClassCorrupt  Class = "corrupt"
	ClassNotFound Class = "notfound"
	ClassConflict Class = "conflict"
	ClassInvalid  Class = "invalid"
)

// ClassOf classifies err. Unclassified errors are reported as io.
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errdefs.IsUnauthorized(err):
		return ClassAuth
	case errdefs.IsDataLoss(err):
		return ClassCorrupt
	case errdefs.IsNotFound(err):
		return ClassNotFound
	case errdefs.IsConflict(err):
		return ClassConflict
	case errdefs.IsInvalidArgument(err):
		return ClassInvalid
	default:
		return ClassIO
	}
}

// FromClass rebuilds an error received over the wire.
func FromClass(c Class, msg string) error {
	var base error
	switch c {
	case ClassAuth:
		base = ErrAuthentication
	case ClassCorrupt:
		base = ErrCorrupt
	case ClassNotFound:
		base = ErrNotFound
	case ClassConflict:
		base = ErrConflict
	case ClassInvalid:
		base = ErrInvalid
	default:
		base = ErrIO
	}
	return fmt.Errorf("remote: %s: %w", msg, base)
}

// IsTransient reports whether err is an i/o failure worth retrying.
// Cancellation and context errors are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return ClassOf(err) == ClassIO
}

// Retry calls fn up to attempts times while it fails with a transient
// error, sleeping with exponential backoff between attempts.
func Retry(ctx context.Context, what string, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		log.Warn().Err(err).Str("op", what).Int("attempt", i+1).Msg("transient failure, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff << i):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", what, attempts, err)
}
