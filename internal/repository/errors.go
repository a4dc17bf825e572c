package repository

import (
	"fmt"

	"github.com/sogaiu/bupstash/internal/fault"
)

// Repository error types.
var (
	ErrExists          = fmt.Errorf("repository already exists: %w", fault.ErrConflict)
	ErrNoRepository    = fmt.Errorf("no repository: %w", fault.ErrNotFound)
	ErrStaleGeneration = fmt.Errorf("repository generation changed: %w", fault.ErrConflict)
	ErrGCRunning       = fmt.Errorf("garbage collection already running: %w", fault.ErrConflict)
	ErrNoGC            = fmt.Errorf("no garbage collection in progress: %w", fault.ErrInvalid)
	ErrItemNotFound    = fmt.Errorf("item: %w", fault.ErrNotFound)
	ErrDuplicateItem   = fmt.Errorf("item already exists: %w", fault.ErrConflict)
)
