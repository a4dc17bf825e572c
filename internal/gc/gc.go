// Package gc drives a mark and sweep collection against a repository,
// either in process or over a remote connection.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sogaiu/bupstash/internal/address"
	"github.com/sogaiu/bupstash/internal/htree"
	"github.com/sogaiu/bupstash/internal/repository"
)

// DefaultBatchSize is how many addresses are sent per Mark call.
const DefaultBatchSize = 4096

// Target is the repository side of a collection.
type Target interface {
	BeginGC(ctx context.Context) (repository.GCStart, error)
	Mark(ctx context.Context, gen uint64, addrs []address.Address) error
	Sweep(ctx context.Context, gen uint64) (repository.GCStats, error)
}

// aborter is implemented by targets that can drop a collection explicitly.
// Remote targets abort when the connection closes.
type aborter interface {
	AbortGC(gen uint64)
}

// Collector marks every chunk reachable from the roots a Target hands out
// and then asks it to sweep the rest. Tree nodes are fetched through src;
// data chunks never are, so no key is needed.
type Collector struct {
	target    Target
	src       htree.Source
	batchSize int
}

// New returns a Collector.
func New(target Target, src htree.Source) *Collector {
	return &Collector{target: target, src: src, batchSize: DefaultBatchSize}
}

// WithBatchSize changes the Mark batch size.
func (c *Collector) WithBatchSize(n int) *Collector {
	if n > 0 {
		c.batchSize = n
	}
	return c
}

// Run performs one full collection.
func (c *Collector) Run(ctx context.Context) (repository.GCStats, error) {
	started := time.Now()
	start, err := c.target.BeginGC(ctx)
	if err != nil {
		return repository.GCStats{}, err
	}

	if err := c.mark(ctx, start); err != nil {
		if a, ok := c.target.(aborter); ok {
			a.AbortGC(start.Generation)
		}
		return repository.GCStats{}, fmt.Errorf("mark: %w", err)
	}

	stats, err := c.target.Sweep(ctx, start.Generation)
	if err != nil {
		return stats, err
	}
	log.Info().Uint64("generation", start.Generation).
		Int("marked", stats.ChunksMarked).
		Int("deleted", stats.ChunksDeleted).
		Dur("elapsed", time.Since(started)).
		Msg("collection complete")
	return stats, nil
}

func (c *Collector) mark(ctx context.Context, start repository.GCStart) error {
	seen := address.Set{}
	batch := make([]address.Address, 0, c.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.target.Mark(ctx, start.Generation, batch); err != nil {
			return err
		}
		batch = make([]address.Address, 0, c.batchSize)
		return nil
	}

	for _, root := range start.Roots {
		err := htree.Walk(ctx, c.src, root, func(addr address.Address, _ int) (bool, error) {
			// A node already seen had its whole subtree walked.
			if !seen.Add(addr) {
				return false, nil
			}
			batch = append(batch, addr)
			if len(batch) >= c.batchSize {
				return true, flush()
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}
	log.Debug().Int("roots", len(start.Roots)).Int("addresses", len(seen)).Msg("mark complete")
	return nil
}
