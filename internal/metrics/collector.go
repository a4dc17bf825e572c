package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RepositoryStats is one sample of a repository's size.
type RepositoryStats struct {
	Items        int
	RemovedItems int
	Chunks       int64
	ChunkBytes   int64
	// VolumeAvailable is negative when the volume is unknown, e.g. for a
	// bucket-backed store.
	VolumeAvailable int64
}

// StatsSource samples a repository.
type StatsSource interface {
	RepositoryStats(ctx context.Context) (RepositoryStats, error)
}

// StatsSourceFunc adapts a function to StatsSource.
type StatsSourceFunc func(ctx context.Context) (RepositoryStats, error)

func (f StatsSourceFunc) RepositoryStats(ctx context.Context) (RepositoryStats, error) {
	return f(ctx)
}

// Collector periodically samples repository size into gauges. Sampling
// walks the chunk store, so the interval should be minutes, not seconds.
type Collector struct {
	metrics *Metrics
	source  StatsSource
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, source StatsSource) *Collector {
	return &Collector{metrics: m, source: source}
}

// Collect takes one sample.
func (c *Collector) Collect(ctx context.Context) {
	if c.source == nil {
		return
	}
	stats, err := c.source.RepositoryStats(ctx)
	if err != nil {
		c.metrics.CollectErrors.Inc()
		log.Warn().Err(err).Msg("sample repository stats")
		return
	}
	c.metrics.RepositoryItems.Set(float64(stats.Items))
	c.metrics.RepositoryRemovedItems.Set(float64(stats.RemovedItems))
	c.metrics.RepositoryChunks.Set(float64(stats.Chunks))
	c.metrics.RepositoryChunkBytes.Set(float64(stats.ChunkBytes))
	if stats.VolumeAvailable >= 0 {
		c.metrics.VolumeAvailableBytes.Set(float64(stats.VolumeAvailable))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
