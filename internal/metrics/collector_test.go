package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type mockSource struct {
	calls atomic.Int32
	stats RepositoryStats
	err   error
}

func (m *mockSource) RepositoryStats(context.Context) (RepositoryStats, error) {
	m.calls.Add(1)
	return m.stats, m.err
}

func TestCollector_Collect(t *testing.T) {
	m := Get()
	src := &mockSource{stats: RepositoryStats{Items: 3, RemovedItems: 1, Chunks: 40, ChunkBytes: 4096, VolumeAvailable: 1 << 30}}
	NewCollector(m, src).Collect(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RepositoryItems))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepositoryRemovedItems))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.RepositoryChunks))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.RepositoryChunkBytes))
	assert.Equal(t, float64(1<<30), testutil.ToFloat64(m.VolumeAvailableBytes))

	// Unknown volume leaves the gauge alone.
	src.stats = RepositoryStats{Items: 5, VolumeAvailable: -1}
	NewCollector(m, src).Collect(context.Background())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RepositoryItems))
	assert.Equal(t, float64(1<<30), testutil.ToFloat64(m.VolumeAvailableBytes))
}

func TestCollector_Error(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.CollectErrors)
	src := StatsSourceFunc(func(context.Context) (RepositoryStats, error) {
		return RepositoryStats{}, errors.New("store offline")
	})
	NewCollector(m, src).Collect(context.Background())
	assert.Equal(t, before+1, testutil.ToFloat64(m.CollectErrors))
}

func TestCollector_NilSource(t *testing.T) {
	NewCollector(Get(), nil).Collect(context.Background())
}

func TestCollector_Run(t *testing.T) {
	src := &mockSource{stats: RepositoryStats{Items: 1}}
	c := NewCollector(Get(), src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
