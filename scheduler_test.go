package evcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/evcache"
	"github.com/hupe1980/evcache/distance"
)

func TestScheduler_BackgroundCleanup(t *testing.T) {
	ctx := context.Background()
	collector := &evcache.BasicMetricsCollector{}

	// Real clock: the scheduler runs on wall time.
	m, err := evcache.New(2,
		evcache.WithMetric(distance.MetricL2),
		evcache.WithCleanupInterval(20*time.Millisecond),
		evcache.WithMetricsCollector(collector),
	)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AddWithTTL(ctx, "fleeting", nil, []float32{1, 0}, 30*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.CleanupRemoved.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "scheduler should purge the expired entry")

	assert.Zero(t, m.Len())
}

func TestScheduler_TriggerNow(t *testing.T) {
	ctx := context.Background()
	collector := &evcache.BasicMetricsCollector{}

	m, err := evcache.New(2,
		evcache.WithMetric(distance.MetricL2),
		evcache.WithCleanupInterval(time.Hour), // ticker effectively idle
		evcache.WithMetricsCollector(collector),
	)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.AddWithTTL(ctx, "fleeting", nil, []float32{1, 0}, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	m.TriggerCleanup()

	require.Eventually(t, func() bool {
		return collector.CleanupRemoved.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopsOnClose(t *testing.T) {
	collector := &evcache.BasicMetricsCollector{}

	m, err := evcache.New(2,
		evcache.WithCleanupInterval(10*time.Millisecond),
		evcache.WithMetricsCollector(collector),
	)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	passes := collector.CleanupCount.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, passes, collector.CleanupCount.Load(), "no passes after close")
}

func TestScheduler_FailedPassKeepsState(t *testing.T) {
	ctx := context.Background()
	collector := &evcache.BasicMetricsCollector{}

	m, clock := newTestManager(t, 2, evcache.WithMetricsCollector(collector))

	id, err := m.Add(ctx, "stays", nil, []float32{1, 0})
	require.NoError(t, err)
	_, err = m.AddWithTTL(ctx, "fleeting", nil, []float32{0, 1}, time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	// A canceled pass must leave the previous index and mapping intact.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Purge(canceled)
	require.Error(t, err)
	assert.Equal(t, 1, m.Len())

	results, err := m.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1, "expired entry stays filtered, live entry stays visible")
	assert.Equal(t, id, results[0].ID)

	t.Run("next pass succeeds", func(t *testing.T) {
		removed, err := m.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})
}
