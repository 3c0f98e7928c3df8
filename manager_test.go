package evcache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/evcache"
	"github.com/hupe1980/evcache/distance"
	"github.com/hupe1980/evcache/index"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, dimension int, optFns ...evcache.Option) (*evcache.Manager, *fakeClock) {
	t.Helper()

	opts := append([]evcache.Option{
		evcache.WithCleanupInterval(0), // tests drive cleanup explicitly
		evcache.WithMetric(distance.MetricL2),
	}, optFns...)

	m, err := evcache.New(dimension, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	clock := newFakeClock()
	m.SetNow(clock.Now)

	return m, clock
}

func TestNew_Validation(t *testing.T) {
	t.Run("zero dimension", func(t *testing.T) {
		_, err := evcache.New(0)
		var ide *evcache.ErrInvalidDimension
		require.ErrorAs(t, err, &ide)
		assert.Equal(t, 0, ide.Dimension)
	})

	t.Run("negative ttl", func(t *testing.T) {
		_, err := evcache.New(4, evcache.WithDefaultTTL(-time.Second))
		require.ErrorIs(t, err, evcache.ErrInvalidTTL)
	})
}

func TestManager_AddGet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 4)

	id, err := m.AddWithTTL(ctx, "hello", map[string]any{"lang": "en"}, []float32{1, 2, 3, 4}, 2*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e, ok := m.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, id, e.ID)
	assert.Equal(t, "hello", e.Content)
	assert.Equal(t, "en", e.Metadata["lang"])
	assert.Equal(t, []float32{1, 2, 3, 4}, e.Embedding)
	assert.Equal(t, 1, m.Len())

	t.Run("returned entry is a copy", func(t *testing.T) {
		e.Metadata["lang"] = "de"
		e.Embedding[0] = 99

		e2, ok := m.Get(ctx, id)
		require.True(t, ok)
		assert.Equal(t, "en", e2.Metadata["lang"])
		assert.Equal(t, float32(1), e2.Embedding[0])
	})

	t.Run("unknown id", func(t *testing.T) {
		_, ok := m.Get(ctx, "nope")
		assert.False(t, ok)
	})

	t.Run("ids are unique", func(t *testing.T) {
		id2, err := m.Add(ctx, "other", nil, nil)
		require.NoError(t, err)
		assert.NotEqual(t, id, id2)
	})
}

func TestManager_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 4)

	t.Run("add", func(t *testing.T) {
		_, err := m.Add(ctx, "bad", nil, []float32{1, 2, 3})
		var dm *evcache.ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 4, dm.Expected)
		assert.Equal(t, 3, dm.Actual)
	})

	t.Run("search", func(t *testing.T) {
		_, err := m.Search(ctx, []float32{1, 2}, 1)
		var dm *evcache.ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 2, dm.Actual)
	})
}

func TestManager_Expiry(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 4)

	id, err := m.AddWithTTL(ctx, "short lived", nil, []float32{1, 0, 0, 0}, 2*time.Second)
	require.NoError(t, err)

	_, ok := m.Get(ctx, id)
	require.True(t, ok)

	clock.Advance(2 * time.Second)

	t.Run("get reports absent", func(t *testing.T) {
		_, ok := m.Get(ctx, id)
		assert.False(t, ok)
		assert.Equal(t, 0, m.Len())
	})

	t.Run("search filters the stale slot", func(t *testing.T) {
		results, err := m.Search(ctx, []float32{1, 0, 0, 0}, 1)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("purge reclaims it", func(t *testing.T) {
		removed, err := m.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		removed, err = m.Purge(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed, "second pass has nothing left")
	})
}

func TestManager_Extend(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 4)

	id, err := m.AddWithTTL(ctx, "extend me", nil, nil, 10*time.Second)
	require.NoError(t, err)

	t.Run("extends from current expiry", func(t *testing.T) {
		require.True(t, m.Extend(ctx, id, 10*time.Second))

		clock.Advance(15 * time.Second) // past original expiry, inside extension
		_, ok := m.Get(ctx, id)
		assert.True(t, ok)
	})

	t.Run("never resurrects", func(t *testing.T) {
		clock.Advance(10 * time.Second) // now past the extended expiry
		assert.False(t, m.Extend(ctx, id, time.Hour))

		_, ok := m.Get(ctx, id)
		assert.False(t, ok)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.False(t, m.Extend(ctx, "nope", time.Second))
	})

	t.Run("non-positive duration", func(t *testing.T) {
		assert.False(t, m.Extend(ctx, id, 0))
	})
}

func TestManager_SearchOrdering(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	idX, err := m.Add(ctx, "x axis", nil, []float32{1, 0})
	require.NoError(t, err)
	idY, err := m.Add(ctx, "y axis", nil, []float32{0, 1})
	require.NoError(t, err)

	results, err := m.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, idX, results[0].ID)
	assert.Equal(t, idY, results[1].ID)
	assert.Less(t, results[0].Score, results[1].Score)
	assert.Equal(t, "x axis", results[0].Entry.Content)
}

func TestManager_SearchValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	_, err := m.Search(ctx, []float32{1, 0}, 0)
	require.ErrorIs(t, err, evcache.ErrInvalidK)

	t.Run("empty index", func(t *testing.T) {
		results, err := m.Search(ctx, []float32{1, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("k larger than live set", func(t *testing.T) {
		_, err := m.Add(ctx, "only one", nil, []float32{1, 0})
		require.NoError(t, err)

		results, err := m.Search(ctx, []float32{1, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestManager_TableOnlyEntriesStayOutOfSearch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	_, err := m.Add(ctx, "no embedding", nil, nil)
	require.NoError(t, err)
	withVec, err := m.Add(ctx, "with embedding", nil, []float32{1, 0})
	require.NoError(t, err)

	results, err := m.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, withVec, results[0].ID)
	assert.Equal(t, 2, m.Len())
}

func TestManager_SearchOverfetchAcrossExpired(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 2, evcache.WithOverfetchFactor(1))

	// Nearest entries expire first; over-fetch widening must still surface
	// the k live ones further out.
	var liveIDs []string
	for i := 0; i < 8; i++ {
		vec := []float32{1, float32(i) * 0.1}
		ttl := time.Hour
		if i < 4 {
			ttl = time.Second
		}
		id, err := m.AddWithTTL(ctx, fmt.Sprintf("entry-%d", i), nil, vec, ttl)
		require.NoError(t, err)
		if i >= 4 {
			liveIDs = append(liveIDs, id)
		}
	}

	clock.Advance(time.Second)

	results, err := m.Search(ctx, []float32{1, 0}, 4)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, liveIDs[i], r.ID)
	}
}

func TestManager_PurgeRebuild(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 2)

	short, err := m.AddWithTTL(ctx, "short", nil, []float32{0, 1}, time.Second)
	require.NoError(t, err)
	long, err := m.AddWithTTL(ctx, "long", nil, []float32{1, 0}, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	removed, err := m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	results, err := m.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, long, results[0].ID)

	_, ok := m.Get(ctx, short)
	assert.False(t, ok)

	t.Run("adds keep working after rebuild", func(t *testing.T) {
		fresh, err := m.Add(ctx, "fresh", nil, []float32{0, 1})
		require.NoError(t, err)

		results, err := m.Search(ctx, []float32{0, 1}, 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, fresh, results[0].ID)
	})
}

func TestManager_MemoryLimit(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 2, evcache.WithMemoryLimit(200))

	id, err := m.AddWithTTL(ctx, "first", nil, []float32{1, 0}, time.Second)
	require.NoError(t, err)
	assert.Positive(t, m.MemoryUsage())

	_, err = m.Add(ctx, "over budget", nil, []float32{0, 1})
	require.ErrorIs(t, err, evcache.ErrResourceExhausted)

	t.Run("reads survive pressure", func(t *testing.T) {
		_, ok := m.Get(ctx, id)
		assert.True(t, ok)
	})

	t.Run("cleanup frees budget", func(t *testing.T) {
		clock.Advance(2 * time.Second)
		_, err := m.Purge(ctx)
		require.NoError(t, err)

		_, err = m.Add(ctx, "fits again", nil, []float32{0, 1})
		require.NoError(t, err)
	})
}

func TestManager_SearchTimeout(t *testing.T) {
	m, _ := newTestManager(t, 2)

	_, err := m.Add(context.Background(), "a", nil, []float32{1, 0})
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err = m.Search(ctx, []float32{1, 0}, 1)
	require.ErrorIs(t, err, evcache.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	_, err := m.Add(ctx, "a", nil, []float32{1, 0})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	_, err = m.Add(ctx, "b", nil, []float32{0, 1})
	require.ErrorIs(t, err, evcache.ErrClosed)

	_, err = m.Search(ctx, []float32{1, 0}, 1)
	require.ErrorIs(t, err, evcache.ErrClosed)

	_, err = m.Purge(ctx)
	require.ErrorIs(t, err, evcache.ErrClosed)

	_, ok := m.Get(ctx, "anything")
	assert.False(t, ok)
}

func TestManager_ClusteredTopology(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 2,
		evcache.WithClustering(4, 2),
		evcache.WithFlatThreshold(32),
	)

	ids := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		vec := []float32{float32(i%8) + 1, float32(i/8) + 1}
		id, err := m.AddWithTTL(ctx, fmt.Sprintf("entry-%d", i), nil, vec, time.Hour)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Expire nothing; rebuild trains partitions above the threshold.
	_, err := m.AddWithTTL(ctx, "throwaway", nil, []float32{50, 50}, time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	removed, err := m.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	results, err := m.Search(ctx, []float32{1, 1}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, ids[0], results[0].ID)
}

func TestManager_AddDetachesCallerData(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, 2)

	meta := map[string]any{"k": "v"}
	vec := []float32{1, 0}
	id, err := m.Add(ctx, "stable", meta, vec)
	require.NoError(t, err)
	_, err = m.AddWithTTL(ctx, "throwaway", nil, []float32{9, 9}, time.Second)
	require.NoError(t, err)

	// Mutating the caller's map and slice must not reach the stored entry.
	meta["k"] = "mutated"
	vec[0] = 99

	e, ok := m.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "v", e.Metadata["k"])
	assert.Equal(t, []float32{1, 0}, e.Embedding)

	// The rebuild feeds from the stored embedding, not the caller's slice.
	clock.Advance(2 * time.Second)
	_, err = m.Purge(ctx)
	require.NoError(t, err)

	results, err := m.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Zero(t, results[0].Score)
}

func TestManager_GPUFallsBackToCPU(t *testing.T) {
	ctx := context.Background()

	// No accelerated builder is registered, so the request falls back to
	// the CPU index with identical behavior.
	m, _ := newTestManager(t, 2, evcache.WithDevice(index.DeviceGPU))

	id, err := m.Add(ctx, "fallback", nil, []float32{1, 0})
	require.NoError(t, err)

	results, err := m.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
}

func TestManager_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 4)

	const writers = 4
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				vec := []float32{float32(w), float32(i), 0, 1}
				_, err := m.Add(ctx, fmt.Sprintf("w%d-%d", w, i), nil, vec)
				assert.NoError(t, err)
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, err := m.Search(ctx, []float32{1, 1, 0, 1}, 5)
			if err != nil && !errors.Is(err, evcache.ErrClosed) {
				assert.NoError(t, err)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := m.Purge(ctx)
			assert.NoError(t, err)
		}
	}()

	wg.Wait()
	assert.Equal(t, writers*perWriter, m.Len())
}
