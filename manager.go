package evcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/hupe1980/evcache/index"
	"github.com/hupe1980/evcache/resource"
)

// Manager is an ephemeral vector cache: a TTL-bound entry table paired with
// an in-memory similarity index. Expired entries become invisible to reads
// immediately; their index slots are reclaimed by periodic cleanup rebuilds.
// Safe for concurrent use.
type Manager struct {
	opts      options
	dimension int

	logger     *Logger
	metrics    MetricsCollector
	monitor    *resource.Monitor
	controller *resource.Controller

	// writeMu serializes index writers (adds with embeddings, rebuilds).
	// Reads never take it; the index swaps state atomically inside.
	writeMu sync.Mutex
	idx     index.Index

	mu       sync.RWMutex
	entries  map[string]*Entry
	idToSlot map[string]uint32
	slotToID map[uint32]string
	live     *roaring.Bitmap

	scheduler *cleanupScheduler
	closed    atomic.Bool

	nowFn func() time.Time // swapped in tests
}

// New creates a Manager for embeddings of the given dimension.
func New(dimension int, optFns ...Option) (*Manager, error) {
	if dimension <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dimension}
	}

	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.defaultTTL <= 0 {
		return nil, ErrInvalidTTL
	}
	if opts.overfetchFactor < 1 {
		opts.overfetchFactor = 1
	}

	logger := opts.logger
	controller := resource.NewController(opts.controllerCfg)
	monitor := resource.NewMonitor(resource.MonitorConfig{
		SoftThreshold:   opts.softPressure,
		HardThreshold:   opts.hardPressure,
		HeapBudgetBytes: opts.heapBudgetBytes,
	})

	idx, err := newIndex(dimension, opts, logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:       opts,
		dimension:  dimension,
		logger:     logger,
		metrics:    opts.metricsCollector,
		monitor:    monitor,
		controller: controller,
		idx:        idx,
		entries:    make(map[string]*Entry),
		idToSlot:   make(map[string]uint32),
		slotToID:   make(map[uint32]string),
		live:       roaring.New(),
		nowFn:      time.Now,
	}

	if opts.cleanupInterval > 0 {
		m.scheduler = newCleanupScheduler(opts.cleanupInterval, controller, m.cleanupPass)
		m.scheduler.start()
	}

	return m, nil
}

// Dimension returns the configured embedding dimensionality.
func (m *Manager) Dimension() int { return m.dimension }

// Len returns the number of live entries.
func (m *Manager) Len() int {
	now := m.nowFn()

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if !e.ExpiredAt(now) {
			n++
		}
	}
	return n
}

// Metrics returns the configured metrics collector.
func (m *Manager) Metrics() MetricsCollector { return m.metrics }

// MemoryUsage returns the estimated resident bytes of cached entries.
func (m *Manager) MemoryUsage() int64 { return m.controller.MemoryUsage() }

// Add caches content with the default TTL and returns the generated id.
// A nil embedding stores a table-only entry that never appears in search
// results.
func (m *Manager) Add(ctx context.Context, content string, metadata map[string]any, embedding []float32) (string, error) {
	return m.AddWithTTL(ctx, content, metadata, embedding, m.opts.defaultTTL)
}

// AddWithTTL caches content with an explicit lifetime.
//
// The entry is visible to Get and Search as soon as AddWithTTL returns.
// Returns ErrResourceExhausted when memory pressure or the configured
// memory budget refuses the write; reads keep working under pressure.
func (m *Manager) AddWithTTL(ctx context.Context, content string, metadata map[string]any, embedding []float32, ttl time.Duration) (string, error) {
	start := time.Now()
	id, err := m.add(ctx, content, metadata, embedding, ttl)
	m.metrics.RecordAdd(time.Since(start), err)
	m.logger.LogAdd(ctx, id, len(embedding), ttl, err)
	return id, err
}

func (m *Manager) add(ctx context.Context, content string, metadata map[string]any, embedding []float32, ttl time.Duration) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	if embedding != nil && len(embedding) != m.dimension {
		return "", &ErrDimensionMismatch{Expected: m.dimension, Actual: len(embedding)}
	}

	switch m.monitor.Pressure() {
	case resource.PressureHard:
		m.metrics.RecordPressureReject()
		return "", ErrResourceExhausted
	case resource.PressureSoft:
		m.logger.WarnContext(ctx, "memory pressure soft threshold crossed",
			"usage_fraction", m.monitor.Sample().Fraction,
		)
	}

	now := m.nowFn()
	entry := &Entry{
		ID:        uuid.NewString(),
		Content:   content,
		Metadata:  metadata,
		Embedding: embedding,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	// Detach the caller's map and slice; entries are immutable once stored
	// and the embedding feeds later rebuilds.
	entry = entry.clone()

	size := entry.sizeEstimate()
	if !m.controller.TryAcquireMemory(size) {
		m.metrics.RecordPressureReject()
		return "", ErrResourceExhausted
	}

	if embedding == nil {
		m.mu.Lock()
		m.entries[entry.ID] = entry
		m.mu.Unlock()

		m.metrics.SetEntryCount(m.Len())
		m.metrics.SetMemoryBytes(m.controller.MemoryUsage())
		return entry.ID, nil
	}

	m.writeMu.Lock()
	slots, err := m.idx.AddBatch(ctx, [][]float32{entry.Embedding})
	if err != nil {
		m.writeMu.Unlock()
		m.controller.ReleaseMemory(size)
		return "", translateError(err)
	}
	slot := slots[0]

	m.mu.Lock()
	m.entries[entry.ID] = entry
	m.idToSlot[entry.ID] = slot
	m.slotToID[slot] = entry.ID
	m.live.Add(slot)
	m.mu.Unlock()
	m.writeMu.Unlock()

	// The gauge tracks live entries, matching Len.
	m.metrics.SetEntryCount(m.Len())
	m.metrics.SetMemoryBytes(m.controller.MemoryUsage())
	return entry.ID, nil
}

// Get returns a copy of the entry with the given id, or false when it does
// not exist or has expired. Expired entries are reported absent without
// waiting for the next cleanup pass.
func (m *Manager) Get(ctx context.Context, id string) (*Entry, bool) {
	if m.closed.Load() {
		return nil, false
	}

	now := m.nowFn()

	m.mu.RLock()
	e, ok := m.entries[id]
	var out *Entry
	if ok && !e.ExpiredAt(now) {
		out = e.clone()
	}
	m.mu.RUnlock()

	hit := out != nil
	m.metrics.RecordGet(hit)
	return out, hit
}

// Extend prolongs an entry's lifetime by the given duration, measured from
// its current expiry. Returns false when the entry is absent or already
// expired; an expired entry is never resurrected.
func (m *Manager) Extend(ctx context.Context, id string, additional time.Duration) bool {
	ok := false
	if additional > 0 && !m.closed.Load() {
		now := m.nowFn()

		m.mu.Lock()
		if e, found := m.entries[id]; found && !e.ExpiredAt(now) {
			e.ExpiresAt = e.ExpiresAt.Add(additional)
			ok = true
		}
		m.mu.Unlock()
	}
	m.metrics.RecordExtend(ok)
	return ok
}

// Search returns up to k live entries nearest to the query, ordered by
// ascending distance. Entries that expired since the last rebuild are
// filtered out; the index is over-queried to compensate. A context deadline
// that fires during the search surfaces as ErrTimeout.
func (m *Manager) Search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	start := time.Now()
	results, err := m.search(ctx, query, k)
	m.metrics.RecordSearch(k, time.Since(start), err)
	m.logger.LogSearch(ctx, k, len(results), time.Since(start), err)
	return results, err
}

func (m *Manager) search(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != m.dimension {
		return nil, &ErrDimensionMismatch{Expected: m.dimension, Actual: len(query)}
	}

	type searchOut struct {
		results []SearchResult
		err     error
	}
	ch := make(chan searchOut, 1)
	go func() {
		results, err := m.searchIndex(ctx, query, k)
		ch <- searchOut{results: results, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &timeoutError{cause: ctx.Err()}
		}
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, &timeoutError{cause: out.err}
		}
		return out.results, out.err
	}
}

func (m *Manager) searchIndex(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	now := m.nowFn()

	// A cloned bitmap keeps the filter callback race-free against
	// concurrent adds.
	m.mu.RLock()
	filter := m.live.Clone()
	m.mu.RUnlock()

	opts := &index.SearchOptions{
		NProbes: m.opts.probeCount,
		Filter:  filter.Contains,
	}

	fetchK := k * m.opts.overfetchFactor
	for {
		raw, err := m.idx.Search(ctx, query, fetchK, opts)
		if err != nil {
			return nil, translateError(err)
		}

		results := m.collect(raw, k, now)

		// Fewer candidates than requested means the filtered index is
		// exhausted; otherwise widen and retry until k live entries
		// survive the expiry filter.
		if len(results) >= k || len(raw) < fetchK {
			return results, nil
		}
		fetchK *= 2
	}
}

// collect maps index slots back to live entries, dropping any that expired
// since the last rebuild. Input order (ascending distance) is preserved.
func (m *Manager) collect(raw []index.SearchResult, k int, now time.Time) []SearchResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]SearchResult, 0, min(k, len(raw)))
	for _, r := range raw {
		id, ok := m.slotToID[r.Slot]
		if !ok {
			continue
		}
		e, ok := m.entries[id]
		if !ok || e.ExpiredAt(now) {
			continue
		}

		results = append(results, SearchResult{
			ID:    id,
			Score: r.Distance,
			Entry: e.clone(),
		})
		if len(results) == k {
			break
		}
	}
	return results
}

// Purge removes expired entries and rebuilds the index from the survivors.
// The rebuilt state is swapped in atomically; a rebuild failure leaves the
// previous index and slot mapping fully intact, so reads and searches are
// never degraded by a failed pass.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	start := time.Now()
	removed, err := m.purge(ctx)
	m.metrics.RecordCleanup(removed, time.Since(start), err)
	m.logger.LogCleanup(ctx, removed, m.Len(), time.Since(start), err)
	return removed, err
}

func (m *Manager) purge(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	now := m.nowFn()

	// Index writers are serialized by writeMu, so the survivor snapshot
	// cannot miss a concurrently added slot.
	m.mu.RLock()
	expired := make([]string, 0)
	ids := make([]string, 0, len(m.entries))
	vectors := make([][]float32, 0, len(m.entries))
	var freed int64
	for id, e := range m.entries {
		if e.ExpiredAt(now) {
			expired = append(expired, id)
			freed += e.sizeEstimate()
			continue
		}
		if e.Embedding != nil {
			ids = append(ids, id)
			vectors = append(vectors, e.Embedding)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	if err := m.idx.Reset(ctx, vectors); err != nil {
		return 0, translateError(err)
	}

	// Reset assigns dense sequential slots in insertion order.
	newIDToSlot := make(map[string]uint32, len(ids))
	newSlotToID := make(map[uint32]string, len(ids))
	newLive := roaring.New()
	for i, id := range ids {
		slot := uint32(i)
		newIDToSlot[id] = slot
		newSlotToID[slot] = id
		newLive.Add(slot)
	}

	m.mu.Lock()
	for _, id := range expired {
		delete(m.entries, id)
	}
	m.idToSlot = newIDToSlot
	m.slotToID = newSlotToID
	m.live = newLive
	m.mu.Unlock()

	m.controller.ReleaseMemory(freed)
	m.metrics.SetEntryCount(m.Len())
	m.metrics.SetMemoryBytes(m.controller.MemoryUsage())

	return len(expired), nil
}

// TriggerCleanup requests an immediate background cleanup pass. No-op when
// the background scheduler is disabled; use Purge for a synchronous pass.
func (m *Manager) TriggerCleanup() {
	if m.scheduler != nil && !m.closed.Load() {
		m.scheduler.triggerNow()
	}
}

// cleanupPass is the scheduler callback.
func (m *Manager) cleanupPass(ctx context.Context) {
	_, _ = m.Purge(ctx)
}

// Close stops the cleanup scheduler and releases the index. Further
// operations return ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	if m.scheduler != nil {
		m.scheduler.stop()
	}

	m.writeMu.Lock()
	err := m.idx.Close()
	m.writeMu.Unlock()

	m.controller.ReleaseMemory(m.controller.MemoryUsage())
	m.metrics.SetEntryCount(0)
	m.metrics.SetMemoryBytes(0)

	return err
}
