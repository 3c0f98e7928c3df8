package evcache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAdd is called after each add operation.
	// duration is the total time taken, err is nil if successful.
	RecordAdd(duration time.Duration, err error)

	// RecordGet is called after each get operation.
	// hit is true when a live entry was found.
	RecordGet(hit bool)

	// RecordExtend is called after each extend operation.
	// ok is true when the entry existed and its lifetime was extended.
	RecordExtend(ok bool)

	// RecordSearch is called after each search operation.
	// k is the number of neighbors requested, duration is the time taken,
	// err is nil if successful.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordCleanup is called after each cleanup pass.
	// removed is the number of expired entries purged.
	RecordCleanup(removed int, duration time.Duration, err error)

	// RecordSnapshot is called after each snapshot save.
	RecordSnapshot(entries int, duration time.Duration, err error)

	// RecordPressureReject is called when a write is rejected due to
	// memory pressure.
	RecordPressureReject()

	// SetEntryCount reports the current number of live entries.
	SetEntryCount(n int)

	// SetMemoryBytes reports the current estimated cache memory footprint.
	SetMemoryBytes(n int64)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(time.Duration, error)           {}
func (NoopMetricsCollector) RecordGet(bool)                           {}
func (NoopMetricsCollector) RecordExtend(bool)                        {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordCleanup(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordSnapshot(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordPressureReject()                    {}
func (NoopMetricsCollector) SetEntryCount(int)                        {}
func (NoopMetricsCollector) SetMemoryBytes(int64)                     {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AddCount         atomic.Int64
	AddErrors        atomic.Int64
	AddTotalNanos    atomic.Int64
	GetCount         atomic.Int64
	GetHits          atomic.Int64
	ExtendCount      atomic.Int64
	ExtendMisses     atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	CleanupCount     atomic.Int64
	CleanupErrors    atomic.Int64
	CleanupRemoved   atomic.Int64
	SnapshotCount    atomic.Int64
	SnapshotErrors   atomic.Int64
	PressureRejects  atomic.Int64
	EntryCount       atomic.Int64
	MemoryBytes      atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(hit bool) {
	b.GetCount.Add(1)
	if hit {
		b.GetHits.Add(1)
	}
}

// RecordExtend implements MetricsCollector.
func (b *BasicMetricsCollector) RecordExtend(ok bool) {
	b.ExtendCount.Add(1)
	if !ok {
		b.ExtendMisses.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordCleanup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCleanup(removed int, duration time.Duration, err error) {
	b.CleanupCount.Add(1)
	b.CleanupRemoved.Add(int64(removed))
	if err != nil {
		b.CleanupErrors.Add(1)
	}
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(entries int, duration time.Duration, err error) {
	b.SnapshotCount.Add(1)
	if err != nil {
		b.SnapshotErrors.Add(1)
	}
}

// RecordPressureReject implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPressureReject() {
	b.PressureRejects.Add(1)
}

// SetEntryCount implements MetricsCollector.
func (b *BasicMetricsCollector) SetEntryCount(n int) {
	b.EntryCount.Store(int64(n))
}

// SetMemoryBytes implements MetricsCollector.
func (b *BasicMetricsCollector) SetMemoryBytes(n int64) {
	b.MemoryBytes.Store(n)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AddCount:        b.AddCount.Load(),
		AddErrors:       b.AddErrors.Load(),
		AddAvgNanos:     avgNanos(b.AddTotalNanos.Load(), b.AddCount.Load()),
		GetCount:        b.GetCount.Load(),
		GetHits:         b.GetHits.Load(),
		ExtendCount:     b.ExtendCount.Load(),
		ExtendMisses:    b.ExtendMisses.Load(),
		SearchCount:     b.SearchCount.Load(),
		SearchErrors:    b.SearchErrors.Load(),
		SearchAvgNanos:  avgNanos(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		CleanupCount:    b.CleanupCount.Load(),
		CleanupErrors:   b.CleanupErrors.Load(),
		CleanupRemoved:  b.CleanupRemoved.Load(),
		SnapshotCount:   b.SnapshotCount.Load(),
		SnapshotErrors:  b.SnapshotErrors.Load(),
		PressureRejects: b.PressureRejects.Load(),
		EntryCount:      b.EntryCount.Load(),
		MemoryBytes:     b.MemoryBytes.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AddCount        int64
	AddErrors       int64
	AddAvgNanos     int64
	GetCount        int64
	GetHits         int64
	ExtendCount     int64
	ExtendMisses    int64
	SearchCount     int64
	SearchErrors    int64
	SearchAvgNanos  int64
	CleanupCount    int64
	CleanupErrors   int64
	CleanupRemoved  int64
	SnapshotCount   int64
	SnapshotErrors  int64
	PressureRejects int64
	EntryCount      int64
	MemoryBytes     int64
}
