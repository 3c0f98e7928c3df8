package resource

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Pressure classifies current memory usage against configured thresholds.
type Pressure int

const (
	// PressureNone means usage is below the soft threshold.
	PressureNone Pressure = iota

	// PressureSoft means usage crossed the warning threshold. Writes are
	// still accepted.
	PressureSoft

	// PressureHard means usage crossed the rejection threshold. New writes
	// should be refused; reads continue.
	PressureHard
)

const (
	// DefaultSoftThreshold is the usage fraction at which pressure
	// becomes Soft.
	DefaultSoftThreshold = 0.8

	// DefaultHardThreshold is the usage fraction at which pressure
	// becomes Hard.
	DefaultHardThreshold = 0.95
)

func (p Pressure) String() string {
	switch p {
	case PressureNone:
		return "none"
	case PressureSoft:
		return "soft"
	case PressureHard:
		return "hard"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// Usage is a point-in-time memory reading.
type Usage struct {
	// HeapBytes is the Go heap in use.
	HeapBytes uint64

	// SystemTotalBytes is total system memory, 0 when unavailable.
	SystemTotalBytes uint64

	// SystemUsedBytes is used system memory, 0 when unavailable.
	SystemUsedBytes uint64

	// Fraction is used/total system memory when available, else heap
	// against the configured heap budget (0 when no budget is set).
	Fraction float64
}

// MonitorConfig configures pressure thresholds.
type MonitorConfig struct {
	// SoftThreshold is the usage fraction (0..1] at which pressure becomes
	// Soft. Defaults to 0.8.
	SoftThreshold float64

	// HardThreshold is the usage fraction (0..1] at which pressure becomes
	// Hard. Defaults to 0.95.
	HardThreshold float64

	// HeapBudgetBytes is the heap budget used to compute a usage fraction
	// when system memory readings are unavailable. If 0, heap usage alone
	// never raises pressure.
	HeapBudgetBytes uint64

	// SampleInterval caches readings between samples to keep Sample cheap on
	// hot paths. Defaults to 1s. Negative disables caching.
	SampleInterval time.Duration
}

// Monitor samples process and system memory and classifies pressure.
// Safe for concurrent use.
type Monitor struct {
	cfg MonitorConfig

	mu        sync.Mutex
	last      Usage
	lastAt    time.Time
	readSysFn func() (total, used uint64, ok bool) // swapped in tests
}

// NewMonitor creates a new memory monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.SoftThreshold <= 0 {
		cfg.SoftThreshold = DefaultSoftThreshold
	}
	if cfg.HardThreshold <= 0 {
		cfg.HardThreshold = DefaultHardThreshold
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = time.Second
	}

	return &Monitor{
		cfg:       cfg,
		readSysFn: readSystemMemory,
	}
}

// Sample returns a current memory reading. Readings are cached for
// SampleInterval to bound the cost of calling Sample on every write.
func (m *Monitor) Sample() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.SampleInterval > 0 && time.Since(m.lastAt) < m.cfg.SampleInterval {
		return m.last
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	u := Usage{HeapBytes: ms.HeapInuse}

	if total, used, ok := m.readSysFn(); ok && total > 0 {
		u.SystemTotalBytes = total
		u.SystemUsedBytes = used
		u.Fraction = float64(used) / float64(total)
	} else if m.cfg.HeapBudgetBytes > 0 {
		u.Fraction = float64(ms.HeapInuse) / float64(m.cfg.HeapBudgetBytes)
	}

	m.last = u
	m.lastAt = time.Now()

	return u
}

// Pressure classifies the current reading.
func (m *Monitor) Pressure() Pressure {
	f := m.Sample().Fraction
	switch {
	case f >= m.cfg.HardThreshold:
		return PressureHard
	case f >= m.cfg.SoftThreshold:
		return PressureSoft
	default:
		return PressureNone
	}
}
