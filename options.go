package evcache

import (
	"time"

	"github.com/hupe1980/evcache/codec"
	"github.com/hupe1980/evcache/distance"
	"github.com/hupe1980/evcache/index"
	"github.com/hupe1980/evcache/resource"
)

const (
	// DefaultTTL is the entry lifetime applied when Add is used without
	// an explicit TTL.
	DefaultTTL = 15 * time.Minute

	// DefaultCleanupInterval is the period between background cleanup
	// passes.
	DefaultCleanupInterval = time.Minute

	// DefaultFlatThreshold is the entry count below which a brute-force
	// flat scan is used instead of a clustered index.
	DefaultFlatThreshold = 1000

	// DefaultOverfetchFactor is the multiplier applied to k when querying
	// the index, so that slots whose entries expired since the last
	// rebuild can be filtered out without starving the result set.
	DefaultOverfetchFactor = 2
)

type options struct {
	defaultTTL      time.Duration
	cleanupInterval time.Duration

	metric          distance.Metric
	device          index.Device
	clusterCount    int
	probeCount      int
	flatThreshold   int
	overfetchFactor int

	softPressure    float64
	hardPressure    float64
	heapBudgetBytes uint64
	controllerCfg   resource.Config

	snapshotCompression string
	codec               codec.Codec

	logger           *Logger
	metricsCollector MetricsCollector
}

// Option configures Manager construction.
type Option func(*options)

// WithDefaultTTL sets the lifetime applied to entries added without an
// explicit TTL. Must be positive.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}

// WithCleanupInterval sets the period between background cleanup passes.
// A non-positive interval disables the background scheduler; expired
// entries are then only removed by explicit Purge calls (reads still
// treat them as absent).
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = interval
	}
}

// WithMetric sets the distance metric. Defaults to distance.MetricCosine.
func WithMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithDevice requests a compute device for index builds. If the device is
// unavailable the manager logs a warning and falls back to CPU with
// identical behavior.
func WithDevice(d index.Device) Option {
	return func(o *options) {
		o.device = d
	}
}

// WithClustering enables the clustered (IVF) index topology.
// clusterCount is the number of partitions, probeCount the number of
// partitions scanned per query. A clusterCount of zero keeps the flat
// topology.
func WithClustering(clusterCount, probeCount int) Option {
	return func(o *options) {
		o.clusterCount = clusterCount
		o.probeCount = probeCount
	}
}

// WithFlatThreshold sets the entry count below which searches use a
// brute-force scan even when clustering is enabled.
func WithFlatThreshold(n int) Option {
	return func(o *options) {
		o.flatThreshold = n
	}
}

// WithOverfetchFactor sets the multiplier applied to k when querying the
// index. Values below 1 are ignored.
func WithOverfetchFactor(f int) Option {
	return func(o *options) {
		o.overfetchFactor = f
	}
}

// WithPressureThresholds sets the memory usage fractions at which the
// manager starts warning (soft) and rejecting writes (hard).
func WithPressureThresholds(soft, hard float64) Option {
	return func(o *options) {
		o.softPressure = soft
		o.hardPressure = hard
	}
}

// WithHeapBudget caps the Go heap size used for pressure computation.
// When zero, total system memory is used as the budget.
func WithHeapBudget(bytes uint64) Option {
	return func(o *options) {
		o.heapBudgetBytes = bytes
	}
}

// WithMemoryLimit sets a hard byte budget for cached entries. Adds that
// would exceed the budget fail with ErrResourceExhausted until cleanup
// frees space. Zero means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.controllerCfg.MemoryLimitBytes = bytes
	}
}

// WithIOLimit throttles snapshot reads and writes to the given rate.
// Zero means unthrottled.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.controllerCfg.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithSnapshotCompression selects the snapshot compression scheme:
// "zstd" (default), "lz4" or "none".
func WithSnapshotCompression(name string) Option {
	return func(o *options) {
		o.snapshotCompression = name
	}
}

// WithCodec configures the codec used for encoding snapshot entries.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &evcache.BasicMetricsCollector{}
//	m, _ := evcache.New(768, evcache.WithMetricsCollector(metrics))
//	// ... use m ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

func defaultOptions() options {
	return options{
		defaultTTL:          DefaultTTL,
		cleanupInterval:     DefaultCleanupInterval,
		metric:              distance.MetricCosine,
		device:              index.DeviceCPU,
		flatThreshold:       DefaultFlatThreshold,
		overfetchFactor:     DefaultOverfetchFactor,
		softPressure:        resource.DefaultSoftThreshold,
		hardPressure:        resource.DefaultHardThreshold,
		snapshotCompression: CompressionZstd,
		codec:               codec.Default,
		logger:              NoopLogger(),
		metricsCollector:    NoopMetricsCollector{},
	}
}
