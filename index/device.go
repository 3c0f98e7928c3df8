package index

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/evcache/distance"
)

// Device selects where index computation runs.
type Device int

const (
	// DeviceCPU is the default in-process implementation.
	DeviceCPU Device = iota

	// DeviceGPU requests an accelerated implementation. Selection is
	// best-effort: when no accelerated builder is registered or construction
	// fails, callers fall back to DeviceCPU with identical semantics.
	DeviceGPU
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "CPU"
	case DeviceGPU:
		return "GPU"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// ErrNoAcceleratedBuilder is returned by NewAccelerated when no builder has
// been registered.
var ErrNoAcceleratedBuilder = errors.New("no accelerated index builder registered")

// BuildConfig describes the index an accelerated builder must construct.
type BuildConfig struct {
	Dimension    int
	Metric       distance.Metric
	ExpectedSize int
}

// AcceleratedBuilder constructs a device-backed Index. Builders are supplied
// by optional companion modules (e.g. CUDA bindings); the core never links
// device code directly.
type AcceleratedBuilder func(cfg BuildConfig) (Index, error)

var (
	acceleratedMu      sync.RWMutex
	acceleratedBuilder AcceleratedBuilder
)

// RegisterAccelerated installs the builder used for DeviceGPU construction.
// Passing nil removes the current builder.
func RegisterAccelerated(b AcceleratedBuilder) {
	acceleratedMu.Lock()
	defer acceleratedMu.Unlock()

	acceleratedBuilder = b
}

// NewAccelerated constructs an accelerated index using the registered
// builder. Returns ErrNoAcceleratedBuilder if none is registered; any builder
// failure is returned as-is so callers can fall back.
func NewAccelerated(cfg BuildConfig) (Index, error) {
	acceleratedMu.RLock()
	b := acceleratedBuilder
	acceleratedMu.RUnlock()

	if b == nil {
		return nil, ErrNoAcceleratedBuilder
	}
	return b(cfg)
}
