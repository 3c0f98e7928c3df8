//go:build !linux

package resource

// readSystemMemory is unavailable on this platform; the monitor falls back
// to heap-budget based pressure.
func readSystemMemory() (total, used uint64, ok bool) {
	return 0, 0, false
}
