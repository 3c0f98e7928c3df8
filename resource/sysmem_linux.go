//go:build linux

package resource

import "golang.org/x/sys/unix"

// readSystemMemory reads total and used system memory via sysinfo(2).
func readSystemMemory() (total, used uint64, ok bool) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0, false
	}

	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}

	total = uint64(si.Totalram) * unit
	free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	if free > total {
		free = total
	}
	return total, total - free, true
}
