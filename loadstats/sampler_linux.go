//go:build linux

package loadstats

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const MEMINFO_PATH = "/proc/meminfo"

// SystemSampler reads process CPU time with getrusage(2) and host memory from
// MemAvailable in /proc/meminfo. Kernels without that field fall back to
// sysinfo(2), which counts reclaimable page cache as used.
type SystemSampler struct {
	cpu     cpuTracker
	meminfo string
}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{cpu: cpuTracker{cores: runtime.NumCPU()}, meminfo: MEMINFO_PATH}
}

// ParseMemAvailable returns MemAvailable in bytes.
func ParseMemAvailable(meminfo []byte) (uint64, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(meminfo))
	for scanner.Scan() {
		fields := bytes.Fields(scanner.Bytes())
		if len(fields) < 2 || string(fields[0]) != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseUint(string(fields[1]), 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

func (s *SystemSampler) Sample() (Resources, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Resources{}, fmt.Errorf("getrusage: %w", err)
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Resources{}, fmt.Errorf("sysinfo: %w", err)
	}
	cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit
	available := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	if b, err := os.ReadFile(s.meminfo); err == nil {
		if avail, ok := ParseMemAvailable(b); ok {
			available = avail
		}
	}
	if available > total {
		available = total
	}
	return Resources{
		CPUUsagePercent:      s.cpu.percent(cpu, time.Now()),
		MemoryUsageBytes:     total - available,
		AvailableMemoryBytes: available,
	}, nil
}
