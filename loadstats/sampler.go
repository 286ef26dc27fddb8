package loadstats

import (
	"sync"
	"time"
)

// Resources is one reading of the host and process resources.
type Resources struct {
	CPUUsagePercent      float32
	MemoryUsageBytes     uint64
	AvailableMemoryBytes uint64
}

type Sampler interface {
	Sample() (Resources, error)
}

// cpuTracker turns cumulative CPU time readings into a usage percentage over
// the interval since the previous reading.
type cpuTracker struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
	cores    int
}

func (c *cpuTracker) percent(cpu time.Duration, wall time.Time) float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.lastCPU, c.lastWall = cpu, wall }()
	if c.lastWall.IsZero() || c.cores <= 0 {
		return 0
	}
	elapsed := wall.Sub(c.lastWall)
	if elapsed <= 0 {
		return 0
	}
	p := float32(cpu-c.lastCPU) / float32(elapsed) / float32(c.cores) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
