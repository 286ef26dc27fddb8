// Package loadstats holds per-silo load snapshots and the local publisher that produces them.
package loadstats

import (
	"time"
)

// LoadSnapshot is the resource picture a silo publishes about itself.
// Overload is not part of the record, it is derived by a SheddingPolicy on read.
type LoadSnapshot struct {
	CPUUsagePercent             float32   `json:"cpu_usage_percent"`
	MemoryUsageBytes            uint64    `json:"memory_usage_bytes"`
	AvailableMemoryBytes        uint64    `json:"available_memory_bytes"`
	RecentlyUsedActivationCount int64     `json:"recently_used_activation_count"`
	Timestamp                   time.Time `json:"timestamp"`
}

// MemoryUsageRatio returns used / (used + available), or 0 when nothing is known.
func (s LoadSnapshot) MemoryUsageRatio() float64 {
	total := s.MemoryUsageBytes + s.AvailableMemoryBytes
	if total == 0 {
		return 0
	}
	return float64(s.MemoryUsageBytes) / float64(total)
}

// SheddingPolicy decides when a silo stops receiving new placements.
type SheddingPolicy struct {
	Enabled bool
	// CPUThreshold is a percentage in [0, 100].
	CPUThreshold float32
	// MemoryThreshold is a usage ratio in [0, 1]. Zero disables the memory check.
	MemoryThreshold float64
}

const (
	DEFAULT_CPU_THRESHOLD    = 90
	DEFAULT_MEMORY_THRESHOLD = 0.95
)

func DefaultSheddingPolicy() SheddingPolicy {
	return SheddingPolicy{
		Enabled:         true,
		CPUThreshold:    DEFAULT_CPU_THRESHOLD,
		MemoryThreshold: DEFAULT_MEMORY_THRESHOLD,
	}
}

func (p SheddingPolicy) IsOverloaded(s LoadSnapshot) bool {
	if !p.Enabled {
		return false
	}
	if p.CPUThreshold > 0 && s.CPUUsagePercent >= p.CPUThreshold {
		return true
	}
	return p.MemoryThreshold > 0 && s.MemoryUsageRatio() >= p.MemoryThreshold
}
