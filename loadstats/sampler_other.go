//go:build !linux

package loadstats

import (
	"runtime"
)

// SystemSampler falls back to Go runtime memory figures where sysinfo(2) is missing.
// CPU usage is reported as zero.
type SystemSampler struct{}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

func (s *SystemSampler) Sample() (Resources, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Resources{
		MemoryUsageBytes:     m.Sys,
		AvailableMemoryBytes: m.Sys - m.HeapInuse,
	}, nil
}
