//go:build linux

package loadstats_test

import (
	"os"
	"testing"

	"github.com/eyeKill/graindir/loadstats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemAvailable(t *testing.T) {
	ast := assert.New(t)
	meminfo := []byte("MemTotal:        8000000 kB\n" +
		"MemFree:          500000 kB\n" +
		"MemAvailable:    5600000 kB\n" +
		"Buffers:          100000 kB\n")
	avail, ok := loadstats.ParseMemAvailable(meminfo)
	ast.True(ok)
	ast.Equal(uint64(5600000*1024), avail)

	_, ok = loadstats.ParseMemAvailable([]byte("MemTotal: 8000000 kB\nMemFree: 500000 kB\n"))
	ast.False(ok)
	_, ok = loadstats.ParseMemAvailable([]byte("MemAvailable: lots kB\n"))
	ast.False(ok)
}

func TestSystemSamplerUsesMemAvailable(t *testing.T) {
	b, err := os.ReadFile(loadstats.MEMINFO_PATH)
	if err != nil {
		t.Skip("no meminfo")
	}
	want, ok := loadstats.ParseMemAvailable(b)
	if !ok {
		t.Skip("kernel does not report MemAvailable")
	}
	res, err := loadstats.NewSystemSampler().Sample()
	require.NoError(t, err)
	total := res.MemoryUsageBytes + res.AvailableMemoryBytes
	// memory moves between the two reads, allow 5% of the host
	assert.InDelta(t, float64(want), float64(res.AvailableMemoryBytes), float64(total)/20)
}
