package metrics_test

import (
	"testing"
	"time"

	"github.com/eyeKill/graindir/metrics"
	"github.com/stretchr/testify/assert"
)

func TestStatsdDoesNotBlockWithoutServer(t *testing.T) {
	// UDP statsd client buffers and drops, so an unreachable address must not fail callers
	s := metrics.NewStatsd("silo-1", "graindir.", "127.0.0.1:1")
	s.Increment(metrics.DirectoryRegister)
	s.Duration(metrics.PlacementDuration, time.Millisecond)
	s.Gauge(metrics.StatsSilos, 3)
	assert.Nil(t, s.Close())
}

func TestNoop(t *testing.T) {
	var m metrics.Metrics = metrics.Noop
	m.Increment("x")
	m.Duration("x", time.Second)
	m.Gauge("x", 1)
}
