package metrics

import "time"

const (
	DirectoryRegister        = "directory.register"
	DirectoryRegisterLost    = "directory.register.lost"
	DirectoryLookup          = "directory.lookup"
	DirectoryLookupMiss      = "directory.lookup.miss"
	DirectoryUnregister      = "directory.unregister"
	DirectoryUnregisterStale = "directory.unregister.stale"
	DirectoryUnregisterMany  = "directory.unregister_many"
	DirectoryUnregisterSilos = "directory.unregister_silos"
	DirectoryUnavailable     = "directory.unavailable"
	PlacementDecision        = "placement.decision"
	PlacementFailed          = "placement.failed"
	PlacementDuration        = "placement.duration"
	StatsSilos               = "stats.silos"
	StatsActivations         = "stats.activations"
)

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

type noop struct{}

func (noop) Increment(string)               {}
func (noop) Duration(string, time.Duration) {}
func (noop) Gauge(string, int)              {}

// Noop discards everything.
var Noop Metrics = noop{}
