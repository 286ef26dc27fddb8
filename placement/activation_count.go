package placement

import (
	"sync"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
	"go.uber.org/atomic"
)

// ActivationCountDirector places on the least loaded silo that is not overloaded.
//
// Silos without statistics are only used when every silo with statistics is
// overloaded, or when no candidate has statistics at all (then the local silo
// wins if it is a candidate). Ties go to the local silo, then to the lowest
// address. Each placement is counted against the chosen silo until its next
// snapshot arrives, so a burst of decisions does not pile onto one silo.
type ActivationCountDirector struct {
	stats StatsSource

	mu      sync.Mutex
	pending map[common.SiloAddress]*atomic.Int64
}

type updateNotifier interface {
	OnUpdate(l loadstats.UpdateListener)
}

type removeNotifier interface {
	OnRemove(l loadstats.RemoveListener)
}

func NewActivationCountDirector(stats StatsSource) *ActivationCountDirector {
	d := &ActivationCountDirector{
		stats:   stats,
		pending: make(map[common.SiloAddress]*atomic.Int64),
	}
	if n, ok := stats.(updateNotifier); ok {
		n.OnUpdate(func(silo common.SiloAddress, _ loadstats.LoadSnapshot) {
			d.ResetPending(silo)
		})
	}
	if n, ok := stats.(removeNotifier); ok {
		n.OnRemove(d.Forget)
	}
	return d
}

func (d *ActivationCountDirector) counter(silo common.SiloAddress) *atomic.Int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pending[silo]
	if !ok {
		c = atomic.NewInt64(0)
		d.pending[silo] = c
	}
	return c
}

// Pending returns the placements made on silo since its last snapshot.
func (d *ActivationCountDirector) Pending(silo common.SiloAddress) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.pending[silo]; ok {
		return c.Load()
	}
	return 0
}

func (d *ActivationCountDirector) ResetPending(silo common.SiloAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.pending[silo]; ok {
		c.Store(0)
	}
}

// Forget drops the pending count of a silo that left the cluster.
func (d *ActivationCountDirector) Forget(silo common.SiloAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, silo)
}

// Tracked returns how many silos currently have a pending count.
func (d *ActivationCountDirector) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

type scored struct {
	silo  common.SiloAddress
	count int64
}

// better reports whether a should be chosen over b.
func better(a, b scored, local common.SiloAddress) bool {
	if a.count != b.count {
		return a.count < b.count
	}
	if (a.silo == local) != (b.silo == local) {
		return a.silo == local
	}
	return a.silo.Compare(b.silo) < 0
}

func (d *ActivationCountDirector) OnAddActivation(_ Strategy, target Target, pctx Context) (common.SiloAddress, error) {
	candidates, err := compatibleSilos(target, pctx)
	if err != nil {
		return common.SiloAddress{}, err
	}
	local := pctx.LocalSilo()
	localIsCandidate := false
	anyStats := false
	var healthy []scored
	var withoutStats []common.SiloAddress
	for _, silo := range candidates {
		if silo == local {
			localIsCandidate = true
		}
		e := d.stats.Lookup(silo)
		if !e.Known() {
			withoutStats = append(withoutStats, silo)
			continue
		}
		anyStats = true
		if !e.Overloaded {
			healthy = append(healthy, scored{silo: silo, count: e.Snapshot.RecentlyUsedActivationCount + d.Pending(silo)})
		}
	}

	var chosen common.SiloAddress
	switch {
	case !anyStats && localIsCandidate:
		chosen = local
	case len(healthy) > 0:
		best := healthy[0]
		for _, s := range healthy[1:] {
			if better(s, best, local) {
				best = s
			}
		}
		chosen = best.silo
	case len(withoutStats) > 0:
		chosen = withoutStats[0]
		for _, s := range withoutStats[1:] {
			if better(scored{silo: s}, scored{silo: chosen}, local) {
				chosen = s
			}
		}
	default:
		return common.SiloAddress{}, ErrNoPlacementAvailable
	}
	d.counter(chosen).Inc()
	return chosen, nil
}
