package placement

import (
	"github.com/eyeKill/graindir/common"
)

// ResourceOptimizedDirector spins a roulette wheel whose slices are sized by
// each silo's headroom: free CPU share times available memory. Overloaded
// silos get no slice. Silos without statistics get the mean slice of the rest.
type ResourceOptimizedDirector struct {
	stats StatsSource
	rnd   *RandomDirector
}

func NewResourceOptimizedDirector(stats StatsSource, rnd *RandomDirector) *ResourceOptimizedDirector {
	return &ResourceOptimizedDirector{stats: stats, rnd: rnd}
}

// Weights returns the roulette slice of every candidate, in candidate order.
func (d *ResourceOptimizedDirector) Weights(candidates []common.SiloAddress) []float64 {
	weights := make([]float64, len(candidates))
	var sum float64
	known := 0
	var unknown []int
	for i, silo := range candidates {
		e := d.stats.Lookup(silo)
		if !e.Known() {
			unknown = append(unknown, i)
			continue
		}
		if e.Overloaded {
			continue
		}
		cpuFree := float64(100-e.Snapshot.CPUUsagePercent) / 100
		if cpuFree < 0 {
			cpuFree = 0
		}
		w := cpuFree * float64(e.Snapshot.AvailableMemoryBytes>>20)
		// a healthy silo always keeps a sliver
		if w < 1 {
			w = 1
		}
		weights[i] = w
		sum += w
		known++
	}
	fill := 1.0
	if known > 0 {
		fill = sum / float64(known)
	}
	for _, i := range unknown {
		weights[i] = fill
	}
	return weights
}

// spin selects the slice that r, a fraction in [0, 1), falls into. It returns -1 when every weight is zero.
func spin(weights []float64, r float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return -1
	}
	point := r * total
	last := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		last = i
		if point < w {
			return i
		}
		point -= w
	}
	return last
}

func (d *ResourceOptimizedDirector) OnAddActivation(_ Strategy, target Target, pctx Context) (common.SiloAddress, error) {
	candidates, err := compatibleSilos(target, pctx)
	if err != nil {
		return common.SiloAddress{}, err
	}
	i := spin(d.Weights(candidates), d.rnd.float64())
	if i < 0 {
		return common.SiloAddress{}, ErrNoPlacementAvailable
	}
	return candidates[i], nil
}
