package placement

import (
	"math/rand"
	"sync"
	"time"

	"github.com/eyeKill/graindir/common"
)

// RandomDirector picks any compatible silo uniformly.
type RandomDirector struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomDirector(seed int64) *RandomDirector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomDirector{rnd: rand.New(rand.NewSource(seed))}
}

func (d *RandomDirector) intn(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rnd.Intn(n)
}

func (d *RandomDirector) float64() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rnd.Float64()
}

func (d *RandomDirector) OnAddActivation(_ Strategy, target Target, pctx Context) (common.SiloAddress, error) {
	candidates, err := compatibleSilos(target, pctx)
	if err != nil {
		return common.SiloAddress{}, err
	}
	return candidates[d.intn(len(candidates))], nil
}

// PreferLocalDirector keeps the activation on the deciding silo when it can host it.
type PreferLocalDirector struct {
	fallback *RandomDirector
}

func NewPreferLocalDirector(fallback *RandomDirector) *PreferLocalDirector {
	return &PreferLocalDirector{fallback: fallback}
}

func (d *PreferLocalDirector) OnAddActivation(strategy Strategy, target Target, pctx Context) (common.SiloAddress, error) {
	candidates, err := compatibleSilos(target, pctx)
	if err != nil {
		return common.SiloAddress{}, err
	}
	if common.ContainsSilo(candidates, pctx.LocalSilo()) {
		return pctx.LocalSilo(), nil
	}
	return d.fallback.OnAddActivation(strategy, target, pctx)
}
