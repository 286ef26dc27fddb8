package placement

import (
	"strings"
	"sync"

	"github.com/eyeKill/graindir/common"
	"github.com/lafikl/consistent"
)

// HashBasedDirector maps a grain onto the consistent hash ring of the candidate
// silos, so the same grain lands on the same silo while the set is stable.
type HashBasedDirector struct {
	mu    sync.Mutex
	key   string
	ring  *consistent.Consistent
	silos map[string]common.SiloAddress
}

func NewHashBasedDirector() *HashBasedDirector {
	return &HashBasedDirector{}
}

// ringFor rebuilds the ring only when the candidate set changed since the last call.
func (d *HashBasedDirector) ringFor(candidates []common.SiloAddress) (*consistent.Consistent, map[string]common.SiloAddress) {
	sorted := make([]common.SiloAddress, len(candidates))
	copy(sorted, candidates)
	common.SortSilos(sorted)
	names := make([]string, len(sorted))
	for i, s := range sorted {
		names[i] = s.String()
	}
	key := strings.Join(names, ",")

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ring != nil && d.key == key {
		return d.ring, d.silos
	}
	ring := consistent.New()
	silos := make(map[string]common.SiloAddress, len(sorted))
	for i, name := range names {
		ring.Add(name)
		silos[name] = sorted[i]
	}
	d.key, d.ring, d.silos = key, ring, silos
	return ring, silos
}

func (d *HashBasedDirector) OnAddActivation(_ Strategy, target Target, pctx Context) (common.SiloAddress, error) {
	candidates, err := compatibleSilos(target, pctx)
	if err != nil {
		return common.SiloAddress{}, err
	}
	ring, silos := d.ringFor(candidates)
	host, err := ring.Get(target.GrainId.String())
	if err != nil {
		return common.SiloAddress{}, ErrNoPlacementAvailable
	}
	return silos[host], nil
}
