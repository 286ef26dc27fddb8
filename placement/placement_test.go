package placement_test

import (
	"testing"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
	"github.com/eyeKill/graindir/placement"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	common.SetLog(zap.NewNop())
	m.Run()
}

var (
	s0 = common.NewSiloAddress("10.0.0.1", 11111, 1)
	s1 = common.NewSiloAddress("10.0.0.2", 11111, 1)
	s2 = common.NewSiloAddress("10.0.0.3", 11111, 1)
	s3 = common.NewSiloAddress("10.0.0.4", 11111, 1)

	target = placement.Target{GrainId: common.NewGrainId("user", "alice"), InterfaceType: "IUser"}
)

func healthy(count int64) loadstats.LoadSnapshot {
	return loadstats.LoadSnapshot{CPUUsagePercent: 10, RecentlyUsedActivationCount: count, Timestamp: time.Now()}
}

func overloaded() loadstats.LoadSnapshot {
	return loadstats.LoadSnapshot{CPUUsagePercent: 99, Timestamp: time.Now()}
}

func newDirector(local common.SiloAddress) (*placement.ActivationCountDirector, *loadstats.Registry) {
	r := loadstats.NewRegistry(local)
	return placement.NewActivationCountDirector(r), r
}

func TestPrefersSiloWithStatsOverUnknown(t *testing.T) {
	ast := assert.New(t)
	d, r := newDirector(s0)
	r.Update(s1, healthy(10))
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0, s1, s2))
	ast.Nil(err)
	ast.Equal(s1, silo)
}

func TestAllOverloadedFails(t *testing.T) {
	ast := assert.New(t)
	d, r := newDirector(s0)
	r.Update(s1, overloaded())
	r.Update(s2, overloaded())
	_, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0, s1, s2))
	ast.ErrorIs(err, placement.ErrNoPlacementAvailable)
}

func TestFallbackToSiloWithoutStats(t *testing.T) {
	ast := assert.New(t)
	d, r := newDirector(s0)
	r.Update(s1, overloaded())
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0, s1, s2))
	ast.Nil(err)
	ast.Equal(s2, silo)
}

func TestFallbackPrefersLocalWithoutStats(t *testing.T) {
	ast := assert.New(t)
	d, r := newDirector(s2)
	r.Update(s0, overloaded())
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s2, s0, s1, s2))
	ast.Nil(err)
	ast.Equal(s2, silo)
}

func TestEmptyCandidatesIsIncompatible(t *testing.T) {
	d, _ := newDirector(s0)
	_, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0))
	assert.ErrorIs(t, err, placement.ErrIncompatibleTarget)
}

func TestPicksLowestCount(t *testing.T) {
	ast := assert.New(t)
	d, r := newDirector(s0)
	r.Update(s1, healthy(7))
	r.Update(s2, healthy(3))
	r.Update(s3, overloaded())
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0, s1, s2, s3))
	ast.Nil(err)
	ast.Equal(s2, silo)
}

func TestTieBreakIsDeterministic(t *testing.T) {
	ast := assert.New(t)
	// local wins a tie
	d, r := newDirector(s2)
	r.Update(s1, healthy(5))
	r.Update(s2, healthy(5))
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s2, s1, s2))
	ast.Nil(err)
	ast.Equal(s2, silo)

	// otherwise the lowest address wins, whatever the candidate order
	for i := 0; i < 5; i++ {
		d, r = newDirector(s0)
		r.Update(s3, healthy(5))
		r.Update(s1, healthy(5))
		silo, err = d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0, s3, s1))
		ast.Nil(err)
		ast.Equal(s1, silo)
	}
}

func TestLocalFastPathWithoutAnyStats(t *testing.T) {
	ast := assert.New(t)
	d, _ := newDirector(s1)
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s1, s3, s2, s1))
	ast.Nil(err)
	ast.Equal(s1, silo)

	d, _ = newDirector(s0)
	silo, err = d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0, s3, s2))
	ast.Nil(err)
	ast.Equal(s2, silo)
}

func TestExpiredStatsCountAsUnknown(t *testing.T) {
	ast := assert.New(t)
	now := time.Unix(1000, 0)
	r := loadstats.NewRegistry(s0, loadstats.WithTTL(time.Second), loadstats.WithClock(func() time.Time { return now }))
	d := placement.NewActivationCountDirector(r)
	r.Update(s1, loadstats.LoadSnapshot{CPUUsagePercent: 99, Timestamp: now})
	now = now.Add(2 * time.Second)
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, placement.StaticContext(s0, s1))
	ast.Nil(err)
	ast.Equal(s1, silo)
}

func TestPendingPlacementsSpreadLoad(t *testing.T) {
	ast := assert.New(t)
	d, r := newDirector(s0)
	r.Update(s1, healthy(0))
	r.Update(s2, healthy(1))
	pctx := placement.StaticContext(s0, s1, s2)
	var got []common.SiloAddress
	for i := 0; i < 3; i++ {
		silo, err := d.OnAddActivation(placement.ActivationCountBased, target, pctx)
		ast.Nil(err)
		got = append(got, silo)
	}
	ast.Equal([]common.SiloAddress{s1, s1, s2}, got)
	ast.Equal(int64(2), d.Pending(s1))
	ast.Equal(int64(1), d.Pending(s2))

	// a fresh snapshot supersedes the local estimate
	r.Update(s1, healthy(0))
	ast.Equal(int64(0), d.Pending(s1))
	silo, err := d.OnAddActivation(placement.ActivationCountBased, target, pctx)
	ast.Nil(err)
	ast.Equal(s1, silo)
}

func TestRandomAndPreferLocal(t *testing.T) {
	ast := assert.New(t)
	rnd := placement.NewRandomDirector(42)
	pctx := placement.StaticContext(s0, s1, s2)
	for i := 0; i < 20; i++ {
		silo, err := rnd.OnAddActivation(placement.Random, target, pctx)
		ast.Nil(err)
		ast.Contains([]common.SiloAddress{s1, s2}, silo)
	}
	_, err := rnd.OnAddActivation(placement.Random, target, placement.StaticContext(s0))
	ast.ErrorIs(err, placement.ErrIncompatibleTarget)

	local := placement.NewPreferLocalDirector(rnd)
	silo, err := local.OnAddActivation(placement.PreferLocal, target, placement.StaticContext(s1, s0, s1, s2))
	ast.Nil(err)
	ast.Equal(s1, silo)
	silo, err = local.OnAddActivation(placement.PreferLocal, target, pctx)
	ast.Nil(err)
	ast.Contains([]common.SiloAddress{s1, s2}, silo)
}

func TestHashBasedIsStable(t *testing.T) {
	ast := assert.New(t)
	d := placement.NewHashBasedDirector()
	all := []common.SiloAddress{s0, s1, s2, s3}
	first, err := d.OnAddActivation(placement.HashBased, target, placement.StaticContext(s0, all...))
	ast.Nil(err)
	again, err := d.OnAddActivation(placement.HashBased, target, placement.StaticContext(s0, s3, s2, s1, s0))
	ast.Nil(err)
	ast.Equal(first, again)

	// dropping another silo does not move the grain
	rest := common.ExcludeSilos(all, first)
	remaining := common.ExcludeSilos(all, rest[0])
	moved, err := d.OnAddActivation(placement.HashBased, target, placement.StaticContext(s0, remaining...))
	ast.Nil(err)
	ast.Equal(first, moved)
}

func TestResourceOptimizedWeights(t *testing.T) {
	ast := assert.New(t)
	r := loadstats.NewRegistry(s0)
	r.Update(s1, loadstats.LoadSnapshot{CPUUsagePercent: 50, AvailableMemoryBytes: 200 << 20, Timestamp: time.Now()})
	r.Update(s2, loadstats.LoadSnapshot{CPUUsagePercent: 0, AvailableMemoryBytes: 100 << 20, Timestamp: time.Now()})
	r.Update(s3, overloaded())
	d := placement.NewResourceOptimizedDirector(r, placement.NewRandomDirector(1))
	w := d.Weights([]common.SiloAddress{s1, s2, s3, s0})
	ast.Equal([]float64{100, 100, 0, 100}, w)

	for i := 0; i < 20; i++ {
		silo, err := d.OnAddActivation(placement.ResourceOptimized, target, placement.StaticContext(s0, s1, s3))
		ast.Nil(err)
		ast.Equal(s1, silo)
	}
	_, err := d.OnAddActivation(placement.ResourceOptimized, target, placement.StaticContext(s0, s3))
	ast.ErrorIs(err, placement.ErrNoPlacementAvailable)
}

func TestDeadSiloPendingIsDropped(t *testing.T) {
	ast := assert.New(t)
	d, r := newDirector(s0)
	r.Update(s1, healthy(0))
	r.Update(s2, healthy(5))
	pctx := placement.StaticContext(s0, s1, s2)
	for i := 0; i < 2; i++ {
		_, err := d.OnAddActivation(placement.ActivationCountBased, target, pctx)
		ast.Nil(err)
	}
	ast.Equal(int64(2), d.Pending(s1))
	ast.Equal(1, d.Tracked())

	r.Remove(s1)
	ast.Equal(0, d.Tracked())
	ast.Equal(int64(0), d.Pending(s1))
}
