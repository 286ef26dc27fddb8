package membership_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/membership"
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
)

func TestViewTracksStatus(t *testing.T) {
	ast := assert.New(t)
	v := membership.NewView(s0)
	ast.Empty(v.Apply(membership.Event{Silo: s0, Status: membership.Active, Version: 1}))
	ast.Empty(v.Apply(membership.Event{Silo: s1, Status: membership.Joining, Version: 2}))
	ast.Equal([]common.SiloAddress{s0}, v.Active())
	ast.Empty(v.Apply(membership.Event{Silo: s1, Status: membership.Active, Version: 3}))
	ast.Equal([]common.SiloAddress{s0, s1}, v.Active())
	ast.Equal(common.MembershipVersion(3), v.Version())

	ast.Equal([]common.SiloAddress{s1}, v.Apply(membership.Event{Silo: s1, Status: membership.Dead, Version: 4}))
	ast.True(v.IsDead(s1))
	ast.False(v.IsDead(s2))
	ast.Equal([]common.SiloAddress{s0}, v.Active())

	// dead is final
	ast.Empty(v.Apply(membership.Event{Silo: s1, Status: membership.Active, Version: 5}))
	ast.True(v.IsDead(s1))
}

func TestViewIgnoresStaleEvents(t *testing.T) {
	ast := assert.New(t)
	v := membership.NewView(s0)
	v.Apply(membership.Event{Silo: s1, Status: membership.Active, Version: 5})
	ast.Empty(v.Apply(membership.Event{Silo: s1, Status: membership.Dead, Version: 4}))
	status, ok := v.Status(s1)
	ast.True(ok)
	ast.Equal(membership.Active, status)
}

func TestRestartSupersedesOldGeneration(t *testing.T) {
	ast := assert.New(t)
	v := membership.NewView(s0)
	v.Apply(membership.Event{Silo: s1, Status: membership.Active, Version: 1})
	restarted := common.NewSiloAddress(s1.Host, s1.Port, 2)
	ast.Equal([]common.SiloAddress{s1}, v.Apply(membership.Event{Silo: restarted, Status: membership.Joining, Version: 2}))
	ast.True(v.IsDead(s1))
	ast.False(v.IsDead(restarted))
}

func TestCompatibleSilos(t *testing.T) {
	ast := assert.New(t)
	v := membership.NewView(s0)
	v.Apply(membership.Event{Silo: s0, Status: membership.Active, Version: 1})
	v.Apply(membership.Event{Silo: s1, Status: membership.Active, Version: 2,
		Metadata: map[string]string{membership.MetadataGrainTypes: "IUser, IOrder"}})
	v.Apply(membership.Event{Silo: s2, Status: membership.Active, Version: 3,
		Metadata: map[string]string{membership.MetadataGrainTypes: "IOrder"}})

	ast.Equal([]common.SiloAddress{s0, s1}, v.GetCompatibleSilos(placement.Target{InterfaceType: "IUser"}))
	ast.Equal([]common.SiloAddress{s0, s1, s2}, v.GetCompatibleSilos(placement.Target{InterfaceType: "IOrder"}))
	ast.Equal([]common.SiloAddress{s0, s1, s2}, v.GetCompatibleSilos(placement.Target{}))
	ast.Equal("IOrder", v.SiloMetadata(s2)[membership.MetadataGrainTypes])
	ast.Equal(s0, v.LocalSilo())
}

type fakeDirectory struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    [][]common.SiloAddress
}

func (f *fakeDirectory) UnregisterSilos(_ context.Context, silos []common.SiloAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, silos)
	if f.failures > 0 {
		f.failures--
		return common.Unavailable("delete by silo", errors.New("timeout"))
	}
	return f.err
}

type fakeStats struct {
	removed []common.SiloAddress
}

func (f *fakeStats) Remove(silo common.SiloAddress) {
	f.removed = append(f.removed, silo)
}

func TestConsumerRetriesUnavailable(t *testing.T) {
	ast := assert.New(t)
	dir := &fakeDirectory{failures: 2}
	stats := &fakeStats{}
	c := membership.NewConsumer(membership.NewView(s0), dir, stats)
	c.SetRetry(5, time.Millisecond)

	ast.Nil(c.Handle(context.Background(), membership.Event{Silo: s1, Status: membership.Active, Version: 1}))
	ast.Len(dir.calls, 0)
	ast.Nil(c.Handle(context.Background(), membership.Event{Silo: s1, Status: membership.Dead, Version: 2}))
	ast.Len(dir.calls, 3)
	ast.Equal([]common.SiloAddress{s1}, dir.calls[2])
	ast.Equal([]common.SiloAddress{s1}, stats.removed)
}

func TestConsumerDoesNotRetryPermanentErrors(t *testing.T) {
	ast := assert.New(t)
	dir := &fakeDirectory{err: errors.New("bad request")}
	c := membership.NewConsumer(membership.NewView(s0), dir, nil)
	c.SetRetry(5, time.Millisecond)
	err := c.Handle(context.Background(), membership.Event{Silo: s1, Status: membership.Dead, Version: 1})
	ast.NotNil(err)
	ast.Len(dir.calls, 1)
}

func TestConsumerRun(t *testing.T) {
	ast := assert.New(t)
	dir := &fakeDirectory{}
	c := membership.NewConsumer(membership.NewView(s0), dir, nil)
	events := make(chan membership.Event, 2)
	events <- membership.Event{Silo: s1, Status: membership.Active, Version: 1}
	events <- membership.Event{Silo: s1, Status: membership.Dead, Version: 2}
	close(events)
	c.Run(context.Background(), events)
	ast.True(c.View().IsDead(s1))
	ast.Len(dir.calls, 1)
}
