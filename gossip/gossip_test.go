package gossip_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/gossip"
	"github.com/eyeKill/graindir/loadstats"
	"github.com/eyeKill/graindir/membership"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	common.SetLog(zap.NewNop())
	m.Run()
}

var (
	local = common.NewSiloAddress("10.0.0.1", 11111, 1)
	peer  = common.NewSiloAddress("10.0.0.2", 11111, 1)
)

func newDelegate(t *testing.T, r *loadstats.Registry) *gossip.Delegate {
	d, err := gossip.NewDelegate(gossip.NodeMeta{Silo: r.LocalSilo()}, r, func() int { return 3 })
	require.NoError(t, err)
	return d
}

func TestSnapshotTravelsBetweenDelegates(t *testing.T) {
	ast := assert.New(t)
	senderRegistry := loadstats.NewRegistry(peer)
	sender := newDelegate(t, senderRegistry)
	senderRegistry.SetBroadcaster(sender)
	receiverRegistry := loadstats.NewRegistry(local)
	receiver := newDelegate(t, receiverRegistry)

	s := loadstats.LoadSnapshot{CPUUsagePercent: 20, RecentlyUsedActivationCount: 9, Timestamp: time.Unix(1000, 0).UTC()}
	senderRegistry.Publish(s)
	// a newer publish replaces the queued one
	s.RecentlyUsedActivationCount = 10
	s.Timestamp = s.Timestamp.Add(time.Second)
	senderRegistry.Publish(s)
	ast.Equal(1, sender.Queued())

	for _, msg := range sender.GetBroadcasts(0, 1400) {
		receiver.NotifyMsg(msg)
	}
	got, found := receiverRegistry.Get(peer)
	ast.True(found)
	ast.Equal(int64(10), got.RecentlyUsedActivationCount)
	ast.True(s.Timestamp.Equal(got.Timestamp))
}

func TestPushPullState(t *testing.T) {
	ast := assert.New(t)
	a := loadstats.NewRegistry(peer)
	da := newDelegate(t, a)
	ast.Nil(da.LocalState(false))
	a.Publish(loadstats.LoadSnapshot{RecentlyUsedActivationCount: 4})

	b := loadstats.NewRegistry(local)
	db := newDelegate(t, b)
	db.MergeRemoteState(da.LocalState(true), true)
	got, found := b.Get(peer)
	ast.True(found)
	ast.Equal(int64(4), got.RecentlyUsedActivationCount)

	// own snapshots echoed back are ignored, garbage is dropped
	da.MergeRemoteState(da.LocalState(false), false)
	da.NotifyMsg([]byte("{"))
	ast.Equal(1, a.Len())
}

func TestNodeMeta(t *testing.T) {
	ast := assert.New(t)
	d, err := gossip.NewDelegate(gossip.NodeMeta{Silo: local, Metadata: map[string]string{"zone": "a"}}, loadstats.NewRegistry(local), nil)
	require.NoError(t, err)
	var meta gossip.NodeMeta
	ast.Nil(json.Unmarshal(d.NodeMeta(512), &meta))
	ast.Equal(local, meta.Silo)
	ast.Equal("a", meta.Metadata["zone"])
	ast.Nil(d.NodeMeta(4))
}

func TestEventsFromNodes(t *testing.T) {
	ast := assert.New(t)
	out := make(chan membership.Event, 4)
	events := gossip.NewEvents(out)
	meta, err := json.Marshal(gossip.NodeMeta{Silo: peer, Metadata: map[string]string{"zone": "b"}})
	require.NoError(t, err)
	node := &memberlist.Node{Name: peer.String(), Meta: meta}

	events.NotifyJoin(node)
	events.NotifyLeave(node)
	events.NotifyJoin(&memberlist.Node{Name: "stranger"})

	join := <-out
	ast.Equal(peer, join.Silo)
	ast.Equal(membership.Active, join.Status)
	ast.Equal("b", join.Metadata["zone"])
	leave := <-out
	ast.Equal(membership.Dead, leave.Status)
	ast.Greater(leave.Version, join.Version)
	ast.Len(out, 0)
}

func TestEventsDoNotBlockOnSlowConsumer(t *testing.T) {
	ast := assert.New(t)
	out := make(chan membership.Event)
	events := gossip.NewEvents(out)
	defer events.Close()
	meta, err := json.Marshal(gossip.NodeMeta{Silo: peer})
	require.NoError(t, err)
	node := &memberlist.Node{Name: peer.String(), Meta: meta}

	const n = 600
	notified := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			events.NotifyUpdate(node)
		}
		close(notified)
	}()
	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications blocked on an idle consumer")
	}
	ast.Greater(events.Backlog(), 0)

	var last common.MembershipVersion
	for i := 0; i < n; i++ {
		ev := <-out
		ast.Greater(ev.Version, last)
		last = ev.Version
	}
	ast.Equal(0, events.Backlog())
}
