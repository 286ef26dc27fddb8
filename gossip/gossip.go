// Package gossip runs a memberlist cluster that carries membership events and
// load snapshots between silos.
package gossip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
	"github.com/eyeKill/graindir/membership"
	"github.com/hashicorp/memberlist"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	DEFAULT_RETRANSMIT_MULT = 3
	backlogWarnSize         = 256
)

type Config struct {
	BindAddr      string
	BindPort      int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Seeds         []string
}

// NodeMeta is what a silo advertises in its memberlist node metadata.
type NodeMeta struct {
	Silo     common.SiloAddress `json:"silo"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

type snapshotMessage struct {
	Silo     common.SiloAddress     `json:"silo"`
	Snapshot loadstats.LoadSnapshot `json:"snapshot"`
}

// Delegate hooks the load registry into memberlist's user message and state sync paths.
type Delegate struct {
	meta     []byte
	registry *loadstats.Registry
	queue    *memberlist.TransmitLimitedQueue
	log      *zap.Logger
}

func NewDelegate(meta NodeMeta, registry *loadstats.Registry, numNodes func() int) (*Delegate, error) {
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &Delegate{
		meta:     b,
		registry: registry,
		queue: &memberlist.TransmitLimitedQueue{
			NumNodes:       numNodes,
			RetransmitMult: DEFAULT_RETRANSMIT_MULT,
		},
		log: common.Log().Named("gossip"),
	}, nil
}

func (d *Delegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		d.log.Error("Node metadata exceeds limit.", zap.Int("size", len(d.meta)), zap.Int("limit", limit))
		return nil
	}
	return d.meta
}

func (d *Delegate) NotifyMsg(b []byte) {
	d.merge(b)
}

func (d *Delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.queue.GetBroadcasts(overhead, limit)
}

// LocalState sends the local snapshot during push/pull sync.
func (d *Delegate) LocalState(_ bool) []byte {
	local := d.registry.LocalSilo()
	s, ok := d.registry.Get(local)
	if !ok {
		return nil
	}
	b, err := json.Marshal(snapshotMessage{Silo: local, Snapshot: s})
	if err != nil {
		d.log.Error("Failed to marshal local state.", zap.Error(err))
		return nil
	}
	return b
}

func (d *Delegate) MergeRemoteState(buf []byte, _ bool) {
	if len(buf) > 0 {
		d.merge(buf)
	}
}

func (d *Delegate) merge(b []byte) {
	var m snapshotMessage
	if err := json.Unmarshal(b, &m); err != nil {
		d.log.Warn("Dropping malformed snapshot message.", zap.Error(err))
		return
	}
	// a peer never speaks for us
	if m.Silo == d.registry.LocalSilo() {
		return
	}
	d.registry.Update(m.Silo, m.Snapshot)
}

// Broadcast queues the snapshot for gossip. It replaces any queued snapshot of the same silo.
func (d *Delegate) Broadcast(silo common.SiloAddress, s loadstats.LoadSnapshot) {
	b, err := json.Marshal(snapshotMessage{Silo: silo, Snapshot: s})
	if err != nil {
		d.log.Error("Failed to marshal snapshot.", zap.Error(err))
		return
	}
	d.queue.QueueBroadcast(&snapshotBroadcast{silo: silo, msg: b})
}

// Queued returns the number of broadcasts waiting to be sent.
func (d *Delegate) Queued() int {
	return d.queue.NumQueued()
}

type snapshotBroadcast struct {
	silo common.SiloAddress
	msg  []byte
}

func (b *snapshotBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*snapshotBroadcast)
	return ok && o.silo == b.silo
}

func (b *snapshotBroadcast) Message() []byte {
	return b.msg
}

func (b *snapshotBroadcast) Finished() {}

// Events turns memberlist node notifications into membership events.
// memberlist invokes the notify hooks synchronously from its probe loop, so
// events are queued and forwarded to out by a separate goroutine.
type Events struct {
	out     chan<- membership.Event
	version atomic.Int64
	log     *zap.Logger

	mu       sync.Mutex
	queue    []membership.Event
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewEvents(out chan<- membership.Event) *Events {
	e := &Events{
		out:  out,
		log:  common.Log().Named("gossip"),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go e.forward()
	return e
}

func (e *Events) forward() {
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			ev := e.queue[0]
			e.queue[0] = membership.Event{}
			e.queue = e.queue[1:]
			e.mu.Unlock()
			select {
			case e.out <- ev:
			case <-e.stop:
				return
			}
		}
	}
}

// Backlog returns the number of events not yet handed to out.
func (e *Events) Backlog() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close stops forwarding. Queued events are dropped.
func (e *Events) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Event converts a notification. ok is false for nodes that are not silos.
func (e *Events) Event(node *memberlist.Node, status membership.Status) (membership.Event, bool) {
	var meta NodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.Silo.IsZero() {
		e.log.Warn("Ignoring node without silo metadata.", zap.String("node", node.Name))
		return membership.Event{}, false
	}
	ev := membership.Event{
		Silo:    meta.Silo,
		Status:  status,
		Version: common.MembershipVersion(e.version.Inc()),
	}
	if status != membership.Dead {
		ev.Metadata = meta.Metadata
	}
	return ev, true
}

func (e *Events) emit(node *memberlist.Node, status membership.Status) {
	ev, ok := e.Event(node, status)
	if !ok {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	n := len(e.queue)
	e.mu.Unlock()
	if n > backlogWarnSize {
		e.log.Warn("Membership consumer is falling behind.", zap.Int("backlog", n))
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Events) NotifyJoin(node *memberlist.Node) {
	e.emit(node, membership.Active)
}

// NotifyLeave fires for both graceful leave and failure; either way the silo is gone.
func (e *Events) NotifyLeave(node *memberlist.Node) {
	e.emit(node, membership.Dead)
}

func (e *Events) NotifyUpdate(node *memberlist.Node) {
	e.emit(node, membership.Active)
}

// Gossip owns the memberlist instance.
type Gossip struct {
	list     atomic.Pointer[memberlist.Memberlist]
	delegate *Delegate
	events   *Events
	seeds    []string
}

// New creates the memberlist and starts listening. events receives membership
// changes and must be drained by the caller.
func New(cfg Config, meta NodeMeta, registry *loadstats.Registry, events chan<- membership.Event) (*Gossip, error) {
	g := &Gossip{seeds: cfg.Seeds}
	delegate, err := NewDelegate(meta, registry, func() int {
		if l := g.list.Load(); l != nil {
			return l.NumMembers()
		}
		return 1
	})
	if err != nil {
		return nil, err
	}
	g.delegate = delegate

	config := memberlist.DefaultLANConfig()
	config.Name = meta.Silo.String()
	if cfg.BindAddr != "" {
		config.BindAddr = cfg.BindAddr
	}
	config.BindPort = cfg.BindPort
	config.AdvertisePort = cfg.BindPort
	if cfg.ProbeInterval > 0 {
		config.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		config.ProbeTimeout = cfg.ProbeTimeout
	}
	config.Logger = zap.NewStdLog(common.Log().Named("memberlist"))
	config.Delegate = delegate
	g.events = NewEvents(events)
	config.Events = g.events

	list, err := memberlist.Create(config)
	if err != nil {
		g.events.Close()
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.list.Store(list)
	registry.SetBroadcaster(delegate)
	return g, nil
}

func (g *Gossip) Join() error {
	if len(g.seeds) == 0 {
		return nil
	}
	n, err := g.list.Load().Join(g.seeds)
	if err != nil {
		return fmt.Errorf("failed to join memberlist: %w", err)
	}
	common.Log().Info("Joined gossip cluster.", zap.Int("contacted", n))
	return nil
}

func (g *Gossip) Members() int {
	return g.list.Load().NumMembers()
}

func (g *Gossip) Leave(timeout time.Duration) error {
	common.Log().Warn("Leaving gossip cluster.")
	defer g.events.Close()
	list := g.list.Load()
	if err := list.Leave(timeout); err != nil {
		return err
	}
	return list.Shutdown()
}
