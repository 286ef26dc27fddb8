package loadstats

import (
	"sync"
	"time"

	"github.com/eyeKill/graindir/common"
	"go.uber.org/zap"
)

type State int

const (
	// no snapshot was ever received from the silo
	StatsUnknown State = iota
	StatsKnown
	// the last snapshot is older than the registry TTL
	StatsExpired
)

func (s State) String() string {
	switch s {
	case StatsKnown:
		return "known"
	case StatsExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is the result of a registry lookup. Overloaded is only meaningful when State is StatsKnown.
type Entry struct {
	State      State
	Snapshot   LoadSnapshot
	Overloaded bool
}

func (e Entry) Known() bool {
	return e.State == StatsKnown
}

// Broadcaster makes the local snapshot visible to peers.
type Broadcaster interface {
	Broadcast(silo common.SiloAddress, snapshot LoadSnapshot)
}

// UpdateListener is called after every accepted Update, outside the registry lock.
type UpdateListener func(silo common.SiloAddress, snapshot LoadSnapshot)

// RemoveListener is called after a silo was removed, outside the registry lock.
type RemoveListener func(silo common.SiloAddress)

type RegistryOption func(*Registry)

func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

func WithPolicy(p SheddingPolicy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

func WithBroadcaster(b Broadcaster) RegistryOption {
	return func(r *Registry) { r.broadcaster = b }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// Registry caches the latest snapshot per silo. Every write replaces the whole record.
type Registry struct {
	local       common.SiloAddress
	policy      SheddingPolicy
	ttl         time.Duration
	now         func() time.Time
	broadcaster Broadcaster

	rwLock    sync.RWMutex
	snapshots map[common.SiloAddress]LoadSnapshot
	listeners []UpdateListener
	removed   []RemoveListener
}

func NewRegistry(local common.SiloAddress, opts ...RegistryOption) *Registry {
	r := &Registry{
		local:     local,
		policy:    DefaultSheddingPolicy(),
		now:       time.Now,
		snapshots: make(map[common.SiloAddress]LoadSnapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) LocalSilo() common.SiloAddress {
	return r.local
}

func (r *Registry) Policy() SheddingPolicy {
	return r.policy
}

// SetBroadcaster swaps the broadcaster, used when the transport starts after the registry.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.rwLock.Lock()
	defer r.rwLock.Unlock()
	r.broadcaster = b
}

// OnUpdate registers a listener for accepted updates.
func (r *Registry) OnUpdate(l UpdateListener) {
	r.rwLock.Lock()
	defer r.rwLock.Unlock()
	r.listeners = append(r.listeners, l)
}

// OnRemove registers a listener for silos dropped by Remove.
func (r *Registry) OnRemove(l RemoveListener) {
	r.rwLock.Lock()
	defer r.rwLock.Unlock()
	r.removed = append(r.removed, l)
}

// Publish records the local silo's own snapshot and hands it to the broadcaster.
func (r *Registry) Publish(snapshot LoadSnapshot) {
	r.Update(r.local, snapshot)
	r.rwLock.RLock()
	b := r.broadcaster
	r.rwLock.RUnlock()
	if b != nil {
		b.Broadcast(r.local, snapshot)
	}
}

// Update stores a snapshot received for silo. Snapshots older than the one
// already held are dropped, since gossip may deliver them out of order.
func (r *Registry) Update(silo common.SiloAddress, snapshot LoadSnapshot) bool {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = r.now()
	}
	r.rwLock.Lock()
	if prev, ok := r.snapshots[silo]; ok && snapshot.Timestamp.Before(prev.Timestamp) {
		r.rwLock.Unlock()
		common.Log().Debug("Dropping out of order snapshot.", zap.Stringer("silo", silo))
		return false
	}
	r.snapshots[silo] = snapshot
	listeners := make([]UpdateListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.rwLock.Unlock()

	for _, l := range listeners {
		l(silo, snapshot)
	}
	return true
}

func (r *Registry) expired(s LoadSnapshot) bool {
	return r.ttl > 0 && r.now().Sub(s.Timestamp) > r.ttl
}

// Get returns the snapshot of silo. found is false when nothing was received
// yet or the last snapshot expired.
func (r *Registry) Get(silo common.SiloAddress) (LoadSnapshot, bool) {
	e := r.Lookup(silo)
	return e.Snapshot, e.Known()
}

// Lookup returns the three-way state of silo together with the derived overload flag.
func (r *Registry) Lookup(silo common.SiloAddress) Entry {
	r.rwLock.RLock()
	s, ok := r.snapshots[silo]
	r.rwLock.RUnlock()
	if !ok {
		return Entry{State: StatsUnknown}
	}
	if r.expired(s) {
		return Entry{State: StatsExpired, Snapshot: s}
	}
	return Entry{State: StatsKnown, Snapshot: s, Overloaded: r.policy.IsOverloaded(s)}
}

// Remove forgets silo, which membership declared dead.
func (r *Registry) Remove(silo common.SiloAddress) {
	r.rwLock.Lock()
	delete(r.snapshots, silo)
	listeners := make([]RemoveListener, len(r.removed))
	copy(listeners, r.removed)
	r.rwLock.Unlock()

	for _, l := range listeners {
		l(silo)
	}
}

// Prune drops expired snapshots and returns how many were removed.
func (r *Registry) Prune() int {
	r.rwLock.Lock()
	defer r.rwLock.Unlock()
	n := 0
	for silo, s := range r.snapshots {
		if r.expired(s) {
			delete(r.snapshots, silo)
			n++
		}
	}
	return n
}

// All returns a copy of every non-expired snapshot.
func (r *Registry) All() map[common.SiloAddress]LoadSnapshot {
	r.rwLock.RLock()
	defer r.rwLock.RUnlock()
	ret := make(map[common.SiloAddress]LoadSnapshot, len(r.snapshots))
	for silo, s := range r.snapshots {
		if !r.expired(s) {
			ret[silo] = s
		}
	}
	return ret
}

func (r *Registry) Len() int {
	r.rwLock.RLock()
	defer r.rwLock.RUnlock()
	return len(r.snapshots)
}
